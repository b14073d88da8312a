package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogFile = "./gputracker.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Ops     OpsConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// OpsConfig forwards lines at or above MinLevel to an operator channel,
// at most RatePerSec per second.
type OpsConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks. Apply rebuilds them; every Logger derived from
// the Service picks up the change on its next line.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *os.File
	ops  *opsSink
}

// New builds a Service from cfg. sender may be nil and attached later
// with SetSender.
func New(cfg Config, sender Sender) (*Service, Logger) {
	s := &Service{ops: newOpsSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetSender changes where ops lines go. nil stops forwarding.
func (s *Service) SetSender(sender Sender) { s.ops.setSender(sender) }

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(Stdout()))
	}

	var next *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: open %s: %v\n", path, err)
		} else {
			next = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	s.ops.configure(cfg.Ops)
	if cfg.Ops.Enabled {
		s.ops.start()
		sinks = append(sinks, s.ops)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(Stdout()))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	// swap before closing so no line is written to a closed file
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = next
}

// Close stops ops forwarding and closes the log file. Loggers remain
// usable and keep writing to the console sink if one is configured.
func (s *Service) Close() error {
	s.ops.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
