// Package httpapi serves the control surface: health, manual checks,
// price history, channel tests, metrics and optional pprof.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "gputracker/internal/runtime/supervisor"
	logx "gputracker/pkg/logx"
)

// Config controls the HTTP server. A non-loopback Addr needs a Token
// unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	Metrics       bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const (
	DefaultAddr     = "127.0.0.1:3000"
	shutdownTimeout = 2 * time.Second
)

var errInsecureBind = errors.New("non-loopback addr requires token or allow_insecure")

type Server struct {
	deps Deps
	log  logx.Logger

	mu  sync.Mutex
	cfg Config
	cur *instance
	rt  Runtime
}

// SetRuntime attaches the goroutine view shown by /api/health.
func (s *Server) SetRuntime(rt Runtime) {
	s.mu.Lock()
	s.rt = rt
	s.mu.Unlock()
}

func (s *Server) runtime() Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

// instance is one started server: a supervisor running the serve loop
// and whatever listener that loop currently holds.
type instance struct {
	sup *rtsup.Supervisor

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func (in *instance) bound(ln net.Listener, srv *http.Server) {
	in.mu.Lock()
	in.ln, in.srv = ln, srv
	in.mu.Unlock()
}

func (in *instance) addr() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ln == nil {
		return ""
	}
	return in.ln.Addr().String()
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "httpapi"))}
}

// Addr is the bound listen address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	in := s.cur
	s.mu.Unlock()
	if in == nil {
		return ""
	}
	return in.addr()
}

// Reconfigure swaps cfg in, restarting the listener only when it changed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	same := s.cfg == cfg
	running := s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case !same:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is a no-op when disabled or already running. The serve loop
// restarts with backoff, so a busy port is retried rather than fatal.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return
	}
	in := &instance{
		// the control surface never takes the tracker down with it
		sup: rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.cur = in
	cfg := s.cfg
	in.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, in, cfg) },
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop shuts the server down and waits for the serve loop, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	in := s.cur
	s.cur = nil
	s.mu.Unlock()
	if in == nil {
		return
	}
	in.mu.Lock()
	srv := in.srv
	in.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	if err := in.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("http stop", logx.Err(err))
	}
	in.bound(nil, nil)
	s.log.Info("http stopped")
}

func (s *Server) serve(ctx context.Context, in *instance, cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("http refused to start", logx.String("addr", addr), logx.Err(errInsecureBind))
			return errInsecureBind
		}
		s.log.Warn("http serving without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	in.bound(ln, srv)

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("http started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("metrics", cfg.Metrics),
		logx.Bool("pprof", cfg.Pprof),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if errors.Is(err, http.ErrServerClosed) {
		// Stop shut it down before cancelling the loop
		return nil
	}
	return err
}
