package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "gputracker/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager owns the live config and publishes validated reloads to
// subscribers.
type Manager struct {
	path string

	mu     sync.RWMutex
	cfg    *Config
	digest uint64

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	reloadMu sync.Mutex
	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs a hook that can veto a reload before it is
// committed. It runs after Validate.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads and validates the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.digest = digest(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and, when its content changed and passes
// validation, commits and publishes it. changed is false for a no-op.
func (m *Manager) Reload(ctx context.Context) (changed bool, err error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	d := digest(cfg)
	m.mu.RLock()
	same := d != 0 && d == m.digest
	m.mu.RUnlock()
	if same {
		return false, nil
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("rejected: %w", err)
		}
	}
	m.commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("digest", fmt.Sprintf("%x", d)))
	return true, nil
}

// Subscribe returns a channel that receives every published config. A
// slow subscriber only ever misses intermediate versions, never the latest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// full: evict the oldest pending version and retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped; subscriber slow", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Watch reloads on changes to the config file until ctx ends. The
// directory is watched (editors replace files on save) and a broken
// watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	deb := &debouncer{wait: reloadDebounce, fn: func() { m.reloadFromWatch(ctx) }}
	defer deb.stop()

	wait := watchBackoffMin
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, file, deb.kick, func() { wait = watchBackoffMin })
		if ctx.Err() != nil {
			break
		}
		pause := wait + time.Duration(rand.Int64N(int64(wait/2)+1))
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.Err(err),
			logx.Duration("backoff", pause),
		)
		wait = min(wait*2, watchBackoffMax)
		select {
		case <-ctx.Done():
		case <-time.After(pause):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher. It returns nil when ctx ends and
// an error when the watcher breaks.
func (m *Manager) watchOnce(ctx context.Context, dir, file string, kick, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	healthy()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			// basename compare survives relative paths and case-folding filesystems
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				m.log.Debug("config change detected", logx.String("op", ev.Op.String()))
				kick()
			}
		case err, ok := <-w.Errors:
			if !ok || errors.Is(err, fsnotify.ErrClosed) {
				return errors.New("error stream closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events were lost; the file may have changed
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				kick()
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}

func (m *Manager) reloadFromWatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	changed, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config reload failed; keeping previous", logx.String("path", m.path), logx.Err(err))
	case !changed:
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
	}
}

// debouncer runs fn once, wait after the last kick.
type debouncer struct {
	wait time.Duration
	fn   func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) kick() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
