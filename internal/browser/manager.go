package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gputracker/internal/eventbus"
	logx "gputracker/pkg/logx"
)

// State of the managed session.
//
//	Closed -> Launching -> Ready -> Disconnected -> Launching -> ...
//	Ready|Disconnected -> Closed (Close)
type State int32

const (
	StateClosed State = iota
	StateLaunching
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is one launched browser. Sessions are never reused after they
// are lost; Acquire returns a fresh one instead.
type Session struct {
	id         uint64
	browser    Browser
	launchedAt time.Time
	lost       atomic.Bool
}

func (s *Session) ID() uint64 { return s.id }

// Lost reports whether the session disconnected or was closed.
func (s *Session) Lost() bool { return s.lost.Load() }

func (s *Session) LaunchedAt() time.Time { return s.launchedAt }

// Done is closed when the underlying browser goes away.
func (s *Session) Done() <-chan struct{} { return s.browser.Done() }

// Gone reports whether Done is closed or the session was marked lost.
func (s *Session) Gone() bool {
	if s.lost.Load() {
		return true
	}
	select {
	case <-s.browser.Done():
		return true
	default:
		return false
	}
}

// launchCall lets concurrent Acquire callers share one launch.
type launchCall struct {
	done chan struct{}
	sess *Session
	err  error
}

// Manager owns at most one live Session.
type Manager struct {
	launcher      Launcher
	page          PageOptions
	launchTimeout time.Duration
	log           logx.Logger
	bus           eventbus.Bus

	mu      sync.Mutex
	state   State
	cur     *Session
	pending *launchCall
	seq     uint64
	epoch   uint64

	launches atomic.Uint64
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(m *Manager) { m.bus = bus } }

func WithPageOptions(o PageOptions) Option { return func(m *Manager) { m.page = o } }

// WithLaunchTimeout bounds how long a single launch may take (default 60s).
func WithLaunchTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.launchTimeout = d
		}
	}
}

func NewManager(l Launcher, opts ...Option) *Manager {
	m := &Manager{
		launcher:      l,
		page:          DefaultPageOptions(),
		launchTimeout: 60 * time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	m.page = m.page.withDefaults()
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "browser"))
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Launches counts successful launches since construction.
func (m *Manager) Launches() uint64 { return m.launches.Load() }

// Acquire returns the live session, launching one if none exists. Concurrent
// callers during a launch wait for that launch instead of starting another.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	switch m.state {
	case StateReady:
		s := m.cur
		m.mu.Unlock()
		return s, nil
	case StateLaunching:
		call := m.pending
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.sess, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Closed or Disconnected: this caller launches.
	call := &launchCall{done: make(chan struct{})}
	m.pending = call
	m.state = StateLaunching
	epoch := m.epoch
	m.mu.Unlock()

	sess, err := m.launch(ctx)

	m.mu.Lock()
	switch {
	case err != nil:
		m.state = StateClosed
	case m.epoch != epoch:
		// Close ran while we were launching.
		err = fmt.Errorf("%w: manager closed during launch", ErrSessionLost)
		m.state = StateClosed
	default:
		m.cur = sess
		m.state = StateReady
	}
	m.pending = nil
	call.sess, call.err = sess, err
	if err != nil {
		call.sess = nil
	}
	close(call.done)
	m.mu.Unlock()

	if err != nil {
		if sess != nil {
			m.closeBrowser(sess)
		}
		m.log.Warn("browser launch failed", logx.Err(err))
		return nil, err
	}

	m.launches.Add(1)
	m.log.Info("browser session launched", logx.Int64("session", int64(sess.id)))
	eventbus.Emit(m.bus, eventbus.SessionLaunched, sess.id)
	go m.watch(sess)
	return sess, nil
}

func (m *Manager) launch(ctx context.Context) (*Session, error) {
	lctx, cancel := context.WithTimeout(ctx, m.launchTimeout)
	defer cancel()
	b, err := m.launcher.Launch(lctx)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	m.mu.Lock()
	m.seq++
	id := m.seq
	m.mu.Unlock()
	return &Session{id: id, browser: b, launchedAt: time.Now()}, nil
}

// watch moves Ready -> Disconnected when the session's browser goes away.
func (m *Manager) watch(s *Session) {
	<-s.browser.Done()
	s.lost.Store(true)

	m.mu.Lock()
	current := m.cur == s
	if current {
		m.cur = nil
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if !current {
		return
	}
	m.log.Warn("browser disconnected; next check relaunches", logx.Int64("session", int64(s.id)))
	eventbus.Emit(m.bus, eventbus.SessionDisconnected, s.id)
	m.closeBrowser(s)
}

// NewPage opens a configured page on s. It refuses sessions that are no
// longer current so no work lands on a stale browser.
func (m *Manager) NewPage(ctx context.Context, s *Session) (Page, error) {
	if s == nil {
		return nil, ErrSessionLost
	}
	m.mu.Lock()
	current := m.cur == s && m.state == StateReady
	m.mu.Unlock()
	if !current || s.lost.Load() {
		return nil, ErrSessionLost
	}
	select {
	case <-s.browser.Done():
		return nil, ErrSessionLost
	default:
	}

	p, err := s.browser.NewPage(ctx, m.page)
	if err != nil {
		select {
		case <-s.browser.Done():
			return nil, fmt.Errorf("%w: %v", ErrSessionLost, err)
		default:
		}
		return nil, fmt.Errorf("new page: %w", err)
	}
	return p, nil
}

// Close tears down the current session. Errors are logged, never returned.
// A later Acquire launches again.
func (m *Manager) Close() {
	m.mu.Lock()
	s := m.cur
	m.cur = nil
	m.epoch++
	if m.state != StateLaunching {
		m.state = StateClosed
	}
	m.mu.Unlock()

	if s != nil {
		s.lost.Store(true)
		m.closeBrowser(s)
		m.log.Info("browser session closed", logx.Int64("session", int64(s.id)))
	}
}

func (m *Manager) closeBrowser(s *Session) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("browser close panicked", logx.Any("panic", r))
		}
	}()
	if err := s.browser.Close(); err != nil {
		m.log.Debug("browser close failed", logx.Err(err))
	}
}
