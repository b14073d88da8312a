// Package supervisor runs the long-lived goroutines of the tracker (cron
// host, config watcher, HTTP server, watchdog) under one cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	logx "gputracker/pkg/logx"
)

// Supervisor tracks named goroutines sharing one context. Panics become
// errors; the first error is kept and, with WithCancelOnError, ends the
// context for everyone.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg sync.WaitGroup

	mu       sync.Mutex
	firstErr error
	running  int64
	stats    map[string]*Stats
	done     chan struct{}
}

type Option func(*Supervisor)

// Stats describes one named goroutine.
type Stats struct {
	Name        string    `json:"name"`
	Running     bool      `json:"running"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Active     int64   `json:"active"`
	FirstError string  `json:"first_error,omitempty"`
	Goroutines []Stats `json:"goroutines"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first failure cancel the shared context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, stats: map[string]*Stats{}, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel ends the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Active: s.running}
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Goroutines, func(a, b Stats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

// update runs fn on the named entry under the lock.
func (s *Supervisor) update(name string, fn func(st *Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	fn(st)
}

// Go runs fn once in its own goroutine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.update(name, func(st *Stats) {
		s.running++
		st.Running = true
		st.LastStartAt = time.Now()
	})
	go func() {
		defer s.wg.Done()
		err := s.call(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.update(name, func(st *Stats) {
			s.running--
			st.Running = false
			if err != nil {
				st.LastErr = err.Error()
			}
		})
		if err != nil {
			s.record(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.update(name, func(st *Stats) { st.Panics++ })
		s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		err = fmt.Errorf("panic: %v", r)
	}()
	return fn(s.ctx)
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends, and reports the
// first failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.done == nil {
		s.done = make(chan struct{})
		go func(done chan struct{}) {
			s.wg.Wait()
			close(done)
		}(s.done)
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}
