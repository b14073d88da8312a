package scheduler

import (
	"context"
	"errors"
	"time"

	"gputracker/internal/browser"
	"gputracker/internal/domain"
	"gputracker/internal/notify"
	"gputracker/internal/task/engine"
)

var (
	// ErrBusy is returned when a cycle is already in flight.
	ErrBusy = errors.New("check cycle already running")
	// ErrStopped is returned once StopAll has been called.
	ErrStopped = errors.New("scheduler stopped")
)

// Config controls cycles.
type Config struct {
	Timezone string // IANA TZ, e.g. "America/New_York"
	// Concurrency bounds concurrent product checks (default 3). With 1,
	// retailers are checked one after another through CheckProducts.
	Concurrency int
	// PerRetailer bounds concurrent checks against one retailer.
	PerRetailer int
	// BreakerFailures, when > 0, skips a retailer's remaining products for
	// a cooldown after that many consecutive failed checks. 0 checks every
	// product regardless of its neighbours.
	BreakerFailures int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.PerRetailer < 0 {
		c.PerRetailer = 0
	}
	if c.BreakerFailures < 0 {
		c.BreakerFailures = 0
	}
	return c
}

// Sessions hands out the shared browser session. *browser.Manager
// implements it.
type Sessions interface {
	Acquire(ctx context.Context) (*browser.Session, error)
	Close()
}

type Evaluator interface {
	Evaluate(ctx context.Context, results []domain.CheckResult) []domain.Firing
}

type Dispatcher interface {
	DispatchAll(ctx context.Context, firings []domain.Firing) []notify.Result
}

// Deps are the collaborators a Service drives. Engine is created from
// Config when nil.
type Deps struct {
	Sessions   Sessions
	Evaluator  Evaluator
	Dispatcher Dispatcher
	Engine     *engine.Pool
}

type state int32

const (
	stateIdle state = iota
	stateRunning
)

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID       string
	Trigger  string
	Started  time.Time
	Duration time.Duration

	Checked int
	// Failed counts failed product checks. Sequential cycles report
	// per-product failures through the log only and count failed retailers.
	Failed     int
	Fired      int
	Sent       int
	Suppressed int

	// Err is set when the cycle ended early (no session, session lost).
	Err error
}

// Health is the control surface's view of the scheduler.
type Health struct {
	Initialized bool
	Uptime      time.Duration
	Running     bool
	LastCycle   *CycleReport
}

type Snapshot struct {
	Schedule  string
	Timezone  string
	Next      time.Time
	Prev      time.Time
	Running   bool
	Stopped   bool
	Retailers []string
	Engine    engine.Snapshot
}
