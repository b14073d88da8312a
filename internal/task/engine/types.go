package engine

import (
	"context"
	"time"
)

const (
	defaultWorkers     = 3
	defaultHistorySize = 200
)

// Config sizes a Pool. Zero values take defaults; CircuitTripFailures < 0
// turns the per-key breaker off.
type Config struct {
	Workers        int
	PerKey         int // 0: unlimited
	DefaultTimeout time.Duration
	HistorySize    int

	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	c.PerKey = max(c.PerKey, 0)
	c.DefaultTimeout = max(c.DefaultTimeout, 0)
	return c
}

// Task is one product check. Key is the retailer name; it drives PerKey
// limiting and the breaker.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Result struct {
	ID       string
	Name     string
	Key      string
	Started  time.Time
	Duration time.Duration
	Err      error
	Panicked bool
	Skipped  bool // never ran: aborted batch or open breaker
}

// Report is the outcome of one Run, in task order.
type Report struct {
	Results []Result
	Fatal   error // first error wrapped with Fatal
	Failed  int
	Skipped int
}

type HistoryItem struct {
	ID       string
	Name     string
	Key      string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type Snapshot struct {
	Workers        int
	PerKey         int
	Runs           uint64
	InFlight       int
	DefaultTimeout time.Duration
	CircuitTotal   int
	CircuitOpen    int
	History        []HistoryItem
}
