// Package engine runs the per-product tasks of a check cycle on a bounded
// worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "gputracker/pkg/logx"
)

// Pool executes batches of tasks. A Pool is reused across runs so the
// circuit breaker remembers failing keys; Run may be called concurrently.
type Pool struct {
	log logx.Logger
	now func() time.Time

	mu  sync.Mutex
	cfg Config

	circuits circuitStore
	inFlight atomic.Int32
	runs     atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		log: log.With(logx.String("comp", "engine")),
		now: time.Now,
		cfg: cfg.withDefaults(),
	}
}

// Apply replaces the config; it takes effect on the next Run.
func (p *Pool) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Pool) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Run executes tasks with at most Workers in flight and at most PerKey per
// key, in submission order where limits allow. It returns once every
// started task has finished. After a Fatal error or ctx cancellation no
// new task starts; the rest are reported with ErrAborted.
func (p *Pool) Run(ctx context.Context, tasks []Task) Report {
	cfg := p.config()
	p.runs.Add(1)

	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return Report{Results: results}
	}

	var (
		mu      sync.Mutex
		cond    = sync.NewCond(&mu)
		pending = make([]int, len(tasks))
		groups  = newKeyGroups(cfg.PerKey)
		fatal   error
	)
	for i := range tasks {
		pending[i] = i
	}

	// next blocks until a task can start; -1 means stop. Callers hold mu.
	next := func() int {
		for {
			if fatal != nil || ctx.Err() != nil || len(pending) == 0 {
				return -1
			}
			for j, idx := range pending {
				key := groupKey(tasks[idx].Key, tasks[idx].Name)
				if groups.hasRoom(key) {
					pending = append(pending[:j], pending[j+1:]...)
					groups.acquire(key)
					return idx
				}
			}
			cond.Wait()
		}
	}

	workers := cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				idx := next()
				mu.Unlock()
				if idx < 0 {
					// Wake peers so they notice the stop condition.
					cond.Broadcast()
					return
				}

				res := p.exec(ctx, cfg, tasks[idx])

				mu.Lock()
				results[idx] = res
				groups.release(groupKey(tasks[idx].Key, tasks[idx].Name))
				if fatal == nil && IsFatal(res.Err) {
					fatal = res.Err
				}
				mu.Unlock()
				cond.Broadcast()
			}
		}()
	}
	wg.Wait()

	rep := Report{Results: results, Fatal: fatal}
	abortErr := ErrAborted
	if fatal != nil {
		abortErr = fmt.Errorf("%w: %v", ErrAborted, fatal)
	} else if ctx.Err() != nil {
		abortErr = fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	}
	for _, idx := range pending {
		t := tasks[idx]
		results[idx] = Result{ID: t.ID, Name: t.Name, Key: t.Key, Err: abortErr, Skipped: true}
	}
	for _, r := range results {
		switch {
		case r.Skipped:
			rep.Skipped++
		case r.Err != nil:
			rep.Failed++
		}
	}
	return rep
}

func (p *Pool) exec(ctx context.Context, cfg Config, t Task) Result {
	start := p.now()
	res := Result{ID: t.ID, Name: t.Name, Key: t.Key, Started: start}

	if open, until := p.circuits.isOpen(start, t.Key, cfg); open {
		res.Err = fmt.Errorf("%w (key %s until %s)", ErrCircuitOpen, t.Key, until.Format(time.RFC3339))
		res.Skipped = true
		return res
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	p.inFlight.Add(1)
	// Guard against task panics: convert to error so one bad task can't kill
	// a worker or leave the run hanging.
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Err = fmt.Errorf("panic: %v", r)
				res.Panicked = true
				p.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		res.Err = t.Run(runCtx)
	}()
	p.inFlight.Add(-1)
	cancel()
	res.Duration = time.Since(start)

	// Fatal errors and cancellation say nothing about the key itself.
	if !IsFatal(res.Err) && !errors.Is(res.Err, context.Canceled) {
		if p.circuits.record(p.now(), t.Key, cfg, res.Err) {
			p.log.Warn("circuit opened", logx.String("key", t.Key))
		}
	}

	item := HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, Duration: res.Duration}
	if res.Err != nil {
		item.Error = res.Err.Error()
		p.log.Debug("task.failed", logx.String("task", t.Name), logx.Duration("dur", res.Duration), logx.Err(res.Err))
	} else {
		p.log.Debug("task.completed", logx.String("task", t.Name), logx.Duration("dur", res.Duration))
	}
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > cfg.HistorySize {
		p.history = p.history[len(p.history)-cfg.HistorySize:]
	}
	p.hmu.Unlock()
	return res
}

func (p *Pool) Snapshot() Snapshot {
	cfg := p.config()
	total, open := p.circuits.snapshot(p.now())
	p.hmu.Lock()
	hist := append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()
	return Snapshot{
		Workers:        cfg.Workers,
		PerKey:         cfg.PerKey,
		Runs:           p.runs.Load(),
		InFlight:       int(p.inFlight.Load()),
		DefaultTimeout: cfg.DefaultTimeout,
		CircuitTotal:   total,
		CircuitOpen:    open,
		History:        hist,
	}
}
