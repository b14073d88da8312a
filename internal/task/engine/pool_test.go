package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "gputracker/pkg/logx"
)

func TestRunBoundsWorkers(t *testing.T) {
	p := New(Config{Workers: 2}, logx.Nop())

	var cur, peak atomic.Int32
	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = Task{
			Name: fmt.Sprintf("t%d", i),
			Run: func(ctx context.Context) error {
				n := cur.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				cur.Add(-1)
				return nil
			},
		}
	}
	rep := p.Run(context.Background(), tasks)
	if rep.Failed != 0 || rep.Skipped != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if got := peak.Load(); got > 2 || got == 0 {
		t.Fatalf("peak concurrency=%d, want 1..2", got)
	}
}

func TestRunPerKeyLimit(t *testing.T) {
	p := New(Config{Workers: 4, PerKey: 1}, logx.Nop())

	var mu sync.Mutex
	running := map[string]int{}
	violated := false
	mk := func(key string) Task {
		return Task{Name: key, Key: key, Run: func(ctx context.Context) error {
			mu.Lock()
			running[key]++
			if running[key] > 1 {
				violated = true
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running[key]--
			mu.Unlock()
			return nil
		}}
	}
	tasks := []Task{mk("bestbuy"), mk("bestbuy"), mk("amazon"), mk("bestbuy"), mk("amazon")}
	rep := p.Run(context.Background(), tasks)
	if rep.Failed != 0 {
		t.Fatalf("failed=%d", rep.Failed)
	}
	if violated {
		t.Fatalf("two tasks with the same key ran at once")
	}
}

func TestRunFatalStopsNewStarts(t *testing.T) {
	p := New(Config{Workers: 1}, logx.Nop())

	var ran atomic.Int32
	lost := errors.New("session lost")
	tasks := []Task{
		{Name: "a", Run: func(ctx context.Context) error { ran.Add(1); return nil }},
		{Name: "b", Run: func(ctx context.Context) error { ran.Add(1); return Fatal(lost) }},
		{Name: "c", Run: func(ctx context.Context) error { ran.Add(1); return nil }},
		{Name: "d", Run: func(ctx context.Context) error { ran.Add(1); return nil }},
	}
	rep := p.Run(context.Background(), tasks)
	if ran.Load() != 2 {
		t.Fatalf("ran=%d, want 2", ran.Load())
	}
	if !errors.Is(rep.Fatal, lost) {
		t.Fatalf("fatal=%v", rep.Fatal)
	}
	if rep.Skipped != 2 || rep.Failed != 1 {
		t.Fatalf("report=%+v", rep)
	}
	for _, r := range rep.Results[2:] {
		if !r.Skipped || !errors.Is(r.Err, ErrAborted) {
			t.Fatalf("result %s: %+v", r.Name, r)
		}
	}
}

func TestRunRecoversPanics(t *testing.T) {
	p := New(Config{Workers: 2}, logx.Nop())
	tasks := []Task{
		{Name: "boom", Run: func(ctx context.Context) error { panic("bad selector") }},
		{Name: "ok", Run: func(ctx context.Context) error { return nil }},
	}
	rep := p.Run(context.Background(), tasks)
	if !rep.Results[0].Panicked || rep.Results[0].Err == nil {
		t.Fatalf("panic not captured: %+v", rep.Results[0])
	}
	if rep.Results[1].Err != nil {
		t.Fatalf("ok task failed: %v", rep.Results[1].Err)
	}
}

func TestRunAppliesTimeout(t *testing.T) {
	p := New(Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond}, logx.Nop())
	tasks := []Task{{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}
	rep := p.Run(context.Background(), tasks)
	if !errors.Is(rep.Results[0].Err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", rep.Results[0].Err)
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	p := New(Config{Workers: 1, CircuitTripFailures: 2, CircuitBaseDelay: time.Hour}, logx.Nop())

	var calls atomic.Int32
	fail := Task{Name: "p", Key: "amazon", Run: func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("blocked")
	}}
	p.Run(context.Background(), []Task{fail, fail})
	rep := p.Run(context.Background(), []Task{fail})
	if calls.Load() != 2 {
		t.Fatalf("calls=%d, want 2", calls.Load())
	}
	if !errors.Is(rep.Results[0].Err, ErrCircuitOpen) || !rep.Results[0].Skipped {
		t.Fatalf("result=%+v", rep.Results[0])
	}
	snap := p.Snapshot()
	if snap.CircuitOpen != 1 || snap.Runs != 2 || len(snap.History) != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestTripPolicyCooldownDoublesUpToMax(t *testing.T) {
	p, ok := policyFor(Config{CircuitTripFailures: 2, CircuitBaseDelay: time.Minute, CircuitMaxDelay: 5 * time.Minute})
	if !ok {
		t.Fatalf("policy disabled")
	}
	cases := map[int]time.Duration{2: time.Minute, 3: 2 * time.Minute, 4: 4 * time.Minute, 5: 5 * time.Minute, 9: 5 * time.Minute}
	for n, want := range cases {
		if got := p.cooldown(n); got != want {
			t.Fatalf("cooldown(%d)=%v want %v", n, got, want)
		}
	}
	if _, ok := policyFor(Config{CircuitTripFailures: -1}); ok {
		t.Fatalf("negative trip should disable")
	}
}
