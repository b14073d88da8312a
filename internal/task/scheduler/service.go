package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"gputracker/internal/eventbus"
	"gputracker/internal/retailer"
	"gputracker/internal/task/engine"
	logx "gputracker/pkg/logx"
)

// Service owns the trigger and the Idle/Running cycle state.
type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	deps    Deps
	engine  *engine.Pool
	started time.Time

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	sched   *Schedule
	entryID cron.EntryID

	// gen invalidates cron entries replaced by a newer schedule, so a tick
	// already in flight for the old entry is ignored.
	gen atomic.Uint64

	amu      sync.RWMutex
	adapters []retailer.Adapter

	// runMu orders cycle admission against StopAll.
	runMu       sync.Mutex
	state       atomic.Int32
	stopped     atomic.Bool
	initialized atomic.Bool
	inflight    sync.WaitGroup

	lmu  sync.Mutex
	last *CycleReport

	skipMu       sync.Mutex
	lastSkipWarn time.Time
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	eng := deps.Engine
	if eng == nil {
		eng = engine.New(engineConfig(cfg), log)
	}
	s := &Service{
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		deps:    deps,
		engine:  eng,
		started: time.Now(),
		cfg:     cfg,
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	return s
}

func engineConfig(cfg Config) engine.Config {
	trip := cfg.BreakerFailures
	if trip <= 0 {
		trip = -1
	}
	return engine.Config{Workers: cfg.Concurrency, PerKey: cfg.PerRetailer, CircuitTripFailures: trip}
}

// Start begins firing the installed schedule (if any).
func (s *Service) Start() {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	s.c.Start()
	sched := ""
	if s.sched != nil {
		sched = s.sched.Raw
	}
	s.mu.Unlock()
	s.initialized.Store(true)
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.String("schedule", sched))
}

// Apply updates cycle settings. A timezone change restarts the cron loop
// with the installed schedule.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.engine.Apply(engineConfig(cfg))

	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ != strings.TrimSpace(cfg.Timezone) && !s.stopped.Load() {
		s.restartLocked()
	}
}

// ScheduleChecks installs raw as the recurring trigger, replacing any
// previous one.
func (s *Service) ScheduleChecks(raw string) error {
	sch, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if s.stopped.Load() {
		return ErrStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installLocked(sch)
	return nil
}

// UpdateSchedule validates raw before touching the installed trigger. On
// invalid input it returns false and the current schedule keeps firing.
func (s *Service) UpdateSchedule(raw string) bool {
	sch, err := ParseSchedule(raw)
	if err != nil {
		s.log.Warn("schedule update rejected", logx.String("schedule", raw), logx.Err(err))
		return false
	}
	if s.stopped.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched != nil && s.sched.Raw == sch.Raw {
		return true
	}
	s.installLocked(sch)
	return true
}

// installLocked swaps the cron entry. The old entry is removed before the
// new one is added, and bumping gen disarms any of its ticks still in
// flight. Call with s.mu held.
func (s *Service) installLocked(sch Schedule) {
	if s.entryID != 0 {
		s.c.Remove(s.entryID)
		s.entryID = 0
	}
	g := s.gen.Add(1)
	cs, spread := withStartupSpread(sch, time.Now().In(s.loc))
	s.entryID = s.c.Schedule(cs, cron.FuncJob(func() { s.fire(g) }))
	s.sched = &sch

	fields := []logx.Field{logx.String("schedule", sch.Raw), logx.String("cron", sch.Cron)}
	if spread > 0 {
		fields = append(fields, logx.Duration("startup_spread", spread))
	}
	if next := s.previewNextRunsLocked(sch, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Info("schedule installed", fields...)
	eventbus.Emit(s.bus, eventbus.ScheduleUpdated, sch.Raw)
}

// Unschedule removes the recurring trigger. Manual runs keep working.
func (s *Service) Unschedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID != 0 {
		s.c.Remove(s.entryID)
		s.entryID = 0
	}
	s.gen.Add(1)
	if s.sched != nil {
		s.log.Info("schedule removed", logx.String("schedule", s.sched.Raw))
		s.sched = nil
		eventbus.Emit(s.bus, eventbus.ScheduleUpdated, "")
	}
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	s.entryID = 0
	if s.sched != nil {
		s.installLocked(*s.sched)
	}
	if s.initialized.Load() {
		s.c.Start()
	}
	s.log.Info("service restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) fire(gen uint64) {
	if gen != s.gen.Load() {
		return
	}
	if !s.tryStart() {
		s.reportSkip("schedule")
		return
	}
	go s.runAsync("schedule")
}

// RunNow starts a cycle in the background. It returns false, doing
// nothing, when a cycle is already running or the service is stopped.
func (s *Service) RunNow() bool {
	if !s.tryStart() {
		s.reportSkip("manual")
		return false
	}
	go s.runAsync("manual")
	return true
}

// RunNowWait runs a cycle on the caller's goroutine.
func (s *Service) RunNowWait(ctx context.Context) (CycleReport, error) {
	if s.stopped.Load() {
		return CycleReport{}, ErrStopped
	}
	if !s.tryStart() {
		s.reportSkip("manual")
		return CycleReport{}, ErrBusy
	}
	defer s.finish()
	return s.runCycle(ctx, "manual"), nil
}

// A cycle is not cancelled by StopAll; it runs to completion on its own
// context.
func (s *Service) runAsync(trigger string) {
	defer s.finish()
	s.runCycle(context.Background(), trigger)
}

func (s *Service) tryStart() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopped.Load() {
		return false
	}
	if !s.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Service) finish() {
	s.state.Store(int32(stateIdle))
	s.inflight.Done()
}

// Running reports whether a cycle is in flight.
func (s *Service) Running() bool { return state(s.state.Load()) == stateRunning }

// StopAll cancels future triggers, waits for an in-flight cycle and then
// releases the browser session. If ctx ends first the session is closed
// anyway and ctx's error is returned.
func (s *Service) StopAll(ctx context.Context) error {
	s.runMu.Lock()
	already := s.stopped.Swap(true)
	s.runMu.Unlock()
	if already {
		return nil
	}
	start := time.Now()
	s.initialized.Store(false)
	s.gen.Add(1)

	s.mu.Lock()
	c := s.c
	s.mu.Unlock()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}

	var err error
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn("cycle still running at shutdown; releasing session", logx.Err(err))
	}

	if s.deps.Sessions != nil {
		s.deps.Sessions.Close()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return err
}

// AddRetailer registers a, replacing an adapter for the same retailer id.
// It takes effect from the next cycle.
func (s *Service) AddRetailer(a retailer.Adapter) {
	if a == nil {
		return
	}
	id := a.Retailer().ID
	s.amu.Lock()
	defer s.amu.Unlock()
	for i, cur := range s.adapters {
		if cur.Retailer().ID == id {
			s.adapters[i] = a
			return
		}
	}
	s.adapters = append(s.adapters, a)
}

func (s *Service) RemoveRetailer(id int64) bool {
	s.amu.Lock()
	defer s.amu.Unlock()
	for i, cur := range s.adapters {
		if cur.Retailer().ID == id {
			s.adapters = append(s.adapters[:i], s.adapters[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) Retailers() []retailer.Adapter {
	s.amu.RLock()
	defer s.amu.RUnlock()
	return append([]retailer.Adapter(nil), s.adapters...)
}

func (s *Service) Health() Health {
	h := Health{
		Initialized: s.initialized.Load(),
		Uptime:      time.Since(s.started),
		Running:     s.Running(),
	}
	s.lmu.Lock()
	if s.last != nil {
		last := *s.last
		h.LastCycle = &last
	}
	s.lmu.Unlock()
	return h
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists upcoming fire times for debug logs.
func (s *Service) previewNextRunsLocked(sch Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sch.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
