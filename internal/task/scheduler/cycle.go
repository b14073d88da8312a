package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"gputracker/internal/browser"
	"gputracker/internal/domain"
	"gputracker/internal/eventbus"
	"gputracker/internal/notify"
	"gputracker/internal/retailer"
	"gputracker/internal/task/engine"
	logx "gputracker/pkg/logx"
)

// runCycle performs one full pass. It never panics; a lost session ends
// the checking phase early but results gathered so far are still
// evaluated.
func (s *Service) runCycle(ctx context.Context, trigger string) (rep CycleReport) {
	rep = CycleReport{ID: uuid.NewString(), Trigger: trigger, Started: time.Now()}
	log := s.log.With(logx.String("cycle", rep.ID))
	log.Info("cycle started", logx.String("trigger", trigger))
	eventbus.Emit(s.bus, eventbus.CycleStarted, eventbus.CycleInfo{ID: rep.ID, Trigger: trigger})

	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Errorf("cycle panic: %v", r)
			log.Error("cycle.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		rep.Duration = time.Since(rep.Started)
		s.record(log, rep)
	}()

	if s.deps.Sessions == nil {
		rep.Err = errors.New("no session manager")
		return rep
	}
	sess, err := s.deps.Sessions.Acquire(ctx)
	if err != nil {
		rep.Err = fmt.Errorf("acquire session: %w", err)
		return rep
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	adapters := s.Retailers()

	var results []domain.CheckResult
	if cfg.Concurrency <= 1 {
		results, err = s.checkSequential(ctx, log, sess, adapters, &rep)
	} else {
		results, err = s.checkPooled(ctx, log, sess, adapters, &rep)
	}
	rep.Checked = len(results)
	if err != nil {
		rep.Err = err
		log.Warn("checking aborted; evaluating collected results", logx.Int("results", len(results)), logx.Err(err))
	}

	if len(results) == 0 || s.deps.Evaluator == nil {
		return rep
	}
	firings := s.deps.Evaluator.Evaluate(ctx, results)
	rep.Fired = len(firings)
	if len(firings) == 0 || s.deps.Dispatcher == nil {
		return rep
	}
	for _, r := range s.deps.Dispatcher.DispatchAll(ctx, firings) {
		switch r.Outcome {
		case notify.OutcomeSent:
			rep.Sent++
		case notify.OutcomeSuppressed:
			rep.Suppressed++
		}
	}
	return rep
}

// checkSequential walks retailers in order through CheckProducts. A failed
// or panicking retailer is skipped; a lost session stops the walk.
func (s *Service) checkSequential(ctx context.Context, log logx.Logger, sess *browser.Session, adapters []retailer.Adapter, rep *CycleReport) ([]domain.CheckResult, error) {
	var results []domain.CheckResult
	for _, a := range adapters {
		name := a.Retailer().Name
		res, err := checkRetailer(ctx, log, a, sess)
		for _, r := range res {
			eventbus.Emit(s.bus, eventbus.ProductChecked, eventbus.CheckInfo{Retailer: name, ProductID: r.ProductID})
		}
		results = append(results, res...)
		if err == nil {
			continue
		}
		if errors.Is(err, browser.ErrSessionLost) {
			return results, err
		}
		rep.Failed++
		log.Warn("retailer check failed", logx.String("retailer", name), logx.Err(err))
	}
	return results, nil
}

// checkRetailer runs CheckProducts, turning a panic into an error so the
// remaining retailers still run.
func checkRetailer(ctx context.Context, log logx.Logger, a retailer.Adapter, sess *browser.Session) (res []domain.CheckResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("retailer.panic", logx.String("retailer", a.Retailer().Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res, err = nil, fmt.Errorf("retailer panic: %v", r)
		}
	}()
	return a.CheckProducts(ctx, sess)
}

// checkPooled fans products out to the engine, keyed by retailer so the
// per-retailer limit applies. Results keep product order.
func (s *Service) checkPooled(ctx context.Context, log logx.Logger, sess *browser.Session, adapters []retailer.Adapter, rep *CycleReport) ([]domain.CheckResult, error) {
	var (
		tasks []engine.Task
		slots []*domain.CheckResult
		mu    sync.Mutex
	)
	for _, a := range adapters {
		name := a.Retailer().Name
		products, err := a.Products(ctx)
		if err != nil {
			rep.Failed++
			log.Warn("list products failed", logx.String("retailer", name), logx.Err(err))
			continue
		}
		for _, p := range products {
			slot := len(slots)
			slots = append(slots, nil)
			tasks = append(tasks, engine.Task{
				ID:   strconv.FormatInt(p.ID, 10),
				Name: name + "/" + p.ExternalID,
				Key:  name,
				Run: func(ctx context.Context) error {
					res, err := a.CheckProduct(ctx, sess, p)
					if err != nil {
						if errors.Is(err, browser.ErrSessionLost) {
							return engine.Fatal(err)
						}
						return err
					}
					mu.Lock()
					slots[slot] = &res
					mu.Unlock()
					return nil
				},
			})
		}
	}

	report := s.engine.Run(ctx, tasks)
	for i, r := range report.Results {
		info := eventbus.CheckInfo{Retailer: r.Key, ProductID: productID(tasks[i]), Duration: r.Duration}
		switch {
		case r.Err == nil:
			eventbus.Emit(s.bus, eventbus.ProductChecked, info)
		case errors.Is(r.Err, engine.ErrAborted):
			// never started
		default:
			rep.Failed++
			info.Err = r.Err.Error()
			eventbus.Emit(s.bus, eventbus.ProductFailed, info)
			if !engine.IsFatal(r.Err) {
				log.Warn("product check failed", logx.String("task", r.Name), logx.Err(r.Err))
			}
		}
	}

	results := make([]domain.CheckResult, 0, len(slots))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	if report.Fatal != nil {
		return results, report.Fatal
	}
	return results, ctx.Err()
}

func productID(t engine.Task) int64 {
	id, _ := strconv.ParseInt(t.ID, 10, 64)
	return id
}

func (s *Service) record(log logx.Logger, rep CycleReport) {
	s.lmu.Lock()
	s.last = &rep
	s.lmu.Unlock()

	info := eventbus.CycleInfo{
		ID:       rep.ID,
		Trigger:  rep.Trigger,
		Checked:  rep.Checked,
		Failed:   rep.Failed,
		Fired:    rep.Fired,
		Duration: rep.Duration,
	}
	fields := []logx.Field{
		logx.Int("checked", rep.Checked),
		logx.Int("failed", rep.Failed),
		logx.Int("fired", rep.Fired),
		logx.Int("sent", rep.Sent),
		logx.Int("suppressed", rep.Suppressed),
		logx.Duration("took", rep.Duration),
	}
	if rep.Err != nil {
		info.Err = rep.Err.Error()
		log.Warn("cycle finished with error", append(fields, logx.Err(rep.Err))...)
	} else {
		log.Info("cycle finished", fields...)
	}
	eventbus.Emit(s.bus, eventbus.CycleFinished, info)
}
