package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"gputracker/internal/alert"
	"gputracker/internal/browser"
	"gputracker/internal/config"
	"gputracker/internal/domain"
	"gputracker/internal/eventbus"
	"gputracker/internal/notify"
	"gputracker/internal/observability/httpapi"
	"gputracker/internal/observability/metrics"
	"gputracker/internal/retailer"
	"gputracker/internal/runtime/supervisor"
	"gputracker/internal/storage"
	"gputracker/internal/task/scheduler"
	logx "gputracker/pkg/logx"
	"gputracker/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	browser *browser.Manager
	eval    *alert.Evaluator
	disp    *notify.Dispatcher
	sched   *scheduler.Service
	metrics *metrics.Collector
	http    *httpapi.Server

	// catalogMu serializes seeding and adapter sync (startup vs reload).
	catalogMu sync.Mutex
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateReload(context.Background(), cfg); err != nil {
		return nil, err
	}

	// The ops sink needs a channel, which needs the store. Bootstrap with
	// it off and apply the final logging config once channels are loaded.
	bootCfg := mapLoggingConfig(cfg)
	bootCfg.Ops.Enabled = false
	logSvc, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	launcher, launchTimeout, err := mapLauncher(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bm := browser.NewManager(launcher,
		browser.WithLogger(root),
		browser.WithBus(bus),
		browser.WithPageOptions(mapPageOptions(cfg)),
		browser.WithLaunchTimeout(launchTimeout),
	)

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	disp := notify.NewDispatcher(store, ncfg, notify.Options{
		Mailer: notify.SMTPMailer{Timeout: 30 * time.Second},
		Log:    root,
	}, bus)
	eval := alert.NewEvaluator(store, root, bus)

	sched := scheduler.New(mapSchedulerConfig(cfg), scheduler.Deps{
		Sessions:   bm,
		Evaluator:  eval,
		Dispatcher: disp,
	}, root, bus)

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	mc := metrics.New(bus, root)
	hs := httpapi.New(hcfg, httpapi.Deps{
		Scheduler: sched,
		History:   store,
		Channels:  disp,
		Metrics:   mc.Handler(),
	}, root)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		browser: bm,
		eval:    eval,
		disp:    disp,
		sched:   sched,
		metrics: mc,
		http:    hs,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.syncCatalog(ctx, cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.applyLogging(cfg)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// HTTPAddr is the bound control-surface address, or "" when disabled.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)

	cfg := a.cfgm.Get()

	a.sup.Go("metrics", a.metrics.Run)

	if cfg.Scheduler.Enabled {
		if err := a.sched.ScheduleChecks(scheduleOf(cfg)); err != nil {
			return fmt.Errorf("scheduler.schedule: %w", err)
		}
	} else {
		a.log.Info("scheduler disabled; only manual checks will run")
	}
	a.sched.Start()

	a.http.SetRuntime(a.sup)
	a.http.Start(a.sup.Context())

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Keep this debug-level; cycles publish per product.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sched.Health().Initialized })
	})

	if cfg.Scheduler.RunOnStart {
		if a.sched.RunNow() {
			a.log.Info("initial check started")
		}
	}

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		_, _ = systemd.Status("monitoring " + summarizeRetailers(a.sched.Retailers()))
	}
	a.log.Info("app started",
		logx.Int("retailers", len(a.sched.Retailers())),
		logx.String("http", a.http.Addr()),
	)
	return nil
}

// RunOnce runs a single cycle to completion without starting triggers.
func (a *App) RunOnce(ctx context.Context) (scheduler.CycleReport, error) {
	return a.sched.RunNowWait(ctx)
}

// Reload re-reads the config file now (SIGHUP). Subscribers apply it
// exactly as they would a file-watch reload.
func (a *App) Reload(ctx context.Context) error {
	changed, err := a.cfgm.Reload(ctx)
	if err != nil {
		return err
	}
	if !changed {
		a.log.Info("config reload requested; file unchanged")
	}
	return nil
}

// TestChannels sends the test payload through every active channel.
func (a *App) TestChannels(ctx context.Context) []notify.TestResult {
	return a.disp.TestAll(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The scheduler goes first: it waits for the in-flight cycle and then
	// releases the browser session.
	step("scheduler", 20*time.Second, a.sched.StopAll)
	step("httpapi", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// syncCatalog seeds the store from cfg, then rebuilds channels and
// retailer adapters from what the store now holds.
func (a *App) syncCatalog(ctx context.Context, cfg *config.Config) error {
	a.catalogMu.Lock()
	defer a.catalogMu.Unlock()

	navTimeout, err := mapCheckTimeout(cfg)
	if err != nil {
		return err
	}
	seeded, err := seedCatalog(ctx, a.store, cfg.Catalog, navTimeout)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	n, err := a.disp.LoadChannels(ctx)
	if err != nil {
		return err
	}
	a.syncRetailersLocked(seeded.Retailers)
	a.log.Info("catalog synced",
		logx.Int("retailers", len(seeded.Retailers)),
		logx.Int("products", seeded.Products),
		logx.Int("channels", n),
		logx.Int("alerts", seeded.Alerts),
	)
	return nil
}

// syncRetailersLocked makes the scheduler's adapter set match want.
// Unchanged retailers keep their adapter (and its pacing state).
func (a *App) syncRetailersLocked(want []domain.Retailer) {
	byID := make(map[int64]domain.Retailer, len(want))
	for _, r := range want {
		byID[r.ID] = r
	}
	current := map[int64]retailer.Adapter{}
	for _, ad := range a.sched.Retailers() {
		id := ad.Retailer().ID
		if _, ok := byID[id]; !ok {
			a.sched.RemoveRetailer(id)
			a.log.Info("retailer removed", logx.String("retailer", ad.Retailer().Name))
			continue
		}
		current[id] = ad
	}
	for _, r := range want {
		if cur, ok := current[r.ID]; ok && reflect.DeepEqual(cur.Retailer(), r) {
			continue
		}
		ad, err := retailer.New(r, retailer.Deps{Pages: a.browser, Store: a.store, Log: a.log})
		if err != nil {
			a.log.Warn("retailer skipped", logx.String("retailer", r.Name), logx.Err(err))
			continue
		}
		a.sched.AddRetailer(ad)
		a.log.Debug("retailer registered", logx.String("retailer", r.Name), logx.String("kind", ad.Kind()))
	}
}

// applyLogging re-resolves the ops channel and applies the logging config.
func (a *App) applyLogging(cfg *config.Config) {
	lc := mapLoggingConfig(cfg)
	if lc.Ops.Enabled {
		name := strings.TrimSpace(cfg.Logging.Ops.Channel)
		ch, ok := a.disp.ChannelByName(name)
		t, canText := ch.(notify.Texter)
		if !ok || !canText {
			a.log.Warn("ops log channel unavailable; ops sink disabled", logx.String("channel", name))
			lc.Ops.Enabled = false
			a.logs.SetSender(nil)
		} else {
			a.logs.SetSender(notify.OpsSender{Channel: t})
		}
	} else {
		a.logs.SetSender(nil)
	}
	a.logs.Apply(lc)
}

func summarizeRetailers(ads []retailer.Adapter) string {
	if len(ads) == 0 {
		return "no retailers"
	}
	names := make([]string, 0, len(ads))
	for _, ad := range ads {
		names = append(names, ad.Retailer().Name)
	}
	return strings.Join(names, ", ")
}
