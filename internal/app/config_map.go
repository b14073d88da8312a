package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gputracker/internal/browser"
	"gputracker/internal/config"
	"gputracker/internal/domain"
	"gputracker/internal/notify"
	"gputracker/internal/observability/httpapi"
	"gputracker/internal/retailer"
	"gputracker/internal/storage"
	"gputracker/internal/task/scheduler"
	logx "gputracker/pkg/logx"
)

const (
	defaultSchedule      = "*/1 * * * *"
	defaultCheckTimeout  = 30 * time.Second
	defaultStockCooldown = time.Hour
	defaultPriceCooldown = 24 * time.Hour
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    lc.Ops.Enabled && strings.TrimSpace(lc.Ops.Channel) != "",
			MinLevel:   lc.Ops.MinLevel,
			RatePerSec: lc.Ops.RatePerSec,
		},
	}
}

func mapPageOptions(cfg *config.Config) browser.PageOptions {
	bc := cfg.Browser
	po := browser.DefaultPageOptions()
	if ua := strings.TrimSpace(bc.UserAgent); ua != "" {
		po.UserAgent = ua
	}
	if bc.ViewportWidth > 0 {
		po.Width = bc.ViewportWidth
	}
	if bc.ViewportHeight > 0 {
		po.Height = bc.ViewportHeight
	}
	if bc.BlockResources != nil {
		po.Block = append([]string{}, bc.BlockResources...)
	}
	return po
}

func mapLauncher(cfg *config.Config) (browser.Launcher, time.Duration, error) {
	bc := cfg.Browser
	launchTimeout, err := config.ParseDurationOrDefault("browser.launch_timeout", bc.LaunchTimeout, 60*time.Second)
	if err != nil {
		return nil, 0, err
	}
	navTimeout, err := mapCheckTimeout(cfg)
	if err != nil {
		return nil, 0, err
	}
	switch strings.ToLower(strings.TrimSpace(bc.Driver)) {
	case "", "chromedp":
		return browser.NewChromeLauncher(browser.ChromeOptions{
			ExecPath:  strings.TrimSpace(bc.ExecPath),
			Headless:  config.BoolOr(bc.Headless, true),
			NoSandbox: bc.NoSandbox,
		}, mapPageOptions(cfg)), launchTimeout, nil
	case "http":
		return &browser.HTTPLauncher{Timeout: navTimeout}, launchTimeout, nil
	default:
		return nil, 0, fmt.Errorf("unknown browser.driver: %s", bc.Driver)
	}
}

func mapCheckTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.check_timeout", cfg.Scheduler.CheckTimeout, defaultCheckTimeout)
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:    strings.TrimSpace(cfg.Scheduler.Timezone),
		Concurrency: cfg.Scheduler.Concurrency,
		PerRetailer: cfg.Scheduler.PerRetailer,

		BreakerFailures: cfg.Scheduler.BreakerFailures,
	}
}

func scheduleOf(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Scheduler.Schedule); s != "" {
		return s
	}
	return defaultSchedule
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	nc := cfg.Notifications
	stock, err := config.ParseDurationOrDefault("notifications.cooldown.stock", nc.Cooldown.Stock, defaultStockCooldown)
	if err != nil {
		return notify.Config{}, err
	}
	price, err := config.ParseDurationOrDefault("notifications.cooldown.price", nc.Cooldown.Price, defaultPriceCooldown)
	if err != nil {
		return notify.Config{}, err
	}
	delay, err := config.ParseDurationField("notifications.retry.delay", nc.Retry.Delay)
	if err != nil {
		return notify.Config{}, err
	}
	out := notify.Config{Cooldown: notify.Windows{Stock: stock, Price: price}}
	if nc.Retry.Max != 0 || delay != 0 {
		if delay == 0 {
			delay = notify.DefaultRetryDelay
		}
		out.Retry = domain.RetryPolicy{Max: nc.Retry.Max, Delay: delay}
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		Metrics:       config.BoolOr(hc.Metrics, true),
	}
	if out.Addr == "" {
		out.Addr = httpapi.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

// validateReload rejects a config the running app cannot apply. Structural
// checks already ran in config.Validate.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := scheduler.ParseSchedule(scheduleOf(cfg)); err != nil {
		return fmt.Errorf("scheduler.schedule: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapLauncher(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	for _, rc := range cfg.Catalog.Retailers {
		r, err := mapRetailer(rc, 0)
		if err != nil {
			return err
		}
		if !retailer.Known(retailer.KindOf(r)) {
			return fmt.Errorf("catalog.retailers.%s: %w: %q", r.Name, retailer.ErrUnknownRetailer, retailer.KindOf(r))
		}
	}
	return nil
}
