package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"gputracker/internal/config"
	logx "gputracker/pkg/logx"
	"gputracker/pkg/systemd"
)

// reloadLoop applies published configs until ctx ends.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("browser") {
		a.log.Warn("browser config changed; restart required for changes to take effect")
	}

	if changed("scheduler") {
		a.sched.Apply(mapSchedulerConfig(newCfg))
		if newCfg.Scheduler.Enabled {
			if !a.sched.UpdateSchedule(scheduleOf(newCfg)) {
				a.log.Warn("schedule rejected; keeping previous", logx.String("schedule", scheduleOf(newCfg)))
			}
		} else {
			a.sched.Unschedule()
		}
	}

	if changed("notifications") {
		ncfg, err := mapNotifyConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid notifications config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(ncfg)
		}
	}

	// check_timeout feeds retailer nav timeouts, so it reseeds too.
	if changed("catalog") || changed("scheduler") {
		ctx, cancel := context.WithTimeout(c, 30*time.Second)
		if err := a.syncCatalog(ctx, newCfg); err != nil {
			a.log.Warn("catalog sync failed", logx.Err(err))
		}
		cancel()
	}

	// after channels, so the ops sink can resolve its target
	if changed("logging") || changed("catalog") {
		a.applyLogging(newCfg)
	}

	if changed("http") {
		hcfg, err := mapHTTPConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(c, hcfg)
		}
	}

	a.log.Info("config reloaded", fields...)
}
