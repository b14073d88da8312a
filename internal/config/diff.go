package config

import (
	"reflect"
	"sort"
	"strings"

	logx "gputracker/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.ops_enabled", newCfg.Logging.Ops.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Browser, newCfg.Browser) {
		changed = append(changed, "browser")
		attrs = append(attrs, logx.String("browser.driver", strings.TrimSpace(newCfg.Browser.Driver)))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", strings.TrimSpace(newCfg.Scheduler.Schedule)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
		)
	}

	if oldCfg.Notifications != newCfg.Notifications {
		changed = append(changed, "notifications")
		attrs = append(attrs,
			logx.String("notifications.cooldown.stock", newCfg.Notifications.Cooldown.Stock),
			logx.String("notifications.cooldown.price", newCfg.Notifications.Cooldown.Price),
			logx.Int("notifications.retry.max", newCfg.Notifications.Retry.Max),
		)
	}

	// HTTP (never log token)
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled ||
		strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		oh.AllowInsecure != nh.AllowInsecure ||
		oh.Pprof != nh.Pprof ||
		BoolOr(oh.Metrics, true) != BoolOr(nh.Metrics, true) ||
		oh.ReadTimeout != nh.ReadTimeout ||
		oh.WriteTimeout != nh.WriteTimeout ||
		oh.IdleTimeout != nh.IdleTimeout ||
		(strings.TrimSpace(oh.Token) != "") != (strings.TrimSpace(nh.Token) != "") {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
		)
	}

	// Catalog (summarize only; channel configs may hold secrets)
	if !catalogEqual(oldCfg.Catalog, newCfg.Catalog) {
		changed = append(changed, "catalog")
		products := 0
		for _, r := range newCfg.Catalog.Retailers {
			products += len(r.Products)
		}
		attrs = append(attrs,
			logx.Int("catalog.retailers", len(newCfg.Catalog.Retailers)),
			logx.Int("catalog.products", products),
			logx.Int("catalog.channels", len(newCfg.Catalog.Channels)),
			logx.Int("catalog.alerts", len(newCfg.Catalog.Alerts)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func catalogEqual(a, b CatalogConfig) bool {
	if !reflect.DeepEqual(a.GPUModels, b.GPUModels) ||
		!reflect.DeepEqual(a.Retailers, b.Retailers) ||
		!reflect.DeepEqual(a.Alerts, b.Alerts) ||
		len(a.Channels) != len(b.Channels) {
		return false
	}
	for i := range a.Channels {
		ca, cb := a.Channels[i], b.Channels[i]
		if ca.Name != cb.Name || ca.Type != cb.Type ||
			BoolOr(ca.Active, true) != BoolOr(cb.Active, true) ||
			!reflect.DeepEqual(ca.Retry, cb.Retry) ||
			!sameJSON(ca.Config, cb.Config) {
			return false
		}
	}
	return true
}
