package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate performs structural checks that do not need any runtime component.
// Schedule syntax is checked by the scheduler before it is applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Browser.Driver)) {
	case "", "chromedp", "http":
	default:
		errs = append(errs, fmt.Errorf("browser.driver: unknown driver %q", cfg.Browser.Driver))
	}
	if cfg.Scheduler.Concurrency < 0 {
		errs = append(errs, errors.New("scheduler.concurrency: must be >= 0"))
	}
	if cfg.Scheduler.PerRetailer < 0 {
		errs = append(errs, errors.New("scheduler.per_retailer: must be >= 0"))
	}
	if cfg.Scheduler.BreakerFailures < 0 {
		errs = append(errs, errors.New("scheduler.breaker_failures: must be >= 0"))
	}

	durations := map[string]string{
		"storage.busy_timeout":         cfg.Storage.BusyTimeout,
		"browser.launch_timeout":       cfg.Browser.LaunchTimeout,
		"scheduler.check_timeout":      cfg.Scheduler.CheckTimeout,
		"notifications.cooldown.stock": cfg.Notifications.Cooldown.Stock,
		"notifications.cooldown.price": cfg.Notifications.Cooldown.Price,
		"notifications.retry.delay":    cfg.Notifications.Retry.Delay,
		"http.read_timeout":            cfg.HTTP.ReadTimeout,
		"http.write_timeout":           cfg.HTTP.WriteTimeout,
		"http.idle_timeout":            cfg.HTTP.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	retailers := map[string]bool{}
	products := map[string]bool{}
	for i, r := range cfg.Catalog.Retailers {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("catalog.retailers[%d].name: required", i))
			continue
		}
		key := strings.ToLower(name)
		if retailers[key] {
			errs = append(errs, fmt.Errorf("catalog.retailers[%d]: duplicate retailer %q", i, name))
		}
		retailers[key] = true
		if p := r.Pacing; p != nil {
			for field, raw := range map[string]string{
				"min_delay": p.MinDelay, "max_delay": p.MaxDelay, "min_spacing": p.MinSpacing,
				"nav_timeout": p.NavTimeout, "retry_delay": p.RetryDelay,
			} {
				if _, err := ParseDurationField(fmt.Sprintf("catalog.retailers[%d].pacing.%s", i, field), raw); err != nil {
					errs = append(errs, err)
				}
			}
		}
		for j, p := range r.Products {
			if strings.TrimSpace(p.ExternalID) == "" || strings.TrimSpace(p.URL) == "" {
				errs = append(errs, fmt.Errorf("catalog.retailers[%d].products[%d]: external_id and url are required", i, j))
				continue
			}
			products[key+"/"+strings.ToLower(strings.TrimSpace(p.ExternalID))] = true
		}
	}

	models := map[string]bool{}
	for i, m := range cfg.Catalog.GPUModels {
		if strings.TrimSpace(m.Name) == "" || strings.TrimSpace(m.Brand) == "" {
			errs = append(errs, fmt.Errorf("catalog.gpu_models[%d]: name and brand are required", i))
			continue
		}
		models[strings.ToLower(strings.TrimSpace(m.Name))] = true
	}

	channels := map[string]bool{}
	for i, c := range cfg.Catalog.Channels {
		name := strings.TrimSpace(c.Name)
		if name == "" || strings.TrimSpace(c.Type) == "" {
			errs = append(errs, fmt.Errorf("catalog.channels[%d]: name and type are required", i))
			continue
		}
		if channels[strings.ToLower(name)] {
			errs = append(errs, fmt.Errorf("catalog.channels[%d]: duplicate channel %q", i, name))
		}
		channels[strings.ToLower(name)] = true
		if c.Retry != nil {
			if _, err := ParseDurationField(fmt.Sprintf("catalog.channels[%d].retry.delay", i), c.Retry.Delay); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for i, a := range cfg.Catalog.Alerts {
		path := fmt.Sprintf("catalog.alerts[%d]", i)
		target := strings.ToLower(strings.TrimSpace(a.Target))
		switch strings.ToLower(strings.TrimSpace(a.Scope)) {
		case "product":
			if !products[target] {
				errs = append(errs, fmt.Errorf("%s.target: unknown product %q", path, a.Target))
			}
		case "model":
			if !models[target] {
				errs = append(errs, fmt.Errorf("%s.target: unknown gpu model %q", path, a.Target))
			}
		case "retailer":
			if !retailers[target] {
				errs = append(errs, fmt.Errorf("%s.target: unknown retailer %q", path, a.Target))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.scope: must be product, model or retailer", path))
		}
		typ := strings.ToLower(strings.TrimSpace(a.Type))
		if typ == "price" && a.PriceThreshold == nil {
			errs = append(errs, fmt.Errorf("%s.price_threshold: required for price alerts", path))
		}
		if typ == "stock" && a.PriceThreshold != nil {
			errs = append(errs, fmt.Errorf("%s.price_threshold: only valid for price alerts", path))
		}
		if !channels[strings.ToLower(strings.TrimSpace(a.Channel))] {
			errs = append(errs, fmt.Errorf("%s.channel: unknown channel %q", path, a.Channel))
		}
	}

	if c := strings.TrimSpace(cfg.Logging.Ops.Channel); cfg.Logging.Ops.Enabled && c != "" && !channels[strings.ToLower(c)] {
		errs = append(errs, fmt.Errorf("logging.ops.channel: unknown channel %q", c))
	}

	return errors.Join(errs...)
}
