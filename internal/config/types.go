package config

import (
	"encoding/json"
)

type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Browser       BrowserConfig       `json:"browser"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Notifications NotificationsConfig `json:"notifications"`
	HTTP          HTTPConfig          `json:"http,omitempty"`
	Catalog       CatalogConfig       `json:"catalog"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ops     LoggingOps  `json:"ops,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOps forwards warn/error lines to one catalog channel (by name).
type LoggingOps struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/gputracker.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// BrowserConfig controls the shared browsing session.
//
// Driver is "chromedp" (headless Chrome) or "http" (plain fetch, no JS).
type BrowserConfig struct {
	Driver         string   `json:"driver"`
	Headless       *bool    `json:"headless,omitempty"`
	ExecPath       string   `json:"exec_path,omitempty"`
	NoSandbox      bool     `json:"no_sandbox,omitempty"`
	UserAgent      string   `json:"user_agent,omitempty"`
	ViewportWidth  int      `json:"viewport_width,omitempty"`
	ViewportHeight int      `json:"viewport_height,omitempty"`
	BlockResources []string `json:"block_resources,omitempty"`
	// LaunchTimeout bounds browser startup (Go duration string).
	LaunchTimeout string `json:"launch_timeout,omitempty"`
}

// SchedulerConfig controls check cycles.
//
// Schedule accepts cron ("*/5 * * * *"), descriptors ("@hourly"),
// durations ("10m") and daily times ("08:30").
//
// CheckTimeout is the default navigation timeout for retailers whose pacing
// does not set nav_timeout. PerRetailer bounds concurrent checks against a
// single retailer (0 means no bound beyond the retailer's own spacing).
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	Schedule     string `json:"schedule"`
	Timezone     string `json:"timezone,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
	PerRetailer  int    `json:"per_retailer,omitempty"`
	CheckTimeout string `json:"check_timeout,omitempty"`
	RunOnStart   bool   `json:"run_on_start,omitempty"`
	// BreakerFailures opts into skipping a retailer after that many
	// consecutive failed product checks. 0 (default) never skips.
	BreakerFailures int `json:"breaker_failures,omitempty"`
}

// NotificationsConfig holds cooldown windows and the default retry policy
// applied to channels that do not override it.
type NotificationsConfig struct {
	Cooldown CooldownConfig `json:"cooldown"`
	Retry    RetryConfig    `json:"retry"`
}

type CooldownConfig struct {
	Stock string `json:"stock,omitempty"`
	Price string `json:"price,omitempty"`
}

type RetryConfig struct {
	Max   int    `json:"max,omitempty"`
	Delay string `json:"delay,omitempty"`
}

// HTTPConfig controls the control/ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:3000").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:3000"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Metrics       *bool  `json:"metrics,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// CatalogConfig seeds the store with what to watch and whom to tell.
type CatalogConfig struct {
	GPUModels []GPUModelConfig `json:"gpu_models,omitempty"`
	Retailers []RetailerConfig `json:"retailers,omitempty"`
	Channels  []ChannelConfig  `json:"channels,omitempty"`
	Alerts    []AlertConfig    `json:"alerts,omitempty"`
}

type GPUModelConfig struct {
	Name             string `json:"name"`
	Brand            string `json:"brand"`
	ModelNumber      string `json:"model_number,omitempty"`
	ChipManufacturer string `json:"chip_manufacturer,omitempty"`
	ChipModel        string `json:"chip_model,omitempty"`
	MemorySize       int    `json:"memory_size,omitempty"`
	MemoryType       string `json:"memory_type,omitempty"`
}

type RetailerConfig struct {
	Name      string            `json:"name"`
	Kind      string            `json:"kind,omitempty"` // factory key; defaults to lower(name)
	URL       string            `json:"url,omitempty"`
	Active    *bool             `json:"active,omitempty"`
	Selectors map[string]string `json:"selectors,omitempty"`
	Pacing    *PacingConfig     `json:"pacing,omitempty"`
	Products  []ProductConfig   `json:"products,omitempty"`
}

// PacingConfig overrides the retailer's default request policy.
type PacingConfig struct {
	MinDelay   string  `json:"min_delay,omitempty"`
	MaxDelay   string  `json:"max_delay,omitempty"`
	MinSpacing string  `json:"min_spacing,omitempty"`
	NavTimeout string  `json:"nav_timeout,omitempty"`
	RetryMax   int     `json:"retry_max,omitempty"`
	RetryDelay string  `json:"retry_delay,omitempty"`
	Backoff    float64 `json:"backoff,omitempty"`
}

type ProductConfig struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	GPUModel   string `json:"gpu_model,omitempty"`
	Active     *bool  `json:"active,omitempty"`
}

type ChannelConfig struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Active *bool           `json:"active,omitempty"`
	Retry  *RetryConfig    `json:"retry,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// AlertConfig references catalog entries by name.
//
// Target forms by scope:
//   - product:  "<retailer>/<external_id>"
//   - model:    "<gpu model name>"
//   - retailer: "<retailer name>"
type AlertConfig struct {
	Scope          string   `json:"scope"`
	Target         string   `json:"target"`
	Type           string   `json:"type"`
	PriceThreshold *float64 `json:"price_threshold,omitempty"`
	Channel        string   `json:"channel"`
	Active         *bool    `json:"active,omitempty"`
}

// BoolOr returns *b, or def when b is nil.
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
