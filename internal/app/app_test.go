package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gputracker/internal/config"
	"gputracker/internal/storage"
)

func testCatalog() config.CatalogConfig {
	return config.CatalogConfig{
		GPUModels: []config.GPUModelConfig{{Name: "RTX 4070", Brand: "NVIDIA", MemorySize: 12, MemoryType: "GDDR6X"}},
		Retailers: []config.RetailerConfig{
			{
				Name:      "Shop",
				Kind:      "generic",
				Selectors: map[string]string{"price": ".price", "buy": ".buy"},
				Products: []config.ProductConfig{
					{ExternalID: "4070", URL: "http://shop.test/4070", Title: "RTX 4070", GPUModel: "RTX 4070"},
					{ExternalID: "4080", URL: "http://shop.test/4080", Title: "RTX 4080"},
				},
			},
			{Name: "Best Buy", Products: []config.ProductConfig{{ExternalID: "sku1", URL: "http://bb.test/sku1", Title: "RTX 4070 FE"}}},
		},
		Channels: []config.ChannelConfig{{Name: "ops", Type: "slack", Config: json.RawMessage(`{"webhook_url":"http://hooks.test"}`)}},
		Alerts: []config.AlertConfig{
			{Scope: "model", Target: "RTX 4070", Type: "stock", Channel: "ops"},
			{Scope: "retailer", Target: "Best Buy", Type: "stock", Channel: "ops"},
		},
	}
}

func TestSeedCatalog(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	cat := testCatalog()

	res, err := seedCatalog(ctx, st, cat, 20*time.Second)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(res.Retailers) != 2 || res.Products != 3 || res.Channels != 1 || res.Alerts != 2 {
		t.Fatalf("unexpected seed result: %+v", res)
	}
	for _, r := range res.Retailers {
		if r.Pacing.NavTimeout != 20*time.Second {
			t.Fatalf("retailer %s nav timeout = %v, want check timeout", r.Name, r.Pacing.NavTimeout)
		}
	}

	p, err := st.FindProduct(ctx, res.Retailers[0].ID, "4070")
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if p.GPUModelID == 0 {
		t.Fatalf("product not linked to its gpu model")
	}

	// Second pass drops Best Buy and one product; ids must not move.
	cat.Retailers = cat.Retailers[:1]
	cat.Retailers[0].Products = cat.Retailers[0].Products[:1]
	cat.Alerts = cat.Alerts[:1]
	res2, err := seedCatalog(ctx, st, cat, 20*time.Second)
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if len(res2.Retailers) != 1 || res2.Retailers[0].ID != res.Retailers[0].ID {
		t.Fatalf("reseed retailers = %+v", res2.Retailers)
	}
	active, _ := st.ListRetailers(ctx, true)
	if len(active) != 1 {
		t.Fatalf("active retailers = %d, want 1", len(active))
	}
	products, _ := st.ListProducts(ctx, res.Retailers[0].ID, true)
	if len(products) != 1 || products[0].ExternalID != "4070" {
		t.Fatalf("active products = %+v", products)
	}
	alerts, _ := st.ListAlerts(ctx, true)
	if len(alerts) != 1 {
		t.Fatalf("active alerts = %d, want 1", len(alerts))
	}
}

func TestMapRetailerKeepsExplicitNavTimeout(t *testing.T) {
	r, err := mapRetailer(config.RetailerConfig{
		Name:   "Shop",
		Pacing: &config.PacingConfig{NavTimeout: "5s", MinDelay: "100ms", RetryMax: 2},
	}, 30*time.Second)
	if err != nil {
		t.Fatalf("mapRetailer: %v", err)
	}
	if r.Pacing.NavTimeout != 5*time.Second || r.Pacing.MinDelay != 100*time.Millisecond || r.Pacing.RetryMax != 2 {
		t.Fatalf("pacing = %+v", r.Pacing)
	}
	if !r.Active {
		t.Fatalf("retailers default to active")
	}

	if _, err := mapRetailer(config.RetailerConfig{Name: "Shop", Pacing: &config.PacingConfig{MinDelay: "soon"}}, 0); err == nil {
		t.Fatalf("expected invalid duration error")
	}
}

func TestValidateReload(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *config.Config) {}},
		{name: "bad schedule", mutate: func(c *config.Config) { c.Scheduler.Schedule = "not-a-cron" }, wantErr: "scheduler.schedule"},
		{name: "bad timezone", mutate: func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: "scheduler.timezone"},
		{name: "sqlite without path", mutate: func(c *config.Config) { c.Storage.Driver = "sqlite" }, wantErr: "storage.path"},
		{name: "unknown kind", mutate: func(c *config.Config) {
			c.Catalog.Retailers = []config.RetailerConfig{{Name: "Newegg"}}
		}, wantErr: "unknown retailer kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			tt.mutate(cfg)
			err := validateReload(context.Background(), cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapNotifyConfigDefaults(t *testing.T) {
	nc, err := mapNotifyConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapNotifyConfig: %v", err)
	}
	if nc.Cooldown.Stock != time.Hour || nc.Cooldown.Price != 24*time.Hour {
		t.Fatalf("cooldowns = %+v", nc.Cooldown)
	}
	if nc.Retry.Max != 0 || nc.Retry.Delay != 0 {
		t.Fatalf("retry should be left to the dispatcher default, got %+v", nc.Retry)
	}

	cfg := &config.Config{}
	cfg.Notifications.Retry.Max = 5
	nc, err = mapNotifyConfig(cfg)
	if err != nil {
		t.Fatalf("mapNotifyConfig: %v", err)
	}
	if nc.Retry.Max != 5 || nc.Retry.Delay != 30*time.Second {
		t.Fatalf("retry = %+v", nc.Retry)
	}
}

// writeConfig renders a JSON config wired to the given retailer and webhook.
func writeConfig(t *testing.T, shopURL, hookURL string, retailers bool) string {
	t.Helper()
	cfg := map[string]any{
		"logging":   map[string]any{"level": "error", "console": true},
		"storage":   map[string]any{"driver": "memory"},
		"browser":   map[string]any{"driver": "http"},
		"scheduler": map[string]any{"enabled": true, "schedule": "@every 1h", "check_timeout": "5s"},
		"notifications": map[string]any{
			"retry": map[string]any{"max": 1, "delay": "10ms"},
		},
		"catalog": map[string]any{
			"channels": []any{map[string]any{
				"name": "team", "type": "slack",
				"config": map[string]any{"webhook_url": hookURL},
			}},
		},
	}
	if retailers {
		cat := cfg["catalog"].(map[string]any)
		cat["retailers"] = []any{map[string]any{
			"name":      "Shop",
			"kind":      "generic",
			"selectors": map[string]any{"price": ".price", "buy": ".buy"},
			"pacing":    map[string]any{"min_delay": "1ms", "max_delay": "2ms", "min_spacing": "1ms", "retry_delay": "1ms"},
			"products":  []any{map[string]any{"external_id": "4070", "url": shopURL + "/p/4070", "title": "RTX 4070"}},
		}}
		cat["alerts"] = []any{map[string]any{
			"scope": "product", "target": "Shop/4070", "type": "price",
			"price_threshold": 699.99, "channel": "team",
		}}
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunOnceEndToEnd(t *testing.T) {
	shop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><span class="price">$650.00</span><button class="buy">Add</button></body></html>`))
	}))
	defer shop.Close()

	var hooks atomic.Int32
	var lastBody atomic.Value
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		lastBody.Store(body)
		hooks.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer hook.Close()

	a, err := NewApp(writeConfig(t, shop.URL, hook.URL, true))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.Stop(context.Background(), StopOnceDone)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	rep, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Checked != 1 || rep.Fired != 1 || rep.Sent != 1 || rep.Err != nil {
		t.Fatalf("report = %+v", rep)
	}
	if hooks.Load() != 1 {
		t.Fatalf("webhook calls = %d, want 1", hooks.Load())
	}
	body, _ := lastBody.Load().(map[string]any)
	if text, _ := body["text"].(string); !strings.Contains(text, "RTX 4070 price dropped to $650.00 at Shop!") {
		t.Fatalf("unexpected message %q", text)
	}

	// A second cycle inside the cooldown window is suppressed.
	rep, err = a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if rep.Sent != 0 || rep.Suppressed != 1 || hooks.Load() != 1 {
		t.Fatalf("second report = %+v (hooks %d)", rep, hooks.Load())
	}
}

func TestApplyConfigSyncsRetailersAndSchedule(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer hook.Close()

	path := writeConfig(t, "http://shop.test", hook.URL, true)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.Stop(context.Background(), StopOnceDone)
	if n := len(a.sched.Retailers()); n != 1 {
		t.Fatalf("retailers after start = %d, want 1", n)
	}

	oldCfg := a.cfgm.Get()
	if err := a.sched.ScheduleChecks(scheduleOf(oldCfg)); err != nil {
		t.Fatalf("ScheduleChecks: %v", err)
	}

	next, err := config.NewManager(writeConfig(t, "http://shop.test", hook.URL, false)).Parse()
	if err != nil {
		t.Fatalf("parse next: %v", err)
	}
	next.Scheduler.Schedule = "*/5 * * * *"
	a.applyConfig(context.Background(), oldCfg, next)

	if n := len(a.sched.Retailers()); n != 0 {
		t.Fatalf("retailers after reload = %d, want 0", n)
	}
	if got := a.sched.Snapshot().Schedule; got != "*/5 * * * *" {
		t.Fatalf("schedule after reload = %q", got)
	}

	// An invalid schedule keeps the previous one.
	bad := *next
	bad.Scheduler.Schedule = "not-a-cron"
	a.applyConfig(context.Background(), next, &bad)
	if got := a.sched.Snapshot().Schedule; got != "*/5 * * * *" {
		t.Fatalf("schedule after bad reload = %q", got)
	}

	off := *next
	off.Scheduler.Enabled = false
	a.applyConfig(context.Background(), next, &off)
	if got := a.sched.Snapshot().Schedule; got != "" {
		t.Fatalf("schedule after disable = %q", got)
	}
}
