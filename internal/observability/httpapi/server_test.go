package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gputracker/internal/domain"
	"gputracker/internal/notify"
	rtsup "gputracker/internal/runtime/supervisor"
	"gputracker/internal/task/scheduler"
	logx "gputracker/pkg/logx"
)

type fakeScheduler struct {
	initialized bool
	busy        atomic.Bool
	runs        atomic.Int32
}

func (f *fakeScheduler) Health() scheduler.Health {
	return scheduler.Health{Initialized: f.initialized, Uptime: 90 * time.Second}
}

func (f *fakeScheduler) RunNow() bool {
	if !f.busy.CompareAndSwap(false, true) {
		return false
	}
	f.runs.Add(1)
	return true
}

type fakeHistory struct{}

func (fakeHistory) LatestPrices(ctx context.Context, productID int64, limit int) ([]domain.PriceHistoryEntry, error) {
	if productID == 404 {
		return nil, errors.New("boom")
	}
	out := make([]domain.PriceHistoryEntry, 0, limit)
	for i := 0; i < limit && i < 3; i++ {
		out = append(out, domain.PriceHistoryEntry{ProductID: productID, Price: domain.Float(650 + float64(i)), InStock: true})
	}
	return out, nil
}

func (fakeHistory) PriceChanges(ctx context.Context, since time.Time) ([]domain.PriceChange, error) {
	return []domain.PriceChange{{ProductID: 1, OldPrice: domain.Float(799), NewPrice: domain.Float(650)}}, nil
}

type fakeChannels struct{}

func (fakeChannels) Test(ctx context.Context, name string) error {
	switch name {
	case "slack":
		return nil
	case "email":
		return errors.New("smtp: auth failed")
	}
	return fmt.Errorf("%w: %q", notify.ErrChannelNotFound, name)
}

func (fakeChannels) TestAll(ctx context.Context) []notify.TestResult {
	return []notify.TestResult{{Channel: "slack", Type: "slack", OK: true}}
}

func newTestHandler(t *testing.T, cfg Config, sch Scheduler) http.Handler {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("gputracker_up 1\n")) })
	s := New(cfg, Deps{Scheduler: sch, History: fakeHistory{}, Channels: fakeChannels{}, Metrics: metrics}, logx.Nop())
	return s.Handler(cfg)
}

func do(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, Config{}, &fakeScheduler{initialized: true})
	rec := do(h, "GET", "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body healthBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || !body.Initialized || body.Uptime != 90 {
		t.Fatalf("body=%+v", body)
	}
}

func TestCheckStatusCodes(t *testing.T) {
	h := newTestHandler(t, Config{}, &fakeScheduler{initialized: false})
	if rec := do(h, "POST", "/api/check", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("uninitialized status=%d", rec.Code)
	}

	sch := &fakeScheduler{initialized: true}
	h = newTestHandler(t, Config{}, sch)
	if rec := do(h, "POST", "/api/check", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first status=%d", rec.Code)
	}
	if rec := do(h, "POST", "/api/check", nil); rec.Code != http.StatusConflict {
		t.Fatalf("busy status=%d", rec.Code)
	}
	if sch.runs.Load() != 1 {
		t.Fatalf("runs=%d", sch.runs.Load())
	}
	if rec := do(h, "GET", "/api/check", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", rec.Code)
	}
}

func TestPriceRoutes(t *testing.T) {
	h := newTestHandler(t, Config{}, &fakeScheduler{initialized: true})

	rec := do(h, "GET", "/api/products/7/prices?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("prices status=%d", rec.Code)
	}
	var rows []domain.PriceHistoryEntry
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil || len(rows) != 2 || rows[0].ProductID != 7 {
		t.Fatalf("rows=%+v err=%v", rows, err)
	}

	cases := []struct {
		target string
		want   int
	}{
		{"/api/products/abc/prices", http.StatusBadRequest},
		{"/api/products/7/prices?limit=0", http.StatusBadRequest},
		{"/api/products/404/prices", http.StatusInternalServerError},
		{"/api/price-changes?hours=x", http.StatusBadRequest},
		{"/api/price-changes?hours=48", http.StatusOK},
	}
	for _, tc := range cases {
		if rec := do(h, "GET", tc.target, nil); rec.Code != tc.want {
			t.Fatalf("%s status=%d want %d", tc.target, rec.Code, tc.want)
		}
	}
}

func TestChannelTestRoute(t *testing.T) {
	h := newTestHandler(t, Config{}, &fakeScheduler{initialized: true})
	cases := []struct {
		target string
		want   int
	}{
		{"/api/channels/test", http.StatusOK},
		{"/api/channels/test?name=slack", http.StatusOK},
		{"/api/channels/test?name=email", http.StatusBadGateway},
		{"/api/channels/test?name=pager", http.StatusNotFound},
	}
	for _, tc := range cases {
		if rec := do(h, "POST", tc.target, nil); rec.Code != tc.want {
			t.Fatalf("%s status=%d want %d", tc.target, rec.Code, tc.want)
		}
	}
}

func TestTokenAuth(t *testing.T) {
	h := newTestHandler(t, Config{Token: "s3cret", Metrics: true}, &fakeScheduler{initialized: true})

	if rec := do(h, "GET", "/api/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health should stay open, status=%d", rec.Code)
	}
	if rec := do(h, "GET", "/metrics", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status=%d", rec.Code)
	}
	if rec := do(h, "GET", "/metrics", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d", rec.Code)
	}
	rec := do(h, "GET", "/metrics", map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "gputracker_up") {
		t.Fatalf("bearer status=%d body=%q", rec.Code, rec.Body.String())
	}
	if rec := do(h, "GET", "/metrics?token=s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token status=%d", rec.Code)
	}
}

func TestMetricsAndPprofAreOptional(t *testing.T) {
	h := newTestHandler(t, Config{}, &fakeScheduler{initialized: true})
	if rec := do(h, "GET", "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics status=%d", rec.Code)
	}
	if rec := do(h, "GET", "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof status=%d", rec.Code)
	}
	h = newTestHandler(t, Config{Pprof: true}, &fakeScheduler{initialized: true})
	if rec := do(h, "GET", "/debug/pprof/", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled status=%d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:3000": true,
		"localhost:3000": true,
		"[::1]:3000":     true,
		":3000":          false,
		"0.0.0.0:3000":   false,
		"10.0.0.5:3000":  false,
		"bogus":          false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}

func TestServerStartStop(t *testing.T) {
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0"}
	s := New(cfg, Deps{Scheduler: &fakeScheduler{initialized: true}}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatalf("server did not bind")
		}
		addr = s.Addr()
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + addr + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("still bound after Stop")
	}
}

type fakeRuntime struct{ snap rtsup.Snapshot }

func (f fakeRuntime) Snapshot() rtsup.Snapshot { return f.snap }

func TestHealthReportsDegradedRuntime(t *testing.T) {
	s := New(Config{}, Deps{Scheduler: &fakeScheduler{initialized: true}}, logx.Nop())
	s.SetRuntime(fakeRuntime{snap: rtsup.Snapshot{
		FirstError: "config.watch: boom",
		Goroutines: []rtsup.Stats{{Name: "config.watch"}, {Name: "metrics", Running: true}},
	}})
	rec := do(s.Handler(Config{}), "GET", "/api/health", nil)
	var body healthBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Error != "config.watch: boom" || len(body.Goroutines) != 2 {
		t.Fatalf("body=%+v", body)
	}
}
