package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gputracker/internal/alert"
	"gputracker/internal/browser"
	"gputracker/internal/domain"
	"gputracker/internal/notify"
	"gputracker/internal/retailer"
	"gputracker/internal/storage"
	logx "gputracker/pkg/logx"
)

type fakeSessions struct {
	acquired atomic.Int32
	closed   atomic.Int32
}

func (f *fakeSessions) Acquire(ctx context.Context) (*browser.Session, error) {
	f.acquired.Add(1)
	return nil, nil
}

func (f *fakeSessions) Close() { f.closed.Add(1) }

// stubAdapter records one price row per CheckProducts call and can block
// or panic on demand.
type stubAdapter struct {
	r       domain.Retailer
	store   storage.Store
	product int64

	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	panics  bool
}

func (a *stubAdapter) Retailer() domain.Retailer { return a.r }
func (a *stubAdapter) Kind() string              { return "stub" }
func (a *stubAdapter) Pacer() *retailer.Pacer    { return nil }

func (a *stubAdapter) Products(ctx context.Context) ([]domain.Product, error) {
	return []domain.Product{{ID: a.product, RetailerID: a.r.ID, Active: true}}, nil
}

func (a *stubAdapter) CheckProducts(ctx context.Context, s *browser.Session) ([]domain.CheckResult, error) {
	a.calls.Add(1)
	if a.panics {
		panic("selector exploded")
	}
	now := time.Now()
	if err := a.store.AppendPrice(ctx, domain.PriceHistoryEntry{ProductID: a.product, Price: domain.Float(500), InStock: true, CheckedAt: now}); err != nil {
		return nil, err
	}
	if a.entered != nil {
		a.entered <- struct{}{}
	}
	if a.release != nil {
		<-a.release
	}
	return []domain.CheckResult{{ProductID: a.product, RetailerID: a.r.ID, Price: domain.Float(500), InStock: true, CheckedAt: now}}, nil
}

func (a *stubAdapter) CheckProduct(ctx context.Context, s *browser.Session, p domain.Product) (domain.CheckResult, error) {
	res, err := a.CheckProducts(ctx, s)
	if err != nil || len(res) == 0 {
		return domain.CheckResult{}, err
	}
	return res[0], nil
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		ok    bool
		every time.Duration
	}{
		{in: "*/5 * * * *", ok: true},
		{in: "0 */2 * * * *", ok: true},
		{in: "@hourly", ok: true},
		{in: "@every 10m", ok: true, every: 10 * time.Minute},
		{in: "10m", ok: true, every: 10 * time.Minute},
		{in: "00:30", ok: true, every: 30 * time.Minute},
		{in: "cron:*/1 * * * *", ok: true},
		{in: "not-a-cron", ok: false},
		{in: "* * *", ok: false},
		{in: "61 * * * *", ok: false},
		{in: "500ms", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			s, err := ParseSchedule(tc.in)
			if tc.ok != (err == nil) {
				t.Fatalf("ParseSchedule(%q) err=%v, want ok=%v", tc.in, err, tc.ok)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidSchedule) {
					t.Fatalf("error %v does not wrap ErrInvalidSchedule", err)
				}
				return
			}
			if s.Every != tc.every {
				t.Fatalf("every=%s want %s", s.Every, tc.every)
			}
			if s.Next(time.Now()).IsZero() {
				t.Fatalf("no next fire time")
			}
		})
	}
}

func TestRunNowIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	a := &stubAdapter{
		r:       domain.Retailer{ID: 1, Name: "Shop"},
		store:   st,
		product: 7,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	sessions := &fakeSessions{}
	s := New(Config{Concurrency: 1}, Deps{Sessions: sessions}, logx.Nop(), nil)
	s.AddRetailer(a)

	if !s.RunNow() {
		t.Fatalf("first RunNow refused")
	}
	<-a.entered
	if !s.Running() {
		t.Fatalf("cycle not marked running")
	}

	for i := 0; i < 5; i++ {
		if s.RunNow() {
			t.Fatalf("RunNow accepted while running")
		}
	}
	if _, err := s.RunNowWait(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("RunNowWait err=%v, want ErrBusy", err)
	}

	close(a.release)
	waitFor(t, 2*time.Second, func() bool { return !s.Running() })

	rows, err := st.LatestPrices(ctx, 7, 10)
	if err != nil {
		t.Fatalf("LatestPrices: %v", err)
	}
	if len(rows) != 1 || a.calls.Load() != 1 {
		t.Fatalf("rows=%d calls=%d, want 1 and 1", len(rows), a.calls.Load())
	}

	// Back to Idle: the next trigger is admitted.
	a.entered, a.release = nil, nil
	rep, err := s.RunNowWait(ctx)
	if err != nil || rep.Checked != 1 {
		t.Fatalf("second cycle rep=%+v err=%v", rep, err)
	}
}

func TestRetailerPanicSkipsOnlyThatRetailer(t *testing.T) {
	store := storage.NewMemory()
	bad := &stubAdapter{r: domain.Retailer{ID: 1, Name: "Bad"}, store: store, product: 1, panics: true}
	good := &stubAdapter{r: domain.Retailer{ID: 2, Name: "Good"}, store: store, product: 2}
	s := New(Config{Concurrency: 1}, Deps{Sessions: &fakeSessions{}}, logx.Nop(), nil)
	s.AddRetailer(bad)
	s.AddRetailer(good)

	rep, err := s.RunNowWait(context.Background())
	if err != nil {
		t.Fatalf("RunNowWait: %v", err)
	}
	if rep.Err != nil {
		t.Fatalf("rep.Err=%v", rep.Err)
	}
	if got := good.calls.Load(); got != 1 {
		t.Fatalf("good retailer calls=%d want 1", got)
	}
	if rep.Checked != 1 || rep.Failed != 1 {
		t.Fatalf("checked=%d failed=%d want 1/1", rep.Checked, rep.Failed)
	}
	if s.Running() {
		t.Fatalf("still running after panic")
	}
	if h := s.Health(); h.LastCycle == nil || h.LastCycle.ID != rep.ID {
		t.Fatalf("health last cycle=%+v", h.LastCycle)
	}
	if _, err := s.RunNowWait(context.Background()); err != nil {
		t.Fatalf("cycle after panic refused: %v", err)
	}
}

// flakyAdapter lists products 1..n and fails CheckProduct for IDs <= failUpTo.
type flakyAdapter struct {
	r        domain.Retailer
	n        int64
	failUpTo int64
}

func (a *flakyAdapter) Retailer() domain.Retailer { return a.r }
func (a *flakyAdapter) Kind() string              { return "stub" }
func (a *flakyAdapter) Pacer() *retailer.Pacer    { return nil }

func (a *flakyAdapter) Products(ctx context.Context) ([]domain.Product, error) {
	var out []domain.Product
	for id := int64(1); id <= a.n; id++ {
		out = append(out, domain.Product{ID: id, RetailerID: a.r.ID, ExternalID: strconv.FormatInt(id, 10), Active: true})
	}
	return out, nil
}

func (a *flakyAdapter) CheckProducts(ctx context.Context, s *browser.Session) ([]domain.CheckResult, error) {
	return nil, errors.New("not used")
}

func (a *flakyAdapter) CheckProduct(ctx context.Context, s *browser.Session, p domain.Product) (domain.CheckResult, error) {
	if p.ID <= a.failUpTo {
		return domain.CheckResult{}, errors.New("page timeout")
	}
	return domain.CheckResult{ProductID: p.ID, RetailerID: a.r.ID, Price: domain.Float(500), InStock: true, CheckedAt: time.Now()}, nil
}

func TestPooledCycleChecksHealthyProductsPastFailures(t *testing.T) {
	s := New(Config{}, Deps{Sessions: &fakeSessions{}}, logx.Nop(), nil)
	s.AddRetailer(&flakyAdapter{r: domain.Retailer{ID: 1, Name: "Shop"}, n: 8, failUpTo: 5})

	rep, err := s.RunNowWait(context.Background())
	if err != nil {
		t.Fatalf("RunNowWait: %v", err)
	}
	if rep.Checked != 3 || rep.Failed != 5 {
		t.Fatalf("checked=%d failed=%d want 3/5", rep.Checked, rep.Failed)
	}
}

func TestBreakerFailuresSkipsRetailer(t *testing.T) {
	s := New(Config{Concurrency: 2, PerRetailer: 1, BreakerFailures: 2}, Deps{Sessions: &fakeSessions{}}, logx.Nop(), nil)
	s.AddRetailer(&flakyAdapter{r: domain.Retailer{ID: 1, Name: "Shop"}, n: 8, failUpTo: 5})

	rep, err := s.RunNowWait(context.Background())
	if err != nil {
		t.Fatalf("RunNowWait: %v", err)
	}
	if rep.Checked != 0 || rep.Failed != 8 {
		t.Fatalf("checked=%d failed=%d want 0/8", rep.Checked, rep.Failed)
	}
}

func TestUpdateSchedule(t *testing.T) {
	s := New(Config{}, Deps{Sessions: &fakeSessions{}}, logx.Nop(), nil)
	if err := s.ScheduleChecks("*/1 * * * *"); err != nil {
		t.Fatalf("ScheduleChecks: %v", err)
	}
	s.Start()
	defer s.StopAll(context.Background())

	before := s.Snapshot()
	if s.UpdateSchedule("not-a-cron") {
		t.Fatalf("invalid schedule accepted")
	}
	after := s.Snapshot()
	if after.Schedule != "*/1 * * * *" || !after.Next.Equal(before.Next) {
		t.Fatalf("schedule changed after rejection: %+v", after)
	}

	if !s.UpdateSchedule("*/5 * * * *") {
		t.Fatalf("valid schedule rejected")
	}
	snap := s.Snapshot()
	if snap.Schedule != "*/5 * * * *" {
		t.Fatalf("schedule=%q", snap.Schedule)
	}
	if snap.Next.IsZero() || snap.Next.Minute()%5 != 0 || snap.Next.Second() != 0 {
		t.Fatalf("next fire %s does not follow */5", snap.Next)
	}
}

func TestScheduledCyclesFireAndStop(t *testing.T) {
	a := &stubAdapter{r: domain.Retailer{ID: 1, Name: "Shop"}, store: storage.NewMemory(), product: 1}
	sessions := &fakeSessions{}
	s := New(Config{Concurrency: 1}, Deps{Sessions: sessions}, logx.Nop(), nil)
	s.AddRetailer(a)
	if err := s.ScheduleChecks("@every 1s"); err != nil {
		t.Fatalf("ScheduleChecks: %v", err)
	}
	s.Start()
	if !s.Health().Initialized {
		t.Fatalf("not initialized after Start")
	}

	waitFor(t, 5*time.Second, func() bool { return a.calls.Load() >= 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if sessions.closed.Load() != 1 {
		t.Fatalf("session closed %d times", sessions.closed.Load())
	}
	if s.Health().Initialized {
		t.Fatalf("still initialized after StopAll")
	}
	if s.RunNow() {
		t.Fatalf("RunNow accepted after StopAll")
	}
	if s.UpdateSchedule("*/5 * * * *") {
		t.Fatalf("UpdateSchedule accepted after StopAll")
	}
	if _, err := s.RunNowWait(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("RunNowWait err=%v", err)
	}
}

type recordMailer struct {
	mu   sync.Mutex
	msgs []string
}

func (m *recordMailer) SendMail(_ context.Context, _ notify.EmailConfig, _ []string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, string(msg))
	return nil
}

func TestCycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><h1>RTX 4070</h1><span class="price">$650.00</span><button class="buy">Add to cart</button></body></html>`))
	}))
	defer srv.Close()

	st := storage.NewMemory()
	r := domain.Retailer{
		Name:      "Shop",
		Kind:      "generic",
		Active:    true,
		Selectors: map[string]string{"price": ".price", "buy": ".buy"},
		Pacing:    domain.Pacing{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MinSpacing: time.Millisecond, RetryDelay: time.Millisecond, NavTimeout: 5 * time.Second},
	}
	rid, err := st.UpsertRetailer(ctx, r)
	if err != nil {
		t.Fatalf("retailer: %v", err)
	}
	r.ID = rid
	pid, err := st.UpsertProduct(ctx, domain.Product{RetailerID: rid, ExternalID: "4070", URL: srv.URL + "/p/4070", Title: "RTX 4070", Active: true})
	if err != nil {
		t.Fatalf("product: %v", err)
	}
	prior := time.Now().Add(-time.Hour)
	if err := st.AppendPrice(ctx, domain.PriceHistoryEntry{ProductID: pid, Price: domain.Float(799), InStock: true, CheckedAt: prior}); err != nil {
		t.Fatalf("prior price: %v", err)
	}
	cid, err := st.UpsertChannel(ctx, domain.NotificationChannel{
		Type:   "email",
		Name:   "email",
		Active: true,
		Config: json.RawMessage(`{"host":"smtp.example.com","port":587,"from":"tracker@example.com","to":"me@example.com","auth":{"user":"u","pass":"p"}}`),
	})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	aid, err := st.UpsertAlert(ctx, domain.Alert{
		ScopeKind:      domain.ScopeProduct,
		ScopeID:        pid,
		Type:           domain.AlertPrice,
		PriceThreshold: domain.Float(699.99),
		ChannelID:      cid,
		Active:         true,
	})
	if err != nil {
		t.Fatalf("alert: %v", err)
	}

	mailer := &recordMailer{}
	disp := notify.NewDispatcher(st, notify.Config{}, notify.Options{Mailer: mailer}, nil)
	if n, err := disp.LoadChannels(ctx); err != nil || n != 1 {
		t.Fatalf("LoadChannels n=%d err=%v", n, err)
	}
	mgr := browser.NewManager(&browser.HTTPLauncher{})
	adapter, err := retailer.New(r, retailer.Deps{Pages: mgr, Store: st})
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}

	s := New(Config{Concurrency: 3, PerRetailer: 1}, Deps{
		Sessions:   mgr,
		Evaluator:  alert.NewEvaluator(st, logx.Nop(), nil),
		Dispatcher: disp,
	}, logx.Nop(), nil)
	s.AddRetailer(adapter)
	defer s.StopAll(ctx)

	rep, err := s.RunNowWait(ctx)
	if err != nil {
		t.Fatalf("RunNowWait: %v", err)
	}
	if rep.Err != nil || rep.Checked != 1 || rep.Fired != 1 || rep.Sent != 1 {
		t.Fatalf("report=%+v", rep)
	}

	rows, err := st.LatestPrices(ctx, pid, 10)
	if err != nil || len(rows) != 2 {
		t.Fatalf("rows=%+v err=%v", rows, err)
	}
	if rows[0].Price == nil || *rows[0].Price != 650 || !rows[0].InStock || !rows[0].CheckedAt.After(prior) {
		t.Fatalf("new row=%+v", rows[0])
	}

	mailer.mu.Lock()
	msgs := append([]string(nil), mailer.msgs...)
	mailer.mu.Unlock()
	if len(msgs) != 1 {
		t.Fatalf("emails=%d want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], "$650.00") {
		t.Fatalf("email lacks formatted price:\n%s", msgs[0])
	}

	if _, ok, err := st.GetCooldown(ctx, domain.CooldownKey(aid, cid)); err != nil || !ok {
		t.Fatalf("cooldown not recorded: ok=%v err=%v", ok, err)
	}

	// Same condition again inside the window: suppressed.
	rep, err = s.RunNowWait(ctx)
	if err != nil || rep.Sent != 0 || rep.Suppressed != 1 {
		t.Fatalf("second cycle rep=%+v err=%v", rep, err)
	}
}
