package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gputracker/internal/eventbus"
	logx "gputracker/pkg/logx"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestObserveCountsEvents(t *testing.T) {
	c := New(nil, logx.Nop())
	c.Observe(eventbus.Event{Type: eventbus.CycleFinished, Data: eventbus.CycleInfo{Duration: 2 * time.Second}})
	c.Observe(eventbus.Event{Type: eventbus.CycleFinished, Data: eventbus.CycleInfo{Err: "session lost"}})
	c.Observe(eventbus.Event{Type: eventbus.ProductChecked, Data: eventbus.CheckInfo{Retailer: "BestBuy", Duration: time.Second}})
	c.Observe(eventbus.Event{Type: eventbus.ProductFailed, Data: eventbus.CheckInfo{Retailer: "BestBuy"}})
	c.Observe(eventbus.Event{Type: eventbus.NotifySent, Data: eventbus.NotifyInfo{ChannelType: "slack"}})
	c.Observe(eventbus.Event{Type: eventbus.NotifySuppressed, Data: eventbus.NotifyInfo{ChannelType: "slack"}})
	c.Observe(eventbus.Event{Type: eventbus.AlertFired, Data: int64(3)})

	out := scrape(t, c)
	for _, want := range []string{
		`gputracker_cycles_total{result="ok"} 1`,
		`gputracker_cycles_total{result="error"} 1`,
		`gputracker_product_checks_total{result="ok",retailer="BestBuy"} 1`,
		`gputracker_product_checks_total{result="failed",retailer="BestBuy"} 1`,
		`gputracker_notifications_total{channel_type="slack",outcome="sent"} 1`,
		`gputracker_notifications_total{channel_type="slack",outcome="suppressed"} 1`,
		`gputracker_alerts_fired_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in:\n%s", want, out)
		}
	}
}

func TestRunConsumesBus(t *testing.T) {
	bus := eventbus.New()
	c := New(bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	const want = `gputracker_session_events_total{event="launched"}`
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(scrape(t, c), want) {
		if time.Now().After(deadline) {
			t.Fatalf("session launch not observed")
		}
		eventbus.Emit(bus, eventbus.SessionLaunched, uint64(1))
		time.Sleep(10 * time.Millisecond)
	}
}
