// Package metrics turns pipeline events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gputracker/internal/eventbus"
	logx "gputracker/pkg/logx"
)

// Collector owns a private registry so several instances (tests, reloads)
// never collide on the default one.
type Collector struct {
	reg *prometheus.Registry
	bus eventbus.Bus
	log logx.Logger

	cycles        *prometheus.CounterVec
	cyclesSkipped *prometheus.CounterVec
	cycleDur      prometheus.Histogram
	checks        *prometheus.CounterVec
	checkDur      *prometheus.HistogramVec
	alertsFired   prometheus.Counter
	notifications *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	schedules     prometheus.Counter
}

func New(bus eventbus.Bus, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	c := &Collector{
		reg: reg,
		bus: bus,
		log: log.With(logx.String("comp", "metrics")),
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gputracker_cycles_total", Help: "Finished check cycles by result",
		}, []string{"result"}),
		cyclesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gputracker_cycles_skipped_total", Help: "Triggers dropped while a cycle was running",
		}, []string{"trigger"}),
		cycleDur: f.NewHistogram(prometheus.HistogramOpts{
			Name: "gputracker_cycle_duration_seconds", Help: "Check cycle duration",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		checks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gputracker_product_checks_total", Help: "Product checks by retailer and result",
		}, []string{"retailer", "result"}),
		checkDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "gputracker_product_check_duration_seconds", Help: "Product check duration including pacing",
			Buckets: prometheus.DefBuckets,
		}, []string{"retailer"}),
		alertsFired: f.NewCounter(prometheus.CounterOpts{
			Name: "gputracker_alerts_fired_total", Help: "Alerts whose condition matched",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gputracker_notifications_total", Help: "Notification outcomes by channel type",
		}, []string{"channel_type", "outcome"}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gputracker_session_events_total", Help: "Browser session launches and disconnects",
		}, []string{"event"}),
		schedules: f.NewCounter(prometheus.CounterOpts{
			Name: "gputracker_schedule_updates_total", Help: "Installed schedule changes",
		}),
	}
	if bus != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Name: "gputracker_events_dropped_total", Help: "Events dropped by slow bus subscribers",
		}, func() float64 { return float64(bus.Dropped()) })
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	if c.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := c.bus.Subscribe(256)
	defer unsub()
	c.log.Debug("collecting")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe applies one event.
func (c *Collector) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.CycleFinished:
		info, _ := ev.Data.(eventbus.CycleInfo)
		result := "ok"
		if info.Err != "" {
			result = "error"
		}
		c.cycles.WithLabelValues(result).Inc()
		c.cycleDur.Observe(info.Duration.Seconds())
	case eventbus.CycleSkipped:
		info, _ := ev.Data.(eventbus.CycleInfo)
		c.cyclesSkipped.WithLabelValues(info.Trigger).Inc()
	case eventbus.ProductChecked, eventbus.ProductFailed:
		info, _ := ev.Data.(eventbus.CheckInfo)
		result := "ok"
		if ev.Type == eventbus.ProductFailed {
			result = "failed"
		}
		c.checks.WithLabelValues(info.Retailer, result).Inc()
		if info.Duration > 0 {
			c.checkDur.WithLabelValues(info.Retailer).Observe(info.Duration.Seconds())
		}
	case eventbus.AlertFired:
		c.alertsFired.Inc()
	case eventbus.NotifySent, eventbus.NotifySuppressed, eventbus.NotifyFailed:
		info, _ := ev.Data.(eventbus.NotifyInfo)
		outcome := ev.Type[len("notify."):]
		c.notifications.WithLabelValues(info.ChannelType, outcome).Inc()
	case eventbus.SessionLaunched:
		c.sessions.WithLabelValues("launched").Inc()
	case eventbus.SessionDisconnected:
		c.sessions.WithLabelValues("disconnected").Inc()
	case eventbus.ScheduleUpdated:
		c.schedules.Inc()
	}
}
