package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// delayedFirst holds the first fire back to first, then follows base.
type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (d *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.base.Next(t)
}

// withStartupSpread pushes the first fire of an interval schedule back by
// a random offset below min(Every, 30s), so instances started together do
// not hit retailers in lockstep. Cron expressions keep their wall-clock
// alignment and are returned as is.
func withStartupSpread(s Schedule, now time.Time) (cron.Schedule, time.Duration) {
	if !s.IsInterval() || s.Every <= 0 {
		return s.sched, 0
	}
	jitter := rand.N(min(s.Every, maxStartupSpread))
	return &delayedFirst{base: s.sched, first: now.Add(s.Every + jitter)}, jitter
}
