package scheduler

import (
	"time"

	"gputracker/internal/eventbus"
	logx "gputracker/pkg/logx"
)

const skipWarnThrottle = 5 * time.Minute

// reportSkip records a trigger dropped because a cycle was running or the
// service was stopped. Manual rejections are expected (the caller gets
// false); a schedule tick landing on a running cycle means cycles outlast
// the interval, which is worth a throttled warning.
func (s *Service) reportSkip(trigger string) {
	eventbus.Emit(s.bus, eventbus.CycleSkipped, eventbus.CycleInfo{Trigger: trigger})
	if trigger != "schedule" || s.stopped.Load() {
		s.log.Debug("trigger skipped", logx.String("trigger", trigger), logx.Bool("running", s.Running()))
		return
	}

	now := time.Now()
	s.skipMu.Lock()
	if !s.lastSkipWarn.IsZero() && now.Sub(s.lastSkipWarn) < skipWarnThrottle {
		s.skipMu.Unlock()
		s.log.Debug("trigger skipped", logx.String("trigger", trigger))
		return
	}
	s.lastSkipWarn = now
	s.skipMu.Unlock()

	s.log.Warn("scheduled cycle skipped; previous cycle still running")
}
