package eventbus

import "time"

// Event types published by the tracker.
const (
	CycleStarted  = "cycle.started"
	CycleFinished = "cycle.finished"
	CycleSkipped  = "cycle.skipped"

	ProductChecked = "product.checked"
	ProductFailed  = "product.failed"

	AlertFired = "alert.fired"

	NotifySent       = "notify.sent"
	NotifySuppressed = "notify.suppressed"
	NotifyFailed     = "notify.failed"

	SessionLaunched     = "session.launched"
	SessionDisconnected = "session.disconnected"

	ScheduleUpdated = "schedule.updated"
)

// CycleInfo is the Data of cycle.* events.
type CycleInfo struct {
	ID       string
	Trigger  string
	Checked  int
	Failed   int
	Fired    int
	Duration time.Duration
	Err      string
}

// CheckInfo is the Data of product.* events.
type CheckInfo struct {
	Retailer  string
	ProductID int64
	Duration  time.Duration
	Err       string
}

// NotifyInfo is the Data of notify.* events.
type NotifyInfo struct {
	AlertID     int64
	ChannelID   int64
	ChannelType string
	Attempts    int
	Reason      string
}

// Emit publishes on b when b is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
