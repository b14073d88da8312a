package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSignal      StopReason = "signal"
	StopFatalError  StopReason = "fatal_error"
	StopOnceDone    StopReason = "once_done"
	StopStartFailed StopReason = "start_failed"
)
