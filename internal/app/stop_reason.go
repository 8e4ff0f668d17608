package app

// StopReason is logged when the app stops.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSignal      StopReason = "signal"
	StopStartFailed StopReason = "start_failed"
	StopFatalError  StopReason = "fatal_error"
)
