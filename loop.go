package loopbridge

import (
	"time"
)

// TimerScheduler registers one-shot delayed callbacks. ScheduleTimer must
// not invoke fn synchronously, and ids must not be reused while pending.
type TimerScheduler interface {
	ScheduleTimer(delay time.Duration, fn func()) (uint64, error)
	// CancelTimer cancels a pending timer. An error is expected if it
	// already fired.
	CancelTimer(id uint64) error
}

// SecondsScheduler is optionally implemented by a [TimerScheduler] that
// offers a coarser, seconds-granularity timer.
type SecondsScheduler interface {
	ScheduleSeconds(seconds uint32, fn func()) (uint64, error)
}

// FDWatcher registers one-shot read watches on file descriptors. After fn
// runs the watch is disarmed until RearmFD.
type FDWatcher interface {
	WatchFD(fd int, fn func()) error
	RearmFD(fd int) error
	UnwatchFD(fd int) error
}

// Submitter registers zero-delay deferred calls, run in submission order.
type Submitter interface {
	Submit(fn func()) error
}

// BackendLoop is the run-loop owned by the networking backend.
type BackendLoop interface {
	TimerScheduler
}

// UILoop is the run-loop owned by the UI.
type UILoop interface {
	TimerScheduler
	FDWatcher
	Submitter
}
