package loopbridge

import (
	"strconv"
)

// Signal is an in-protocol marker, carried by a [Rendezvous].
type Signal uint8

const (
	// SignalRun asks the worker to run the pending call.
	SignalRun Signal = iota + 1
	// SignalLock asks the worker to enter a lock session.
	SignalLock
)

// Valid reports whether s is one of the defined signals.
func (s Signal) Valid() bool {
	return s == SignalRun || s == SignalLock
}

func (s Signal) String() string {
	switch s {
	case SignalRun:
		return "RUN"
	case SignalLock:
		return "LOCK"
	default:
		return "Signal(" + strconv.Itoa(int(s)) + ")"
	}
}

// LockState is the state of a bridge's exclusive section.
type LockState uint32

const (
	Unlocked LockState = iota
	LockPending
	Locked
)

func (s LockState) String() string {
	switch s {
	case Unlocked:
		return "Unlocked"
	case LockPending:
		return "LockPending"
	case Locked:
		return "Locked"
	default:
		return "Unknown"
	}
}
