package eventloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
// State Machine:
//
//	StateAwake → StateRunning             [Run()]
//	StateRunning → StateSleeping          [poll() via CAS]
//	StateSleeping → StateRunning          [poll() wake via CAS]
//	StateRunning → StateTerminating       [Shutdown(), Close(), ctx]
//	StateSleeping → StateTerminating      [Shutdown(), Close(), ctx]
//	StateAwake → StateTerminated          [Shutdown() before Run()]
//	StateTerminating → StateTerminated    [shutdown complete]
//
// Running and Sleeping are only ever entered via TryTransition. Terminated is
// irreversible, and is the only state stored unconditionally.
type LoopState uint32

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateRunning indicates the loop is actively processing callbacks.
	StateRunning
	// StateSleeping indicates the loop is blocked in poll waiting for events.
	StateSleeping
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating
	// StateTerminated indicates the loop has been stopped and is fully shut down.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine with cache-line padding.
type fastState struct { // betteralign:ignore
	_ [64]byte      // Cache line padding (before value) //nolint:unused
	v atomic.Uint32 // State value
	_ [60]byte      // Pad to complete cache line //nolint:unused
}

func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *fastState) Store(state LoopState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// terminate moves any non-terminal state to StateTerminating, returning the
// state it replaced, or false if the loop was already terminating/terminated.
func (s *fastState) terminate() (LoopState, bool) {
	for {
		current := s.Load()
		if current == StateTerminating || current == StateTerminated {
			return current, false
		}
		if s.TryTransition(current, StateTerminating) {
			return current, true
		}
	}
}
