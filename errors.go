package loopbridge

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelCreate is returned when a bridge's wake descriptor could not
	// be allocated, typically due to descriptor exhaustion.
	ErrChannelCreate = errors.New("loopbridge: channel create failed")

	// ErrBridgeBusy is returned by Close while a call or lock session is in
	// flight.
	ErrBridgeBusy = errors.New("loopbridge: bridge busy")

	// ErrQueueClosed is returned by Post after the queue has been closed.
	ErrQueueClosed = errors.New("loopbridge: post queue closed")

	// ErrNilFunc is returned when a nil callback is posted or scheduled.
	ErrNilFunc = errors.New("loopbridge: nil func")

	// ErrInvalidOption is wrapped by errors returned from option validation.
	ErrInvalidOption = errors.New("loopbridge: invalid option")
)

// Protocol violations. These are never returned directly, see [ProtocolError].
var (
	ErrSignalOutOfRange = errors.New("loopbridge: signal out of range")
	ErrSignalInFlight   = errors.New("loopbridge: signal already in flight")
	ErrAckMismatch      = errors.New("loopbridge: acknowledgement mismatch")
	ErrNoPendingCall    = errors.New("loopbridge: no pending call")
	ErrReentrantCall    = errors.New("loopbridge: re-entrant call")
	ErrNotLocked        = errors.New("loopbridge: not locked")
	ErrBridgeClosed     = errors.New("loopbridge: bridge closed")
	ErrLockTimeout      = errors.New("loopbridge: lock session timed out")
)

// ProtocolError describes a violated cross-thread invariant. It is passed to
// the violation handler, then raised as a panic if the handler returns.
type ProtocolError struct {
	Err    error
	Bridge string
	Op     string
	Signal Signal
}

func (e *ProtocolError) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("%v (bridge=%s op=%s signal=%s)", e.Err, e.Bridge, e.Op, e.Signal)
	}
	return fmt.Sprintf("%v (bridge=%s op=%s)", e.Err, e.Bridge, e.Op)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// PanicError carries a panic raised by a function run via [Bridge.Do] back to
// the controller.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("loopbridge: call panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
