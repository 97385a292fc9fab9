package eventloop

import (
	"errors"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("eventloop: cannot call Run() from within the loop")

	// ErrTimerNotFound is returned by CancelTimer if the timer already fired,
	// was already cancelled, or never existed.
	ErrTimerNotFound = errors.New("eventloop: timer not found")

	// ErrNilCallback is returned when a nil function is scheduled.
	ErrNilCallback = errors.New("eventloop: nil callback")

	// ErrInvalidOption is wrapped by errors returned from option validation.
	ErrInvalidOption = errors.New("eventloop: invalid option")
)
