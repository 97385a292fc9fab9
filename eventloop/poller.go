//go:build linux || darwin

package eventloop

import (
	"errors"
)

// maxFDLimit is the maximum FD value we support for dynamic growth.
const maxFDLimit = 100000000

// initialFDs is the initial size of the per-FD table, indexed directly by fd.
const initialFDs = 1024

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
	// EventOneShot disarms the registration after the first delivery. It
	// stays registered (see [Loop.UnregisterFD]) and must be re-armed via
	// [Loop.ModifyFD] or [Loop.RearmFD] to fire again.
	EventOneShot
)

// FD registration errors.
var (
	ErrFDOutOfRange        = errors.New("eventloop: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	ErrFDNotRegistered     = errors.New("eventloop: fd not registered")
	ErrPollerClosed        = errors.New("eventloop: poller closed")
)

// IOCallback is the callback type for I/O events.
type IOCallback func(IOEvents)

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// growFDs returns fds, grown if necessary so that fd is a valid index.
func growFDs(fds []fdInfo, fd int) []fdInfo {
	if fd < len(fds) {
		return fds
	}
	newSize := fd*2 + 1
	if newSize > maxFDLimit {
		newSize = maxFDLimit + 1
	}
	newFds := make([]fdInfo, newSize)
	copy(newFds, fds)
	return newFds
}
