//go:build linux || darwin

// Package wakefd implements the readable wake-up descriptor used to notify a
// polling or fd-watching run-loop that work is pending.
//
// On Linux this is a single non-blocking eventfd; on Darwin it is a
// non-blocking self-pipe. In both cases Signal makes the read end readable, and
// Drain makes it unreadable again.
package wakefd

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned when a closed descriptor is used.
var ErrClosed = errors.New("wakefd: closed")

// FD is a wake-up descriptor pair. The read and write ends are the same
// descriptor on Linux.
type FD struct {
	r, w   int
	closed atomic.Bool
}

// New allocates a wake-up descriptor. Failure is almost always descriptor
// exhaustion.
func New() (*FD, error) {
	r, w, err := create()
	if err != nil {
		return nil, err
	}
	return &FD{r: r, w: w}, nil
}

// ReadFD returns the descriptor to register for read readiness.
func (x *FD) ReadFD() int {
	return x.r
}

// Signal makes the read end readable. Safe to call from any goroutine.
func (x *FD) Signal() error {
	if x.closed.Load() {
		return ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(x.w, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN: counter saturated or pipe full, either way it's readable
			return nil
		case unix.EINTR:
			continue
		default:
			return err
		}
	}
}

// Drain consumes every pending wake-up. It never blocks.
func (x *FD) Drain() {
	if x.closed.Load() {
		return
	}
	var buf [64]byte
	for {
		_, err := unix.Read(x.r, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
	}
}

// Ready reports whether the read end is readable, without blocking.
func (x *FD) Ready() (bool, error) {
	if x.closed.Load() {
		return false, ErrClosed
	}
	fds := []unix.PollFd{{Fd: int32(x.r), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

// Close releases the descriptor(s). Subsequent calls return ErrClosed.
func (x *FD) Close() error {
	if x.closed.Swap(true) {
		return ErrClosed
	}
	err := unix.Close(x.r)
	if x.w != x.r {
		if e := unix.Close(x.w); err == nil {
			err = e
		}
	}
	return err
}
