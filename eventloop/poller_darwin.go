//go:build darwin

package eventloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// fastPoller manages I/O event registration using kqueue (Darwin).
//
// Callbacks are dispatched inline, on the goroutine calling pollIO. A kqueue
// EV_ONESHOT filter is deleted by the kernel once delivered, so re-arming is
// an EV_ADD of the same filter.
type fastPoller struct { // betteralign:ignore
	_        [64]byte           // Cache line padding //nolint:unused
	kq       int32              // kqueue file descriptor
	_        [60]byte           // Pad to cache line //nolint:unused
	eventBuf [256]unix.Kevent_t // preallocated
	fds      []fdInfo           // grows on demand
	fdMu     sync.RWMutex       // protects fds, held across kevent registration
	closed   atomic.Bool
}

func (p *fastPoller) init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = int32(kq)
	p.fds = make([]fdInfo, initialFDs)
	return nil
}

func (p *fastPoller) close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.kq > 0 {
		return unix.Close(int(p.kq))
	}
	return nil
}

func (p *fastPoller) registerFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	p.fds = growFDs(p.fds, fd)
	if p.fds[fd].active {
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	if kevents := eventsToKevents(fd, events, addFlags(events)); len(kevents) > 0 {
		if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
			p.fds[fd] = fdInfo{} // rollback
			return err
		}
	}
	return nil
}

func (p *fastPoller) unregisterFD(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		return ErrFDNotRegistered
	}
	if !p.closed.Load() {
		// ENOENT for an already-delivered one-shot filter
		_, _ = unix.Kevent(int(p.kq), eventsToKevents(fd, p.fds[fd].events, unix.EV_DELETE), nil, nil)
	}
	p.fds[fd] = fdInfo{}
	return nil
}

// modifyFD replaces the monitored events. With EventOneShot this is also
// how a fired registration is re-armed.
func (p *fastPoller) modifyFD(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		return ErrFDNotRegistered
	}
	old := p.fds[fd].events
	p.fds[fd].events = events
	if removed := old &^ events; removed&(EventRead|EventWrite) != 0 {
		_, _ = unix.Kevent(int(p.kq), eventsToKevents(fd, removed, unix.EV_DELETE), nil, nil)
	}
	if kevents := eventsToKevents(fd, events, addFlags(events)); len(kevents) > 0 {
		if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// pollIO blocks for up to timeoutMs (-1 for forever), dispatching callbacks
// inline. Returns the number of events dispatched.
func (p *fastPoller) pollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		p.fdMu.RLock()
		var info fdInfo
		if fd < len(p.fds) {
			info = p.fds[fd]
		}
		p.fdMu.RUnlock()
		if info.active && info.callback != nil {
			info.callback(keventToEvents(&p.eventBuf[i]))
		}
	}
	return n, nil
}

func addFlags(events IOEvents) uint16 {
	flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if events&EventOneShot != 0 {
		flags |= unix.EV_ONESHOT
	}
	return flags
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
