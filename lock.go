package loopbridge

import (
	"time"

	"github.com/joeycumines/go-loopbridge/internal/goid"
)

// lockSession is the controller's temporary ownership of the worker loop.
type lockSession struct {
	start   time.Time
	entered chan struct{} // closed by the worker once parked
	release chan struct{} // closed by Unlock
	id      uint64
}

// LockState returns the state of the exclusive section.
func (b *Bridge) LockState() LockState {
	return LockState(b.lockState.Load())
}

// Lock parks the worker loop at its signal-handling point, returning once it
// is parked. Until [Bridge.Unlock], the worker runs nothing else, and other
// controllers calling Do or Lock block.
//
// Lock must be paired with Unlock. It must not be called from the worker
// goroutine, and the shared state mutex must not be held.
func (b *Bridge) Lock() {
	b.checkController("lock")

	b.pushMu.Lock()
	locked := false
	defer func() {
		if !locked {
			b.pushOwner.Store(0)
			b.pushMu.Unlock()
		}
	}()
	if b.closed.Load() {
		b.violate("lock", 0, ErrBridgeClosed)
		return
	}
	b.pushOwner.Store(goid.Current())

	s := &lockSession{
		id:      b.sessionSeq.Add(1),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	b.session = s
	b.lockState.Store(uint32(LockPending))

	if err := b.rv.Send(SignalLock); err != nil {
		b.session = nil
		b.lockState.Store(uint32(Unlocked))
		b.violate("lock", SignalLock, err)
		return
	}

	<-s.entered
	locked = true

	b.logger.Debug().
		Str("bridge", b.name).
		Uint64("session", s.id).
		Log("loopbridge: lock session entered")
}

// Unlock ends the lock session, returning once the worker has resumed and
// acknowledged. The state stays [Locked] until then. Unlock without a
// matching Lock is a protocol violation.
func (b *Bridge) Unlock() {
	if !b.unlocking.CompareAndSwap(false, true) {
		b.violate("unlock", 0, ErrNotLocked)
		return
	}
	if b.LockState() != Locked {
		b.unlocking.Store(false)
		b.violate("unlock", 0, ErrNotLocked)
		return
	}
	s := b.session
	close(s.release)

	err := b.rv.awaitAck(SignalLock)
	b.session = nil
	b.lockState.Store(uint32(Unlocked))
	b.unlocking.Store(false)
	b.pushOwner.Store(0)
	b.pushMu.Unlock()
	if err != nil {
		b.violate("unlock", SignalLock, err)
		return
	}

	b.logger.Debug().
		Str("bridge", b.name).
		Uint64("session", s.id).
		Log("loopbridge: lock session released")
}

// Locked runs fn inside a lock session.
func (b *Bridge) Locked(fn func()) {
	b.Lock()
	defer b.Unlock()
	fn()
}

// parkLocked runs on the worker: it signals entry, then blocks until the
// session is released, warning periodically and failing on the watchdog.
func (b *Bridge) parkLocked() {
	s := b.session
	if s == nil {
		b.violate("serve", SignalLock, ErrNotLocked)
		return
	}
	s.start = time.Now()
	b.lockState.Store(uint32(Locked))
	close(s.entered)

	defer func() {
		b.metrics.recordLockSession(b.name, time.Since(s.start))
	}()

	var timeout <-chan time.Time
	if b.lockTimeout > 0 {
		t := time.NewTimer(b.lockTimeout)
		defer t.Stop()
		timeout = t.C
	}
	warn := time.NewTicker(b.lockWarnInterval)
	defer warn.Stop()

	for {
		select {
		case <-s.release:
			return
		case <-warn.C:
			if allowLog(b.name, "parked") {
				b.logger.Warning().
					Str("bridge", b.name).
					Uint64("session", s.id).
					Dur("elapsed", time.Since(s.start)).
					Log("loopbridge: worker parked in lock session")
			}
		case <-timeout:
			b.violate("lock", SignalLock, ErrLockTimeout)
			return
		}
	}
}
