package loopbridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// TimerAdapter drives a bridge's worker side from a loop that only offers
// one-shot timers. Each firing polls the wake descriptor: if ready it serves
// the bridge and re-arms with zero delay, otherwise it re-arms after a
// delay that starts at the poll interval and doubles with each idle firing,
// up to the max poll interval.
//
// Such a loop cannot block on the descriptor, so this is polling rather
// than a blocking wait. An idle adapter wakes its loop about once per max
// poll interval (16ms by default), and a call arriving after a quiet spell
// waits up to that long before it is served. Calls arriving while busy
// wait at most the poll interval. Prefer [AttachWatch] where the loop can
// watch file descriptors.
type TimerAdapter struct {
	b           *Bridge
	loop        TimerScheduler
	logger      *logiface.Logger[logiface.Event]
	interval    time.Duration
	maxInterval time.Duration
	idle        time.Duration // next idle delay, only touched by fire
	timerID     uint64        // guarded by mu
	mu          sync.Mutex
	alive       atomic.Bool
}

// AttachTimer registers b with loop, see [TimerAdapter]. If loop is also a
// [Submitter], the worker goroutine is recorded straight away, so that a
// re-entrant call made before the first firing is reported.
func AttachTimer(b *Bridge, loop TimerScheduler, opts ...Option) (*TimerAdapter, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	a := &TimerAdapter{
		b:           b,
		loop:        loop,
		logger:      cfg.logger,
		interval:    cfg.pollInterval,
		maxInterval: max(cfg.maxPollInterval, cfg.pollInterval),
		idle:        cfg.pollInterval,
	}
	if s, ok := loop.(Submitter); ok {
		if err := s.Submit(b.bindWorker); err != nil {
			return nil, fmt.Errorf("loopbridge: attach timer: %w", err)
		}
	}
	a.alive.Store(true)
	if err := a.schedule(0); err != nil {
		a.alive.Store(false)
		return nil, fmt.Errorf("loopbridge: attach timer: %w", err)
	}
	return a, nil
}

func (a *TimerAdapter) fire() {
	if !a.alive.Load() || !a.b.Alive() {
		return
	}
	a.b.bindWorker()

	ready, err := a.b.rv.Ready()
	if err != nil {
		a.logger.Err().
			Str("bridge", a.b.name).
			Err(err).
			Log("loopbridge: wake descriptor poll failed")
	}
	if !ready {
		delay := a.idle
		a.idle = min(a.idle*2, a.maxInterval)
		a.reschedule(delay)
		return
	}
	a.idle = a.interval
	a.b.Serve(func() error { return a.schedule(0) })
}

func (a *TimerAdapter) reschedule(delay time.Duration) {
	if err := a.schedule(delay); err != nil {
		a.logger.Crit().
			Str("bridge", a.b.name).
			Err(err).
			Log("loopbridge: timer adapter stopped")
		a.alive.Store(false)
	}
}

func (a *TimerAdapter) schedule(delay time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.alive.Load() {
		return nil
	}
	id, err := a.loop.ScheduleTimer(delay, a.fire)
	if err != nil {
		return err
	}
	a.timerID = id
	return nil
}

// Alive reports whether the adapter is still attached.
func (a *TimerAdapter) Alive() bool { return a.alive.Load() }

// Detach cancels the pending timer. A firing already in progress observes
// the liveness flag and does nothing.
func (a *TimerAdapter) Detach() {
	if !a.alive.Swap(false) {
		return
	}
	a.mu.Lock()
	id := a.timerID
	a.mu.Unlock()
	// fails if the timer is firing right now
	_ = a.loop.CancelTimer(id)
}

// WatchAdapter drives a bridge's worker side from a loop offering one-shot
// fd watches, re-armed after every wake-up.
type WatchAdapter struct {
	b     *Bridge
	loop  WatchLoop
	fd    int
	alive atomic.Bool
}

// WatchLoop is a loop a [WatchAdapter] can drive.
type WatchLoop interface {
	FDWatcher
	Submitter
}

// AttachWatch registers b with loop, see [WatchAdapter]. The worker
// goroutine is recorded by a call submitted to loop, so a re-entrant call
// from any callback submitted after AttachWatch returns is reported rather
// than deadlocking.
func AttachWatch(b *Bridge, loop WatchLoop) (*WatchAdapter, error) {
	a := &WatchAdapter{b: b, loop: loop, fd: b.rv.FD()}
	if err := loop.Submit(b.bindWorker); err != nil {
		return nil, fmt.Errorf("loopbridge: attach watch: %w", err)
	}
	a.alive.Store(true)
	if err := loop.WatchFD(a.fd, a.fire); err != nil {
		a.alive.Store(false)
		return nil, fmt.Errorf("loopbridge: attach watch: %w", err)
	}
	return a, nil
}

func (a *WatchAdapter) fire() {
	if !a.alive.Load() || !a.b.Alive() {
		return
	}
	a.b.Serve(a.rearm)
}

func (a *WatchAdapter) rearm() error {
	if !a.alive.Load() {
		return nil
	}
	return a.loop.RearmFD(a.fd)
}

// Alive reports whether the adapter is still attached.
func (a *WatchAdapter) Alive() bool { return a.alive.Load() }

// Detach removes the watch.
func (a *WatchAdapter) Detach() error {
	if !a.alive.Swap(false) {
		return nil
	}
	return a.loop.UnwatchFD(a.fd)
}
