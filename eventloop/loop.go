package eventloop

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-loopbridge/internal/goid"
	"github.com/joeycumines/go-loopbridge/internal/wakefd"
	"github.com/joeycumines/logiface"
)

// loopIDCounter generates unique loop IDs, used in log output.
var loopIDCounter atomic.Uint64

// Loop is a single-goroutine cooperative run-loop.
//
// Create with [New], drive with [Loop.Run], and stop with [Loop.Shutdown]
// or [Loop.Close]. A Loop cannot be restarted.
type Loop struct { // betteralign:ignore
	anchor time.Time // creation time, reference for ScheduleSeconds

	logger *logiface.Logger[logiface.Event]
	wake   *wakefd.FD

	loopDone chan struct{}

	timerIndex map[uint64]*timer
	timers     timerHeap
	queue      taskQueue
	batch      []func()

	poller fastPoller

	state fastState

	id             uint64
	nextTimerID    uint64 // guarded by timerMu
	tickBudget     int
	maxPollTimeout time.Duration

	loopGoroutineID atomic.Uint64
	wakePending     atomic.Uint32

	queueMu  sync.Mutex
	timerMu  sync.Mutex
	stopOnce sync.Once
	fdOnce   sync.Once
}

// New creates a new event loop, in [StateAwake].
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		anchor:         time.Now(),
		logger:         cfg.logger,
		loopDone:       make(chan struct{}),
		timerIndex:     make(map[uint64]*timer),
		batch:          make([]func(), cfg.tickBudget),
		id:             loopIDCounter.Add(1),
		tickBudget:     cfg.tickBudget,
		maxPollTimeout: cfg.maxPollTimeout,
	}

	if err := l.poller.init(); err != nil {
		return nil, fmt.Errorf("eventloop: poller init: %w", err)
	}

	if l.wake, err = wakefd.New(); err != nil {
		_ = l.poller.close()
		return nil, fmt.Errorf("eventloop: wake fd: %w", err)
	}

	if err := l.poller.registerFD(l.wake.ReadFD(), EventRead, func(IOEvents) {
		l.wake.Drain()
		l.wakePending.Store(0)
	}); err != nil {
		_ = l.wake.Close()
		_ = l.poller.close()
		return nil, fmt.Errorf("eventloop: register wake fd: %w", err)
	}

	return l, nil
}

// ID returns a process-unique identifier for the loop.
func (l *Loop) ID() uint64 { return l.id }

// State returns the current state of the loop.
func (l *Loop) State() LoopState { return l.state.Load() }

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.loopDone }

// Run runs the loop on the calling goroutine, which is locked to its OS
// thread until Run returns. It returns nil after Shutdown or Close, or the
// context error if ctx is cancelled first.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	return l.run(ctx)
}

func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(goid.Current())
	defer l.loopGoroutineID.Store(0)

	// wakes the loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.wakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Debug().
		Uint64("loop", l.id).
		Log("eventloop: running")

	for {
		select {
		case <-ctx.Done():
			l.state.terminate()
			l.shutdown()
			return ctx.Err()
		default:
		}

		if s := l.state.Load(); s == StateTerminating || s == StateTerminated {
			l.shutdown()
			return nil
		}

		l.tick()
	}
}

// tick runs due timers, then a bounded batch of deferred calls, then polls.
func (l *Loop) tick() {
	l.runTimers()
	l.runQueued()
	l.poll()
}

func (l *Loop) runQueued() {
	l.queueMu.Lock()
	n := l.queue.popBatch(l.batch)
	l.queueMu.Unlock()

	for i := 0; i < n; i++ {
		task := l.batch[i]
		l.batch[i] = nil
		l.safeExecute(task)
	}
}

func (l *Loop) poll() {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	l.queueMu.Lock()
	queued := l.queue.len()
	l.queueMu.Unlock()

	timeout := 0
	if queued == 0 {
		timeout = l.nextTimeout()
	}

	if _, err := l.poller.pollIO(timeout); err != nil {
		l.logger.Crit().
			Uint64("loop", l.id).
			Err(err).
			Log("eventloop: poll failed, terminating loop")
		l.state.TryTransition(StateSleeping, StateTerminating)
		return
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

// shutdown runs every deferred call still queued, including those queued
// while draining, then rejects further submissions. Pending timers are
// discarded.
func (l *Loop) shutdown() {
	for {
		l.queueMu.Lock()
		n := l.queue.popBatch(l.batch)
		if n == 0 {
			l.state.Store(StateTerminated)
		}
		l.queueMu.Unlock()
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			task := l.batch[i]
			l.batch[i] = nil
			l.safeExecute(task)
		}
	}

	l.timerMu.Lock()
	discarded := len(l.timers)
	clear(l.timerIndex)
	for _, t := range l.timers {
		t.index = -1
	}
	l.timers = nil
	l.timerMu.Unlock()

	l.logger.Debug().
		Uint64("loop", l.id).
		Int("discarded_timers", discarded).
		Log("eventloop: terminated")

	l.closeFDs()
}

// Shutdown requests termination and waits until the loop has drained its
// queue and stopped, or ctx is done. Calling Shutdown on a loop that was
// never run terminates it immediately.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	prev, ok := l.state.terminate()
	if !ok {
		if prev == StateTerminated {
			return ErrLoopTerminated
		}
	} else if prev == StateAwake {
		l.state.Store(StateTerminated)
		l.closeFDs()
		return nil
	} else {
		l.wakeup()
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close requests termination without waiting. A loop that was never run
// is terminated immediately.
func (l *Loop) Close() error {
	prev, ok := l.state.terminate()
	if !ok {
		if prev == StateTerminated {
			return ErrLoopTerminated
		}
		return nil
	}
	if prev == StateAwake {
		l.state.Store(StateTerminated)
		l.closeFDs()
		return nil
	}
	l.wakeup()
	return nil
}

// Submit queues fn to run on the loop goroutine, after any earlier
// submissions. Submissions made while the loop is terminating still run.
//
// Thread Safety: Safe to call from any goroutine.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}
	l.queueMu.Lock()
	if l.state.Load() == StateTerminated {
		l.queueMu.Unlock()
		return ErrLoopTerminated
	}
	l.queue.push(fn)
	l.queueMu.Unlock()

	l.wakeup()
	return nil
}

// Wake interrupts a blocking poll, if any.
func (l *Loop) Wake() {
	l.wakeup()
}

// wakeup signals the wake fd if the loop may be blocked in poll. Signals
// are deduplicated until the loop drains the fd.
func (l *Loop) wakeup() {
	switch l.state.Load() {
	case StateSleeping, StateTerminating:
	default:
		return
	}
	if !l.wakePending.CompareAndSwap(0, 1) {
		return
	}
	if err := l.wake.Signal(); err != nil {
		l.wakePending.Store(0)
	}
}

// RegisterFD registers fd for the given events. The callback runs on the
// loop goroutine.
func (l *Loop) RegisterFD(fd int, events IOEvents, callback IOCallback) error {
	if callback == nil {
		return ErrNilCallback
	}
	return l.poller.registerFD(fd, events, func(ev IOEvents) {
		l.safeExecute(func() { callback(ev) })
	})
}

// ModifyFD replaces the events monitored for a registered fd.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.modifyFD(fd, events)
}

// UnregisterFD stops monitoring fd. A callback already being dispatched may
// still run once.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.unregisterFD(fd)
}

// WatchFD registers a one-shot read watch: fn runs on the loop goroutine
// the next time fd becomes readable, and not again until [Loop.RearmFD].
func (l *Loop) WatchFD(fd int, fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}
	return l.RegisterFD(fd, EventRead|EventOneShot, func(IOEvents) { fn() })
}

// RearmFD re-enables a one-shot watch registered by [Loop.WatchFD].
func (l *Loop) RearmFD(fd int) error {
	return l.poller.modifyFD(fd, EventRead|EventOneShot)
}

// UnwatchFD removes a watch registered by [Loop.WatchFD].
func (l *Loop) UnwatchFD(fd int) error {
	return l.poller.unregisterFD(fd)
}

// safeExecute runs fn, recovering and logging any panic.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().
				Uint64("loop", l.id).
				Str("panic", fmt.Sprint(r)).
				Log("eventloop: callback panicked")
		}
	}()
	fn()
}

func (l *Loop) closeFDs() {
	l.fdOnce.Do(func() {
		_ = l.poller.close()
		_ = l.wake.Close()
	})
}

func (l *Loop) isLoopThread() bool {
	id := l.loopGoroutineID.Load()
	return id != 0 && id == goid.Current()
}
