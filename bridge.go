package loopbridge

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-loopbridge/internal/goid"
	"github.com/joeycumines/logiface"
)

// Bridge lets a single logical controller run functions on, or take
// exclusive control of, a worker run-loop. The worker side is driven by an
// adapter (see [AttachTimer] and [AttachWatch]) calling [Bridge.Serve].
type Bridge struct {
	rv          *Rendezvous
	logger      *logiface.Logger[logiface.Event]
	metrics     *Metrics
	onViolation func(error)

	// pending and session are handed from controller to worker (and back)
	// through the rendezvous channels, which order every access.
	pending *pendingCall
	session *lockSession

	name             string
	lockTimeout      time.Duration
	lockWarnInterval time.Duration

	pushOwner  atomic.Uint64 // goroutine holding pushMu, 0 if none
	worker     atomic.Uint64 // goroutine last seen serving
	sessionSeq atomic.Uint64
	lockState  atomic.Uint32
	closed     atomic.Bool
	released   atomic.Bool
	unlocking  atomic.Bool // an Unlock is waiting on the worker's ack

	// pushMu serializes the controller's calls and lock sessions. It is
	// held for the whole of a lock session.
	pushMu sync.Mutex
}

// pendingCall is the single-slot storage for a function posted by Do,
// along with its outcome.
type pendingCall struct {
	fn       func() bool
	panicked *PanicError
	result   bool
}

// NewBridge allocates a bridge. Failure to allocate its wake descriptor
// wraps [ErrChannelCreate].
func NewBridge(opts ...Option) (*Bridge, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	rv, err := NewRendezvous()
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		rv:               rv,
		logger:           cfg.logger,
		metrics:          cfg.metrics,
		onViolation:      cfg.onViolation,
		name:             cfg.name,
		lockTimeout:      cfg.lockTimeout,
		lockWarnInterval: cfg.lockWarnInterval,
	}
	if b.name == "" {
		b.name = "bridge"
	}
	if b.onViolation == nil {
		b.onViolation = defaultViolationHandler(b.logger)
	}
	return b, nil
}

// Name returns the bridge name.
func (b *Bridge) Name() string { return b.name }

// Alive reports whether the bridge has not been closed.
func (b *Bridge) Alive() bool { return !b.closed.Load() }

// Rendezvous exposes the underlying channel pair, for adapters.
func (b *Bridge) Rendezvous() *Rendezvous { return b.rv }

// Call runs fn(arg) on the worker loop, blocking until it has run, and
// returns its result. See [Bridge.Do].
func Call[T any](b *Bridge, fn func(T) bool, arg T) bool {
	return b.Do(func() bool { return fn(arg) })
}

// Do runs fn on the worker loop and blocks until it has run exactly once,
// returning its result. A panic in fn is re-raised here as a *[PanicError].
//
// Do must not be called from the worker goroutine, or while the calling
// goroutine holds a lock session on b.
func (b *Bridge) Do(fn func() bool) bool {
	b.checkController("call")

	b.pushMu.Lock()
	defer b.pushMu.Unlock()
	if b.closed.Load() {
		b.violate("call", 0, ErrBridgeClosed)
		return false
	}

	call := &pendingCall{fn: fn}
	b.pending = call
	start := time.Now()

	if err := b.rv.Send(SignalRun); err != nil {
		b.pending = nil
		b.violate("call", SignalRun, err)
		return false
	}
	if err := b.rv.awaitAck(SignalRun); err != nil {
		b.violate("call", SignalRun, err)
		return false
	}

	b.metrics.recordCall(b.name, time.Since(start))

	if call.panicked != nil {
		panic(call.panicked)
	}
	return call.result
}

// Serve handles one wake-up on the worker goroutine: it receives a signal,
// runs the pending call or parks for a lock session, calls rearm, then
// acknowledges. rearm re-registers the worker's wake watch and is called on
// every wake-up, including spurious ones.
func (b *Bridge) Serve(rearm func() error) {
	if b.closed.Load() {
		return
	}
	b.bindWorker()

	sig, ok, err := b.rv.Receive()
	if err != nil {
		b.violate("serve", sig, err)
		return
	}
	if !ok {
		b.metrics.recordSpuriousWake(b.name)
		if allowLog(b.name, "spurious") {
			b.logger.Debug().
				Str("bridge", b.name).
				Log("loopbridge: spurious wake-up")
		}
		b.rearm(rearm)
		return
	}

	switch sig {
	case SignalRun:
		b.runPending()
	case SignalLock:
		b.parkLocked()
	}

	b.rearm(rearm)

	if err := b.rv.Ack(sig); err != nil {
		b.violate("serve", sig, err)
	}
}

func (b *Bridge) rearm(rearm func() error) {
	if rearm == nil {
		return
	}
	if err := rearm(); err != nil {
		b.logger.Crit().
			Str("bridge", b.name).
			Err(err).
			Log("loopbridge: failed to re-arm worker wake-up")
	}
}

func (b *Bridge) runPending() {
	call := b.pending
	b.pending = nil
	if call == nil {
		b.violate("serve", SignalRun, ErrNoPendingCall)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			call.panicked = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	call.result = call.fn()
}

// bindWorker records the calling goroutine as the worker.
func (b *Bridge) bindWorker() {
	b.worker.Store(goid.Current())
}

// checkController reports re-entrant use from the worker goroutine or from
// the goroutine holding a lock session, either of which would deadlock.
func (b *Bridge) checkController(op string) {
	if b.closed.Load() {
		b.violate(op, 0, ErrBridgeClosed)
		return
	}
	id := goid.Current()
	if w := b.worker.Load(); w != 0 && w == id {
		b.violate(op, 0, fmt.Errorf("%w: from worker goroutine", ErrReentrantCall))
		return
	}
	if b.pushOwner.Load() == id {
		b.violate(op, 0, fmt.Errorf("%w: from lock holder", ErrReentrantCall))
	}
}

// violate reports a protocol violation. It does not return.
func (b *Bridge) violate(op string, sig Signal, err error) {
	perr := &ProtocolError{Err: err, Bridge: b.name, Op: op, Signal: sig}
	b.metrics.recordViolation(b.name, op)
	b.onViolation(perr)
	panic(perr)
}

// stop rejects further calls, failing with [ErrBridgeBusy] if one is in
// flight. The rendezvous stays open.
func (b *Bridge) stop() error { return stopBridges(b) }

// stopBridges stops either all of bridges or none of them. If any has a
// call or lock session in flight, every busy one is reported as
// [ErrBridgeBusy] and all of them keep accepting calls.
func stopBridges(bridges ...*Bridge) error {
	var busy []error
	held := make([]*Bridge, 0, len(bridges))
	for _, b := range bridges {
		if !b.pushMu.TryLock() {
			busy = append(busy, fmt.Errorf("%w: %s", ErrBridgeBusy, b.name))
			continue
		}
		held = append(held, b)
	}
	if len(busy) == 0 {
		for _, b := range held {
			b.closed.Store(true)
		}
	}
	for _, b := range held {
		b.pushMu.Unlock()
	}
	return errors.Join(busy...)
}

// release closes the rendezvous, once stopped.
func (b *Bridge) release() error {
	if b.released.Swap(true) {
		return nil
	}
	if err := b.rv.Close(); err != nil {
		return fmt.Errorf("loopbridge: close %s: %w", b.name, err)
	}
	b.logger.Debug().
		Str("bridge", b.name).
		Log("loopbridge: bridge closed")
	return nil
}

// Close rejects further calls and releases the wake descriptor. It fails
// with [ErrBridgeBusy] while a call or lock session is in flight, and may
// then be retried. Detach adapters first.
func (b *Bridge) Close() error {
	if err := b.stop(); err != nil {
		return err
	}
	return b.release()
}
