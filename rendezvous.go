package loopbridge

import (
	"fmt"

	"github.com/joeycumines/go-loopbridge/internal/wakefd"
)

// Rendezvous is a channel pair: push carries signals from the controller to
// the worker, sync echoes them back. Both have capacity 1, so at most one
// signal is ever in flight in each direction. The wake descriptor becomes
// readable whenever a signal is sent on push.
type Rendezvous struct {
	push chan Signal
	sync chan Signal
	wake *wakefd.FD
}

// NewRendezvous allocates a channel pair. Failure wraps [ErrChannelCreate].
func NewRendezvous() (*Rendezvous, error) {
	wake, err := wakefd.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChannelCreate, err)
	}
	return &Rendezvous{
		push: make(chan Signal, 1),
		sync: make(chan Signal, 1),
		wake: wake,
	}, nil
}

// Send writes sig to push, then signals the wake descriptor. It never
// blocks: a full push channel is [ErrSignalInFlight].
func (r *Rendezvous) Send(sig Signal) error {
	if !sig.Valid() {
		return ErrSignalOutOfRange
	}
	select {
	case r.push <- sig:
	default:
		return ErrSignalInFlight
	}
	if err := r.wake.Signal(); err != nil {
		return fmt.Errorf("loopbridge: wake: %w", err)
	}
	return nil
}

// Receive drains the wake descriptor, then takes one signal from push.
// It returns false if there was none (a spurious wake-up).
func (r *Rendezvous) Receive() (Signal, bool, error) {
	r.wake.Drain()
	select {
	case sig := <-r.push:
		if !sig.Valid() {
			return sig, true, ErrSignalOutOfRange
		}
		return sig, true, nil
	default:
		return 0, false, nil
	}
}

// Ack echoes sig on sync. It never blocks.
func (r *Rendezvous) Ack(sig Signal) error {
	select {
	case r.sync <- sig:
		return nil
	default:
		return ErrSignalInFlight
	}
}

// awaitAck blocks until the worker acknowledges, failing if the value
// differs from want.
func (r *Rendezvous) awaitAck(want Signal) error {
	if got := <-r.sync; got != want {
		return fmt.Errorf("%w: want %s, got %s", ErrAckMismatch, want, got)
	}
	return nil
}

// FD returns the wake descriptor, readable while a signal is pending.
func (r *Rendezvous) FD() int {
	return r.wake.ReadFD()
}

// Ready polls the wake descriptor without blocking.
func (r *Rendezvous) Ready() (bool, error) {
	return r.wake.Ready()
}

// Close releases the wake descriptor. The channels are left for the
// garbage collector, so a racing reader never observes a closed channel.
func (r *Rendezvous) Close() error {
	return r.wake.Close()
}
