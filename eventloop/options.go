package eventloop

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	tickBudget     int
	maxPollTimeout time.Duration
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger attaches a structured logger, used to report recovered panics
// and poll failures. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithTickBudget bounds the number of deferred calls executed per tick, so
// that a flood of submissions cannot starve timers and I/O.
func WithTickBudget(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return fmt.Errorf("%w: tick budget must be positive, got %d", ErrInvalidOption, n)
		}
		opts.tickBudget = n
		return nil
	}}
}

// WithMaxPollTimeout caps how long the loop blocks in poll when idle.
func WithMaxPollTimeout(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return fmt.Errorf("%w: max poll timeout must be positive, got %s", ErrInvalidOption, d)
		}
		opts.maxPollTimeout = d
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		tickBudget:     1024,
		maxPollTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
