package loopbridge

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// options holds configuration shared by every constructor in this package.
// Each constructor uses only the fields relevant to it.
type options struct {
	logger           *logiface.Logger[logiface.Event]
	metrics          *Metrics
	onViolation      func(error)
	name             string
	lockTimeout      time.Duration
	lockWarnInterval time.Duration
	pollInterval     time.Duration
	maxPollInterval  time.Duration
}

// Option configures a [Bridge], [PostQueue], [Registry], adapter or
// [Coordinator].
type Option interface {
	apply(*options) error
}

type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics attaches collectors created by [NewMetrics]. A nil value
// disables metrics.
func WithMetrics(m *Metrics) Option {
	return &optionImpl{func(opts *options) error {
		opts.metrics = m
		return nil
	}}
}

// WithName names a bridge or registry in logs, metrics and errors.
func WithName(name string) Option {
	return &optionImpl{func(opts *options) error {
		if name == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidOption)
		}
		opts.name = name
		return nil
	}}
}

// WithViolationHandler replaces the default protocol violation handler,
// which logs at emergency level then exits the process with status 2. The
// handler receives a *[ProtocolError]. If it returns, the goroutine that
// detected the violation panics with the same error.
func WithViolationHandler(fn func(err error)) Option {
	return &optionImpl{func(opts *options) error {
		if fn == nil {
			return fmt.Errorf("%w: nil violation handler", ErrInvalidOption)
		}
		opts.onViolation = fn
		return nil
	}}
}

// WithLockTimeout bounds how long the worker stays parked in a lock session
// before reporting [ErrLockTimeout] as a violation. Zero (the default)
// disables the watchdog.
func WithLockTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if d < 0 {
			return fmt.Errorf("%w: negative lock timeout %s", ErrInvalidOption, d)
		}
		opts.lockTimeout = d
		return nil
	}}
}

// WithLockWarnInterval sets how often a parked worker logs a warning.
func WithLockWarnInterval(d time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if d <= 0 {
			return fmt.Errorf("%w: lock warn interval must be positive, got %s", ErrInvalidOption, d)
		}
		opts.lockWarnInterval = d
		return nil
	}}
}

// WithPollInterval sets how long the timer adapter waits before checking
// the wake descriptor again, the first time it was not ready. It bounds the
// latency of calls made while the bridge is busy.
func WithPollInterval(d time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if d <= 0 {
			return fmt.Errorf("%w: poll interval must be positive, got %s", ErrInvalidOption, d)
		}
		opts.pollInterval = d
		return nil
	}}
}

// WithMaxPollInterval caps the timer adapter's idle back-off. Values below
// the poll interval disable the back-off.
func WithMaxPollInterval(d time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if d <= 0 {
			return fmt.Errorf("%w: max poll interval must be positive, got %s", ErrInvalidOption, d)
		}
		opts.maxPollInterval = d
		return nil
	}}
}

func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		lockWarnInterval: 5 * time.Second,
		pollInterval:     2 * time.Millisecond,
		maxPollInterval:  16 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
