package loopbridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// EventFunc is a callback posted to the UI loop. It runs while holding the
// shared state mutex.
type EventFunc[A any] func(app A, ctx, msg any)

// PostQueue marshals callbacks onto the UI loop, fire-and-forget. Events run
// in the order they were posted, one at a time, each under the shared state
// mutex.
type PostQueue[A any] struct {
	app     A
	state   sync.Locker
	loop    Submitter
	logger  *logiface.Logger[logiface.Event]
	metrics *Metrics
	pool    sync.Pool

	// idle is closed while no envelope is live, guarded by liveMu
	idle   chan struct{}
	live   int
	liveMu sync.Mutex

	closed atomic.Bool
}

// envelope is a pooled, in-flight event.
type envelope[A any] struct {
	q     *PostQueue[A]
	event EventFunc[A]
	ctx   any
	msg   any
}

// NewPostQueue creates a queue delivering events for app to loop, each run
// while holding state.
func NewPostQueue[A any](app A, state sync.Locker, loop Submitter, opts ...Option) (*PostQueue[A], error) {
	if state == nil || loop == nil {
		return nil, fmt.Errorf("%w: post queue requires a state mutex and a loop", ErrInvalidOption)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	q := &PostQueue[A]{
		app:     app,
		state:   state,
		loop:    loop,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		idle:    make(chan struct{}),
	}
	close(q.idle)
	q.pool.New = func() any { return new(envelope[A]) }
	return q, nil
}

// Post schedules event(app, ctx, msg) to run on the UI loop. It never
// blocks on the loop. It returns [ErrQueueClosed] after Close, or the
// loop's error if it rejected the submission.
func (q *PostQueue[A]) Post(event EventFunc[A], ctx, msg any) error {
	if event == nil {
		return ErrNilFunc
	}
	if q.closed.Load() {
		return ErrQueueClosed
	}

	env := q.pool.Get().(*envelope[A])
	env.q, env.event, env.ctx, env.msg = q, event, ctx, msg
	q.acquire()

	if err := q.loop.Submit(env.run); err != nil {
		q.release(env, false)
		return fmt.Errorf("loopbridge: post: %w", err)
	}
	return nil
}

func (env *envelope[A]) run() {
	q := env.q
	q.state.Lock()
	func() {
		defer func() {
			if r := recover(); r != nil && allowLog("post", "panic") {
				q.logger.Err().
					Any("panic", r).
					Log("loopbridge: posted event panicked")
			}
		}()
		env.event(q.app, env.ctx, env.msg)
	}()
	q.state.Unlock()
	q.release(env, true)
}

func (q *PostQueue[A]) acquire() {
	q.liveMu.Lock()
	if q.live == 0 {
		q.idle = make(chan struct{})
	}
	q.live++
	q.liveMu.Unlock()
	q.metrics.recordPosted()
}

func (q *PostQueue[A]) release(env *envelope[A], delivered bool) {
	*env = envelope[A]{}
	q.pool.Put(env)

	q.liveMu.Lock()
	q.live--
	if q.live == 0 {
		close(q.idle)
	}
	q.liveMu.Unlock()
	q.metrics.recordReleased(delivered)
}

// Live returns the number of posted events not yet released.
func (q *PostQueue[A]) Live() int {
	q.liveMu.Lock()
	defer q.liveMu.Unlock()
	return q.live
}

// WaitIdle blocks until no posted event is live, or ctx is done.
func (q *PostQueue[A]) WaitIdle(ctx context.Context) error {
	q.liveMu.Lock()
	idle := q.idle
	q.liveMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new events. Events already posted still run.
func (q *PostQueue[A]) Close() {
	q.closed.Store(true)
}
