package loopbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostQueue_OrderAndMutex(t *testing.T) {
	c, _ := newCoordinator(t)
	const n = 500

	for i := 0; i < n; i++ {
		require.NoError(t, c.PostEvent(func(app *testApp, ctx, msg any) {
			assert.False(t, c.mu.TryLock(), "event ran without the shared mutex")
			seq := msg.(int)
			if len(app.seen) > 0 {
				assert.Equal(t, app.seen[len(app.seen)-1]+1, seq)
			}
			assert.Equal(t, "ctx", ctx)
			app.seen = append(app.seen, seq)
		}, "ctx", i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Events.WaitIdle(ctx))

	c.WithState(func(app *testApp) {
		require.Len(t, app.seen, n)
		for i, v := range app.seen {
			require.Equal(t, i, v)
		}
	})
	assert.Zero(t, c.Events.Live())
}

func TestPostQueue_Closed(t *testing.T) {
	c, _ := newCoordinator(t)
	c.Events.Close()
	err := c.PostEvent(func(*testApp, any, any) {}, nil, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, c.PostEvent(nil, nil, nil), ErrNilFunc)
	assert.Zero(t, c.Events.Live())
}

type rejectingSubmitter struct{ err error }

func (x rejectingSubmitter) Submit(func()) error { return x.err }

func TestPostQueue_SubmitRejected(t *testing.T) {
	rejected := errors.New("rejected")
	var mu sync.Mutex
	q, err := NewPostQueue[int](1, &mu, rejectingSubmitter{rejected})
	require.NoError(t, err)

	err = q.Post(func(int, any, any) {}, nil, nil)
	assert.ErrorIs(t, err, rejected)
	assert.Zero(t, q.Live())
	require.NoError(t, q.WaitIdle(context.Background()))
}

func TestPostQueue_PanicRecovered(t *testing.T) {
	var logs logBuffer
	c, _ := newCoordinator(t, WithLogger(newTestLogger(&logs)))

	require.NoError(t, c.PostEvent(func(*testApp, any, any) { panic("event failed") }, nil, nil))
	require.NoError(t, c.PostEvent(func(app *testApp, _, _ any) { app.counter = 7 }, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Events.WaitIdle(ctx))

	c.WithState(func(app *testApp) { assert.Equal(t, 7, app.counter) })
	assert.Contains(t, logs.String(), "posted event panicked")
}

func TestPostQueue_WaitIdleTimeout(t *testing.T) {
	c, _ := newCoordinator(t)

	block := make(chan struct{})
	require.NoError(t, c.PostEvent(func(*testApp, any, any) { <-block }, nil, nil))
	assert.Equal(t, 1, c.Events.Live())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Events.WaitIdle(ctx), context.DeadlineExceeded)

	close(block)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, c.Events.WaitIdle(ctx2))
}

func TestNewPostQueue_Invalid(t *testing.T) {
	_, err := NewPostQueue[int](0, nil, rejectingSubmitter{})
	assert.ErrorIs(t, err, ErrInvalidOption)
}
