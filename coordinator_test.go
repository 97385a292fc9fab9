package loopbridge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_CallsAndEventsConcurrently(t *testing.T) {
	c, v := newCoordinator(t)
	const n = 1000

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				assert.NoError(t, c.PostEvent(func(app *testApp, _, msg any) {
					app.seen = append(app.seen, msg.(int))
				}, nil, i))
			}
		}()
		for i := 0; i < n; i++ {
			c.BridgeCall(func() bool {
				c.WithState(func(app *testApp) { app.counter++ })
				return true
			})
		}
		wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, c.Events.WaitIdle(ctx))
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock: scenario did not complete within 5s")
	}

	c.WithState(func(app *testApp) {
		assert.Equal(t, n, app.counter)
		require.Len(t, app.seen, n)
		for i, seq := range app.seen {
			require.Equal(t, i, seq)
		}
	})
	assert.Empty(t, v.all())
}

func TestCoordinator_LockDefersPostedEvents(t *testing.T) {
	c, _ := newCoordinator(t)

	ran := make(chan time.Time, 1)
	c.BridgeLock()

	// posted from the backend loop, while the UI loop is parked
	c.BridgeCall(func() bool {
		assert.NoError(t, c.PostEvent(func(*testApp, any, any) {
			ran <- time.Now()
		}, nil, nil))
		return true
	})

	time.Sleep(30 * time.Millisecond)
	select {
	case <-ran:
		t.Fatal("event ran while UI loop was locked")
	default:
	}

	unlockAt := time.Now()
	c.BridgeUnlock()

	select {
	case at := <-ran:
		assert.True(t, at.After(unlockAt))
	case <-time.After(5 * time.Second):
		t.Fatal("event did not run after unlock")
	}
}

func TestCoordinator_Teardown(t *testing.T) {
	backend := startLoop(t)
	ui := startLoop(t)
	v := &violations{}
	c, err := NewCoordinator(&testApp{}, backend, ui, WithViolationHandler(v.handle))
	require.NoError(t, err)

	handles := make([]TaskHandle, 0, 50)
	for i := 0; i < 25; i++ {
		h, err := c.ScheduleTask(time.Hour, func() bool { return true })
		require.NoError(t, err)
		handles = append(handles, h)
		h, err = c.BackendTasks.Schedule(time.Hour, func() bool { return true })
		require.NoError(t, err)
		handles = append(handles, h)
	}
	firedCh := make(chan struct{})
	fired, err := c.ScheduleTask(0, func() bool {
		close(firedCh)
		return false
	})
	require.NoError(t, err)
	<-firedCh
	require.Eventually(t, func() bool { return c.UITasks.Len() == 25 }, 5*time.Second, time.Millisecond)
	assert.False(t, c.CancelTask(fired), "cancel after fire is a no-op")

	require.NoError(t, c.PostEvent(func(*testApp, any, any) {}, nil, nil))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Zero(t, c.UITasks.Len())
	assert.Zero(t, c.BackendTasks.Len())
	for _, h := range handles[:25] {
		assert.False(t, c.CancelTask(h))
	}
	assert.False(t, c.Backend.Alive())
	assert.False(t, c.UI.Alive())
	assert.ErrorIs(t, c.PostEvent(func(*testApp, any, any) {}, nil, nil), ErrQueueClosed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Events.WaitIdle(ctx))
	assert.Zero(t, c.Events.Live())
	assert.Empty(t, v.all())
}

func TestCoordinator_CloseBusy(t *testing.T) {
	backend := startLoop(t)
	ui := startLoop(t)
	v := &violations{}
	c, err := NewCoordinator(&testApp{}, backend, ui, WithViolationHandler(v.handle))
	require.NoError(t, err)

	h, err := c.ScheduleTask(time.Hour, func() bool { return false })
	require.NoError(t, err)

	c.BridgeLock()
	err = c.Close()
	assert.ErrorIs(t, err, ErrBridgeBusy)
	assert.Contains(t, err.Error(), "ui")

	// nothing was torn down
	assert.True(t, c.UI.Alive())
	assert.True(t, c.Backend.Alive())
	assert.True(t, c.uiAdapter.Alive())
	assert.True(t, c.backendAdapter.Alive())
	assert.Equal(t, 1, c.UITasks.Len())
	ran := make(chan struct{})
	require.NoError(t, c.PostEvent(func(*testApp, any, any) { close(ran) }, nil, nil))

	c.BridgeUnlock()
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("event posted after a busy close did not run")
	}
	assert.True(t, c.BridgeCall(func() bool { return true }))
	assert.True(t, c.CancelTask(h))

	require.NoError(t, c.Close())
	assert.False(t, c.UI.Alive())
	assert.False(t, c.Backend.Alive())
	assert.Empty(t, v.all())
}

func TestCoordinator_CloseConcurrent(t *testing.T) {
	var logs logBuffer
	c, v := newCoordinator(t, WithLogger(newTestLogger(&logs)))
	for i := 0; i < 10; i++ {
		_, err := c.ScheduleTask(time.Hour, func() bool { return false })
		require.NoError(t, err)
	}

	const n = 8
	errs := make(chan error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- c.Close()
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, strings.Count(logs.String(), "loopbridge: coordinator closed"))
	assert.Zero(t, c.UITasks.Len())
	assert.False(t, c.UI.Alive())
	assert.False(t, c.Backend.Alive())
	assert.Empty(t, v.all())
}

func TestCoordinator_ReentrantCallBeforeFirstServe(t *testing.T) {
	backend := startLoop(t)
	ui := startLoop(t)
	v := &violations{}
	c, err := NewCoordinator(&testApp{}, backend, ui, WithViolationHandler(v.handle))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Close()) })

	for _, tc := range []struct {
		name string
		loop Submitter
		b    *Bridge
	}{
		{"ui", ui, c.UI},
		{"backend", backend, c.Backend},
	} {
		done := make(chan any, 1)
		require.NoError(t, tc.loop.Submit(func() {
			done <- capturePanic(func() { tc.b.Do(func() bool { return true }) })
		}))
		select {
		case r := <-done:
			require.IsType(t, &ProtocolError{}, r, tc.name)
			assert.ErrorIs(t, r.(error), ErrReentrantCall, tc.name)
			assert.Equal(t, tc.name, r.(*ProtocolError).Bridge)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s loop deadlocked calling its own bridge", tc.name)
		}
	}

	assert.Len(t, v.all(), 2)
	// both bridges still serve other goroutines
	assert.True(t, c.UI.Do(func() bool { return true }))
	assert.True(t, c.BridgeCall(func() bool { return true }))
}

func TestCoordinator_WithState(t *testing.T) {
	c, _ := newCoordinator(t)
	c.WithState(func(app *testApp) { app.counter = 3 })
	assert.Equal(t, 3, c.App().counter)
}

func TestNewCoordinator_Invalid(t *testing.T) {
	loop := startLoop(t)
	_, err := NewCoordinator[int](0, nil, loop)
	assert.ErrorIs(t, err, ErrInvalidOption)
	_, err = NewCoordinator[int](0, loop, loop, WithPollInterval(-1))
	assert.ErrorIs(t, err, ErrInvalidOption)
}
