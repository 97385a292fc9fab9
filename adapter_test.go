package loopbridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerAdapter_ServesAndDetaches(t *testing.T) {
	loop := startLoop(t)
	b, v := newTestBridge(t)
	defer b.Close()

	a, err := AttachTimer(b, loop, WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	assert.True(t, a.Alive())

	for i := 0; i < 50; i++ {
		require.True(t, b.Do(func() bool { return true }))
	}

	a.Detach()
	a.Detach()
	assert.False(t, a.Alive())
	time.Sleep(10 * time.Millisecond)

	// a signal sent after detach is never served
	var ran bool
	b.pending = &pendingCall{fn: func() bool { ran = true; return true }}
	require.NoError(t, b.rv.Send(SignalRun))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, ran)
	assert.Empty(t, v.all())
}

func TestWatchAdapter_ServesAndDetaches(t *testing.T) {
	loop := startLoop(t)
	b, v := newTestBridge(t)
	defer b.Close()

	a, err := AttachWatch(b, loop)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.True(t, b.Do(func() bool { return true }))
	}
	b.Locked(func() {})

	require.NoError(t, a.Detach())
	require.NoError(t, a.Detach())
	assert.False(t, a.Alive())

	var ran bool
	b.pending = &pendingCall{fn: func() bool { ran = true; return true }}
	require.NoError(t, b.rv.Send(SignalRun))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, ran)
	assert.Empty(t, v.all())
}

func TestAdapters_ClosedBridge(t *testing.T) {
	loop := startLoop(t)
	b, _ := newTestBridge(t)

	ta, err := AttachTimer(b, loop)
	require.NoError(t, err)
	wa, err := AttachWatch(b, loop)
	require.NoError(t, err)

	require.NoError(t, b.stop())
	assert.NotPanics(t, ta.fire)
	assert.NotPanics(t, wa.fire)
	assert.True(t, ta.Alive())

	ta.Detach()
	require.NoError(t, wa.Detach())
	require.NoError(t, b.release())
}

func TestAttach_Errors(t *testing.T) {
	b, _ := newTestBridge(t)
	defer b.Close()

	_, err := AttachTimer(b, &failingScheduler{})
	assert.ErrorContains(t, err, "attach timer")
	_, err = AttachTimer(b, newManualScheduler(), WithPollInterval(0))
	assert.ErrorIs(t, err, ErrInvalidOption)
	_, err = AttachTimer(b, newManualScheduler(), WithMaxPollInterval(-time.Millisecond))
	assert.ErrorIs(t, err, ErrInvalidOption)

	loop := startLoop(t)
	a, err := AttachWatch(b, loop)
	require.NoError(t, err)
	defer a.Detach()
	_, err = AttachWatch(b, loop)
	assert.ErrorContains(t, err, "attach watch")
}

func TestTimerAdapter_IdleBackoff(t *testing.T) {
	loop := newManualScheduler()
	b, v := newTestBridge(t)
	defer b.Close()

	a, err := AttachTimer(b, loop,
		WithPollInterval(time.Millisecond),
		WithMaxPollInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	defer a.Detach()

	next := func() time.Duration {
		t.Helper()
		p := loop.pending()
		require.Len(t, p, 1)
		return p[0].delay
	}
	require.Zero(t, next())

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		require.Equal(t, 1, loop.fireAll())
		delays = append(delays, next())
	}
	assert.Equal(t, []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		5 * time.Millisecond,
		5 * time.Millisecond,
	}, delays)

	// any wake-up, even a spurious one, resets the back-off
	require.NoError(t, b.rv.wake.Signal())
	loop.fireAll()
	assert.Zero(t, next())
	loop.fireAll()
	assert.Equal(t, time.Millisecond, next())
	assert.Empty(t, v.all())
}

func TestTimerAdapter_BackoffDisabled(t *testing.T) {
	loop := newManualScheduler()
	b, _ := newTestBridge(t)
	defer b.Close()

	a, err := AttachTimer(b, loop,
		WithPollInterval(10*time.Millisecond),
		WithMaxPollInterval(time.Millisecond),
	)
	require.NoError(t, err)
	defer a.Detach()

	for i := 0; i < 3; i++ {
		loop.fireAll()
		p := loop.pending()
		require.Len(t, p, 1)
		assert.Equal(t, 10*time.Millisecond, p[0].delay)
	}
}
