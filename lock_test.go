package loopbridge

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_LockBracketsCalls(t *testing.T) {
	c, v := newCoordinator(t)

	c.Backend.Lock()
	assert.Equal(t, Locked, c.Backend.LockState())

	returned := make(chan time.Time, 1)
	go func() {
		c.Backend.Do(func() bool { return true })
		returned <- time.Now()
	}()

	select {
	case <-returned:
		t.Fatal("call returned while locked")
	case <-time.After(50 * time.Millisecond):
	}

	unlockAt := time.Now()
	c.Backend.Unlock()
	assert.Equal(t, Unlocked, c.Backend.LockState())

	select {
	case at := <-returned:
		assert.True(t, at.After(unlockAt))
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return after unlock")
	}
	assert.Empty(t, v.all())
}

func TestBridge_LockParksWorker(t *testing.T) {
	c, _ := newCoordinator(t)

	var ran atomic.Bool
	c.Backend.Locked(func() {
		_, err := c.BackendTasks.Schedule(0, func() bool {
			ran.Store(true)
			return false
		})
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
		assert.False(t, ran.Load(), "backend loop ran a task while parked")
	})
	require.Eventually(t, ran.Load, 5*time.Second, time.Millisecond)
}

func TestBridge_LockSessionsSequential(t *testing.T) {
	c, v := newCoordinator(t)
	for i := 0; i < 20; i++ {
		c.UI.Locked(func() {})
		assert.True(t, c.UI.Do(func() bool { return true }))
	}
	assert.Equal(t, uint64(20), c.UI.sessionSeq.Load())
	assert.Empty(t, v.all())
}

func TestBridge_UnpairedUnlock(t *testing.T) {
	b, v := newTestBridge(t)
	defer b.Close()

	r := capturePanic(b.Unlock)
	require.IsType(t, &ProtocolError{}, r)
	assert.ErrorIs(t, r.(error), ErrNotLocked)
	assert.Equal(t, "unlock", r.(*ProtocolError).Op)
	assert.Len(t, v.all(), 1)
}

func TestBridge_ReentrantFromLockHolder(t *testing.T) {
	c, v := newCoordinator(t)

	c.UI.Lock()
	r := capturePanic(func() { c.UI.Do(func() bool { return true }) })
	r2 := capturePanic(c.UI.Lock)
	c.UI.Unlock()

	require.NotNil(t, r)
	assert.ErrorIs(t, r.(error), ErrReentrantCall)
	require.NotNil(t, r2)
	assert.ErrorIs(t, r2.(error), ErrReentrantCall)
	assert.Len(t, v.all(), 2)
	assert.True(t, c.UI.Do(func() bool { return true }))
}

func TestBridge_LockWatchdog(t *testing.T) {
	var logs logBuffer
	b, v := newTestBridge(t,
		WithLogger(newTestLogger(&logs)),
		WithLockTimeout(60*time.Millisecond),
		WithLockWarnInterval(10*time.Millisecond),
	)

	locked := make(chan struct{})
	go func() {
		b.Lock()
		close(locked)
	}()
	waitReady(t, b)

	start := time.Now()
	r := capturePanic(func() { b.Serve(nil) })
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	<-locked

	require.IsType(t, &ProtocolError{}, r)
	assert.ErrorIs(t, r.(error), ErrLockTimeout)
	assert.Len(t, v.all(), 1)
	assert.Contains(t, logs.String(), "worker parked in lock session")
}

func TestBridge_UnlockStateFollowsAck(t *testing.T) {
	b, v := newTestBridge(t)
	defer b.Close()

	unlocked := make(chan struct{})
	go func() {
		defer close(unlocked)
		b.Lock()
		b.Unlock()
	}()
	waitReady(t, b)

	// rearm runs after the worker leaves the session but before it acks
	var resuming LockState
	b.Serve(func() error {
		resuming = b.LockState()
		return nil
	})
	<-unlocked

	assert.Equal(t, Locked, resuming)
	assert.Equal(t, Unlocked, b.LockState())

	r := capturePanic(b.Unlock)
	require.IsType(t, &ProtocolError{}, r)
	assert.ErrorIs(t, r.(error), ErrNotLocked)
	assert.Len(t, v.all(), 1)
}
