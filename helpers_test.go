package loopbridge

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-loopbridge/eventloop"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLoop runs a reference loop until test cleanup.
func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New()
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Shutdown(ctx)
		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-ctx.Done():
			t.Error("loop did not stop")
		}
	})
	return loop
}

type testApp struct {
	seen    []int
	counter int
}

// newCoordinator starts a backend and a UI loop, and a coordinator over
// them, closed at cleanup. Violations are recorded rather than fatal.
func newCoordinator(t *testing.T, opts ...Option) (*Coordinator[*testApp], *violations) {
	t.Helper()
	backend := startLoop(t)
	ui := startLoop(t)
	v := &violations{}
	c, err := NewCoordinator(&testApp{}, backend, ui, append([]Option{WithViolationHandler(v.handle)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, c.Close())
	})
	return c, v
}

// violations records protocol violations.
type violations struct {
	errs []error
	mu   sync.Mutex
}

func (v *violations) handle(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errs = append(v.errs, err)
}

func (v *violations) all() []error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]error(nil), v.errs...)
}

func capturePanic(fn func()) (r any) {
	defer func() { r = recover() }()
	fn()
	return nil
}

// waitReady blocks until a signal is pending on b.
func waitReady(t *testing.T, b *Bridge) {
	t.Helper()
	require.Eventually(t, func() bool {
		ready, err := b.rv.Ready()
		return err == nil && ready
	}, 5*time.Second, time.Millisecond)
}

// logBuffer is a goroutine safe log sink.
type logBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (x *logBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *logBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w *logBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
}
