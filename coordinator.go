package loopbridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// Coordinator owns the cross-thread machinery between a backend loop and a
// UI loop, plus the shared state mutex guarding app.
//
// Backend is the bridge whose worker is the backend loop, driven by a
// [TimerAdapter]. UI is the bridge whose worker is the UI loop, driven by a
// [WatchAdapter]. Events delivers posted callbacks to the UI loop.
// BackendTasks and UITasks schedule deferred callbacks on each loop.
type Coordinator[A any] struct {
	Backend      *Bridge
	UI           *Bridge
	Events       *PostQueue[A]
	BackendTasks *Registry
	UITasks      *Registry

	app            A
	logger         *logiface.Logger[logiface.Event]
	backendAdapter *TimerAdapter
	uiAdapter      *WatchAdapter
	mu             sync.Mutex
	closeMu        sync.Mutex
	closed         bool // guarded by closeMu
}

// NewCoordinator wires up bridges, adapters, the post queue and both task
// registries. Options apply to every component. Failure to allocate a
// bridge wraps [ErrChannelCreate].
func NewCoordinator[A any](app A, backend BackendLoop, ui UILoop, opts ...Option) (c *Coordinator[A], err error) {
	if backend == nil || ui == nil {
		return nil, fmt.Errorf("%w: coordinator requires both loops", ErrInvalidOption)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	c = &Coordinator[A]{app: app, logger: cfg.logger}

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
			c = nil
		}
	}()

	named := func(name string) []Option {
		return append(append([]Option(nil), opts...), WithName(name))
	}

	if c.Backend, err = NewBridge(named("backend")...); err != nil {
		return
	}
	cleanup = append(cleanup, func() { _ = c.Backend.Close() })

	if c.UI, err = NewBridge(named("ui")...); err != nil {
		return
	}
	cleanup = append(cleanup, func() { _ = c.UI.Close() })

	if c.Events, err = NewPostQueue[A](app, &c.mu, ui, opts...); err != nil {
		return
	}

	if c.BackendTasks, err = NewRegistry(backend, named("backend")...); err != nil {
		return
	}
	if c.UITasks, err = NewRegistry(ui, named("ui")...); err != nil {
		return
	}

	if c.backendAdapter, err = AttachTimer(c.Backend, backend, opts...); err != nil {
		return
	}
	cleanup = append(cleanup, c.backendAdapter.Detach)

	if c.uiAdapter, err = AttachWatch(c.UI, ui); err != nil {
		return
	}

	return c, nil
}

// App returns the application handle. Access its state via WithState.
func (c *Coordinator[A]) App() A { return c.app }

// WithState runs fn while holding the shared state mutex. It must not be
// called from inside a posted event, or around BridgeCall/BridgeLock.
func (c *Coordinator[A]) WithState(fn func(app A)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.app)
}

// BridgeCall runs fn on the backend loop, blocking until it has run. See
// [Bridge.Do].
func (c *Coordinator[A]) BridgeCall(fn func() bool) bool {
	return c.Backend.Do(fn)
}

// BridgeLock parks the UI loop, for exclusive access to UI state from the
// backend. See [Bridge.Lock].
func (c *Coordinator[A]) BridgeLock() {
	c.UI.Lock()
}

// BridgeUnlock ends a session started by BridgeLock.
func (c *Coordinator[A]) BridgeUnlock() {
	c.UI.Unlock()
}

// PostEvent runs event on the UI loop, under the shared state mutex.
func (c *Coordinator[A]) PostEvent(event EventFunc[A], ctx, msg any) error {
	return c.Events.Post(event, ctx, msg)
}

// ScheduleTask schedules fn on the UI loop, see [Registry.Schedule].
func (c *Coordinator[A]) ScheduleTask(delay time.Duration, fn TaskFunc) (TaskHandle, error) {
	return c.UITasks.Schedule(delay, fn)
}

// CancelTask cancels a task scheduled by ScheduleTask.
func (c *Coordinator[A]) CancelTask(h TaskHandle) bool {
	return c.UITasks.Cancel(h)
}

// Close stops both bridges, then tears down in order: stop posting, cancel
// every task, detach the adapters, and finally release the channels. If a
// bridge has a call or lock session in flight it returns [ErrBridgeBusy]
// with nothing torn down, and may be retried. Concurrent calls are
// serialized, and only the first successful one tears down.
func (c *Coordinator[A]) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}

	if err := stopBridges(c.Backend, c.UI); err != nil {
		return err
	}
	c.closed = true

	c.Events.Close()
	cancelled := c.BackendTasks.CancelAll() + c.UITasks.CancelAll()

	c.backendAdapter.Detach()
	err := errors.Join(
		c.uiAdapter.Detach(),
		c.Backend.release(),
		c.UI.release(),
	)

	c.logger.Debug().
		Int("cancelled_tasks", cancelled).
		Log("loopbridge: coordinator closed")
	return err
}
