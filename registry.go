package loopbridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// TaskFunc is a deferred callback. Returning true schedules it again, after
// the same delay.
type TaskFunc func() bool

// TaskHandle identifies a task in a [Registry]: the slot index plus one in
// the low 32 bits, the slot generation in the high 32 bits. The zero value
// is never a valid handle.
type TaskHandle uint64

func makeHandle(index, gen uint32) TaskHandle {
	return TaskHandle(uint64(gen)<<32 | uint64(index+1))
}

func (h TaskHandle) index() (uint32, bool) {
	low := uint32(h)
	return low - 1, low != 0
}

func (h TaskHandle) generation() uint32 {
	return uint32(h >> 32)
}

// Registry tracks deferred callbacks scheduled on one loop, so that they can
// be cancelled individually or all at once. Handles are generation checked,
// so a stale handle never cancels a newer task occupying the same slot.
type Registry struct {
	loop    TimerScheduler
	seconds SecondsScheduler
	logger  *logiface.Logger[logiface.Event]
	metrics *Metrics
	name    string

	slots []taskSlot
	free  []uint32
	live  int
	mu    sync.Mutex
}

type taskSlot struct {
	fn         TaskFunc
	delay      time.Duration
	timerID    uint64
	gen        uint32
	seconds    uint32
	useSeconds bool
	active     bool
}

// NewRegistry creates a registry scheduling on loop. If loop implements
// [SecondsScheduler], ScheduleSeconds uses it. [WithName] names the
// registry in logs and metrics.
func NewRegistry(loop TimerScheduler, opts ...Option) (*Registry, error) {
	if loop == nil {
		return nil, fmt.Errorf("%w: registry requires a loop", ErrInvalidOption)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		loop:    loop,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		name:    cfg.name,
	}
	if r.name == "" {
		r.name = "tasks"
	}
	r.seconds, _ = loop.(SecondsScheduler)
	return r, nil
}

// Schedule runs fn on the loop after delay, again after each delay for as
// long as it returns true.
func (r *Registry) Schedule(delay time.Duration, fn TaskFunc) (TaskHandle, error) {
	return r.schedule(taskSlot{fn: fn, delay: delay})
}

// ScheduleSeconds is Schedule with seconds granularity.
func (r *Registry) ScheduleSeconds(seconds uint32, fn TaskFunc) (TaskHandle, error) {
	return r.schedule(taskSlot{fn: fn, seconds: seconds, useSeconds: true})
}

// ScheduleTask schedules fn(arg), see [Registry.Schedule].
func ScheduleTask[T any](r *Registry, delay time.Duration, fn func(T) bool, arg T) (TaskHandle, error) {
	if fn == nil {
		return 0, ErrNilFunc
	}
	return r.Schedule(delay, func() bool { return fn(arg) })
}

func (r *Registry) schedule(task taskSlot) (TaskHandle, error) {
	if task.fn == nil {
		return 0, ErrNilFunc
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = uint32(len(r.slots))
		r.slots = append(r.slots, taskSlot{gen: 1})
	}
	slot := &r.slots[index]
	task.gen = slot.gen
	task.active = true
	*slot = task
	h := makeHandle(index, slot.gen)

	if err := r.armLocked(h, slot); err != nil {
		r.freeLocked(index)
		return 0, fmt.Errorf("loopbridge: schedule task: %w", err)
	}

	r.live++
	r.metrics.setLiveTasks(r.name, r.live)
	return h, nil
}

// armLocked starts the timer for a slot. The lock is held across the call,
// so the timer cannot fire before its id is recorded.
func (r *Registry) armLocked(h TaskHandle, slot *taskSlot) error {
	fire := func() { r.fire(h) }
	var (
		id  uint64
		err error
	)
	if slot.useSeconds && r.seconds != nil {
		id, err = r.seconds.ScheduleSeconds(slot.seconds, fire)
	} else if slot.useSeconds {
		id, err = r.loop.ScheduleTimer(time.Duration(slot.seconds)*time.Second, fire)
	} else {
		id, err = r.loop.ScheduleTimer(slot.delay, fire)
	}
	if err != nil {
		return err
	}
	slot.timerID = id
	return nil
}

// lookupLocked returns the live slot for h, if any.
func (r *Registry) lookupLocked(h TaskHandle) (*taskSlot, uint32, bool) {
	index, ok := h.index()
	if !ok || int(index) >= len(r.slots) {
		return nil, 0, false
	}
	slot := &r.slots[index]
	if !slot.active || slot.gen != h.generation() {
		return nil, 0, false
	}
	return slot, index, true
}

// freeLocked clears a slot and bumps its generation, invalidating handles.
func (r *Registry) freeLocked(index uint32) {
	slot := &r.slots[index]
	gen := slot.gen + 1
	if gen == 0 {
		gen = 1
	}
	*slot = taskSlot{gen: gen}
	r.free = append(r.free, index)
}

func (r *Registry) fire(h TaskHandle) {
	r.mu.Lock()
	slot, _, ok := r.lookupLocked(h)
	if !ok {
		r.mu.Unlock()
		return
	}
	fn := slot.fn
	r.mu.Unlock()

	r.metrics.recordTaskFired(r.name)
	again := r.invoke(h, fn)

	r.mu.Lock()
	defer r.mu.Unlock()
	// cancelled while running
	slot, index, ok := r.lookupLocked(h)
	if !ok {
		return
	}
	if again {
		err := r.armLocked(h, slot)
		if err == nil {
			return
		}
		r.logger.Err().
			Str("registry", r.name).
			Uint64("handle", uint64(h)).
			Err(err).
			Log("loopbridge: failed to reschedule task")
	}
	r.freeLocked(index)
	r.live--
	r.metrics.setLiveTasks(r.name, r.live)
}

func (r *Registry) invoke(h TaskHandle, fn TaskFunc) (again bool) {
	defer func() {
		if v := recover(); v != nil {
			again = false
			if allowLog(r.name, "task-panic") {
				r.logger.Err().
					Str("registry", r.name).
					Uint64("handle", uint64(h)).
					Any("panic", v).
					Log("loopbridge: task panicked")
			}
		}
	}()
	return fn()
}

// Cancel cancels a live task, returning true if it was. Handles that have
// fired, been cancelled, or are otherwise stale return false. Cancel never
// blocks on the loop, and may be called from within the task itself.
func (r *Registry) Cancel(h TaskHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, index, ok := r.lookupLocked(h)
	if !ok {
		return false
	}
	// fails if the timer is firing now; fire observes the freed slot
	_ = r.loop.CancelTimer(slot.timerID)
	r.freeLocked(index)
	r.live--
	r.metrics.setLiveTasks(r.name, r.live)
	return true
}

// CancelAll cancels every live task, returning how many were.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.slots {
		slot := &r.slots[i]
		if !slot.active {
			continue
		}
		_ = r.loop.CancelTimer(slot.timerID)
		r.freeLocked(uint32(i))
		n++
	}
	r.live -= n
	r.metrics.setLiveTasks(r.name, r.live)
	if n > 0 {
		r.logger.Debug().
			Str("registry", r.name).
			Int("cancelled", n).
			Log("loopbridge: cancelled all tasks")
	}
	return n
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}
