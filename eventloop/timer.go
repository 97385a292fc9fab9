package eventloop

import (
	"container/heap"
	"time"
)

// timer is a pending one-shot callback, owned by the loop's timer heap.
type timer struct {
	when  time.Time
	task  func()
	id    uint64
	index int // heap index, -1 once removed
}

// timerHeap is a min-heap of timers ordered by deadline, then by id so that
// timers with equal deadlines fire in scheduling order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// ScheduleTimer schedules fn to run once, on the loop goroutine, after delay.
// The returned ID may be passed to [Loop.CancelTimer]. Negative delays are
// treated as zero.
//
// Thread Safety: Safe to call from any goroutine.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (uint64, error) {
	if fn == nil {
		return 0, ErrNilCallback
	}
	if delay < 0 {
		delay = 0
	}
	return l.addTimer(time.Now().Add(delay), fn)
}

// ScheduleSeconds schedules fn with seconds granularity. Deadlines are
// rounded up to the next whole second since the loop was created, so that
// timers scheduled close together share a wakeup.
//
// Thread Safety: Safe to call from any goroutine.
func (l *Loop) ScheduleSeconds(seconds uint32, fn func()) (uint64, error) {
	if fn == nil {
		return 0, ErrNilCallback
	}
	target := time.Since(l.anchor) + time.Duration(seconds)*time.Second
	target = ((target + time.Second - 1) / time.Second) * time.Second
	return l.addTimer(l.anchor.Add(target), fn)
}

// CancelTimer cancels a pending timer. Returns [ErrTimerNotFound] if the
// timer already fired, was already cancelled, or never existed.
//
// Thread Safety: Safe to call from any goroutine, including from within a
// callback on the loop.
func (l *Loop) CancelTimer(id uint64) error {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	t, ok := l.timerIndex[id]
	if !ok {
		return ErrTimerNotFound
	}
	delete(l.timerIndex, id)
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
	return nil
}

func (l *Loop) addTimer(when time.Time, fn func()) (uint64, error) {
	if l.state.Load() == StateTerminated {
		return 0, ErrLoopTerminated
	}

	l.timerMu.Lock()
	l.nextTimerID++
	t := &timer{when: when, task: fn, id: l.nextTimerID}
	heap.Push(&l.timers, t)
	l.timerIndex[t.id] = t
	earliest := l.timers[0] == t
	l.timerMu.Unlock()

	if earliest {
		// a sleeping loop needs to recompute its poll timeout
		l.wakeup()
	}
	return t.id, nil
}

// runTimers fires every timer due as of the start of the call. Timers
// scheduled by the fired callbacks run on a later tick.
func (l *Loop) runTimers() {
	now := time.Now()
	l.timerMu.Lock()
	budget := len(l.timers)
	l.timerMu.Unlock()

	for ; budget > 0; budget-- {
		l.timerMu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(now) {
			l.timerMu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*timer)
		delete(l.timerIndex, t.id)
		l.timerMu.Unlock()

		l.safeExecute(t.task)
	}
}

// nextTimeout returns the poll timeout, in milliseconds, until the next
// timer is due, capped at maxPollTimeout. Deadlines are rounded up, so the
// loop never wakes early.
func (l *Loop) nextTimeout() int {
	maxDelay := l.maxPollTimeout
	l.timerMu.Lock()
	if len(l.timers) != 0 {
		if d := time.Until(l.timers[0].when); d < maxDelay {
			maxDelay = max(d, 0)
		}
	}
	l.timerMu.Unlock()
	return int((maxDelay + time.Millisecond - 1) / time.Millisecond)
}

func (l *Loop) pendingTimers() int {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	return len(l.timers)
}
