package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-loopbridge"
	"github.com/joeycumines/logiface"
)

var (
	// ErrSoakFailed is returned when a round observes an incorrect outcome.
	ErrSoakFailed = errors.New("loopbridge-soak: soak failed")
	// ErrRoundTimeout is returned when a round does not finish within
	// soak.timeout, which indicates a deadlock.
	ErrRoundTimeout = errors.New("loopbridge-soak: round timed out")
)

// soakState is the application state shared between the loops. calls is
// only touched by functions run on the backend loop via BridgeCall. The
// remaining fields are guarded by the coordinator mutex.
type soakState struct {
	calls int

	delivered  []int
	inLock     bool
	unlockedAt time.Time
	lockEvents int
	early      int
	breaches   int
}

// roundResult summarises one round.
type roundResult struct {
	Calls          int
	Delivered      int
	Duplicates     int
	LockEvents     int
	EarlyEvents    int
	Breaches       int
	TasksFired     int64
	TasksCancelled int
	Elapsed        time.Duration
}

func (r roundResult) check(cfg SoakConfig, prevCalls int) error {
	var errs []error
	if got := r.Calls - prevCalls; got != cfg.Calls {
		errs = append(errs, fmt.Errorf("bridge calls: got %d want %d", got, cfg.Calls))
	}
	if r.Delivered != cfg.Events || r.Duplicates != 0 {
		errs = append(errs, fmt.Errorf("events: delivered %d of %d, %d duplicates", r.Delivered, cfg.Events, r.Duplicates))
	}
	if r.LockEvents != cfg.Locks {
		errs = append(errs, fmt.Errorf("lock events: got %d want %d", r.LockEvents, cfg.Locks))
	}
	if r.EarlyEvents != 0 {
		errs = append(errs, fmt.Errorf("%d events ran before their unlock", r.EarlyEvents))
	}
	if r.Breaches != 0 {
		errs = append(errs, fmt.Errorf("%d events ran inside a lock session", r.Breaches))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrSoakFailed, err)
	}
	return nil
}

type soaker struct {
	cfg    SoakConfig
	coord  *loopbridge.Coordinator[*soakState]
	logger *logiface.Logger[logiface.Event]
}

// Run executes cfg.Rounds rounds, stopping at the first failure. Each round
// is bounded by cfg.Timeout. A round that times out leaves its goroutines
// blocked, so the caller is expected to exit.
func (s *soaker) Run(ctx context.Context) error {
	for round := 1; round <= s.cfg.Rounds; round++ {
		if err := s.round(ctx, round); err != nil {
			return err
		}
		if s.cfg.Interval > 0 && round < s.cfg.Rounds {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.Interval):
			}
		}
	}
	return nil
}

func (s *soaker) round(ctx context.Context, round int) error {
	var prevCalls int
	s.coord.WithState(func(st *soakState) {
		prevCalls = st.calls
		st.delivered = make([]int, s.cfg.Events)
		st.lockEvents, st.early, st.breaches = 0, 0, 0
	})

	start := time.Now()
	done := make(chan error, 1)
	var fired atomic.Int64
	var cancelled int
	go func() {
		var err error
		cancelled, err = s.exercise(&fired)
		done <- err
	}()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-timer.C:
		return fmt.Errorf("%w: round %d after %s", ErrRoundTimeout, round, s.cfg.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	idleCtx, cancel := context.WithDeadline(ctx, start.Add(s.cfg.Timeout))
	defer cancel()
	if err := s.coord.Events.WaitIdle(idleCtx); err != nil {
		return fmt.Errorf("%w: round %d: waiting for events: %w", ErrRoundTimeout, round, err)
	}
	if err := s.waitTasks(idleCtx); err != nil {
		return fmt.Errorf("%w: round %d: waiting for tasks: %w", ErrRoundTimeout, round, err)
	}

	result := roundResult{
		TasksFired:     fired.Load(),
		TasksCancelled: cancelled,
		Elapsed:        time.Since(start),
	}
	// calls is written on the backend loop, read it there too
	s.coord.BridgeCall(func() bool {
		result.Calls = s.coord.App().calls
		return true
	})
	s.coord.WithState(func(st *soakState) {
		for _, n := range st.delivered {
			if n > 0 {
				result.Delivered++
			}
			if n > 1 {
				result.Duplicates++
			}
		}
		result.LockEvents = st.lockEvents
		result.EarlyEvents = st.early
		result.Breaches = st.breaches
	})

	s.logger.Info().
		Int("round", round).
		Int("calls", result.Calls-prevCalls).
		Int("events", result.Delivered).
		Int("locks", result.LockEvents).
		Int("tasks_fired", int(result.TasksFired)).
		Int("tasks_cancelled", result.TasksCancelled).
		Dur("elapsed", result.Elapsed).
		Log("loopbridge-soak: round complete")

	return result.check(s.cfg, prevCalls)
}

// exercise drives every scenario of one round: bridge calls concurrent with
// posted events, then lock sessions with a post made while locked, then
// scheduled and cancelled tasks.
func (s *soaker) exercise(fired *atomic.Int64) (cancelled int, err error) {
	app := s.coord.App()

	posted := make(chan error, 1)
	go func() {
		for i := 0; i < s.cfg.Events; i++ {
			if err := s.coord.PostEvent(deliver, nil, i); err != nil {
				posted <- err
				return
			}
		}
		posted <- nil
	}()
	for i := 0; i < s.cfg.Calls; i++ {
		s.coord.BridgeCall(func() bool {
			app.calls++
			return true
		})
	}
	if err := <-posted; err != nil {
		return 0, err
	}

	for i := 0; i < s.cfg.Locks; i++ {
		if err := s.lockThenPost(i); err != nil {
			return 0, err
		}
	}

	for i := 0; i < s.cfg.Tasks; i++ {
		h, err := s.coord.ScheduleTask(time.Duration(i%10)*time.Millisecond, func() bool {
			fired.Add(1)
			return false
		})
		if err != nil {
			return cancelled, err
		}
		if i%2 == 1 && s.coord.CancelTask(h) {
			cancelled++
		}
	}

	// recurring on the backend registry, three firings
	var remaining atomic.Int32
	remaining.Store(3)
	if _, err := s.coord.BackendTasks.Schedule(time.Millisecond, func() bool {
		return remaining.Add(-1) > 0
	}); err != nil {
		return cancelled, err
	}

	return cancelled, nil
}

func (s *soaker) lockThenPost(i int) error {
	s.coord.BridgeLock()
	s.coord.WithState(func(st *soakState) { st.inLock = true })
	err := s.coord.PostEvent(afterUnlock, nil, i)
	s.coord.WithState(func(st *soakState) {
		st.inLock = false
		st.unlockedAt = time.Now()
	})
	s.coord.BridgeUnlock()
	return err
}

func (s *soaker) waitTasks(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for s.coord.UITasks.Len() != 0 || s.coord.BackendTasks.Len() != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// teardown leaves n long-running tasks outstanding on each registry, then
// closes the coordinator, which must cancel every one of them.
func (s *soaker) teardown(n int) error {
	for i := 0; i < n; i++ {
		if _, err := s.coord.ScheduleTask(time.Hour, func() bool { return false }); err != nil {
			return err
		}
		if _, err := s.coord.BackendTasks.Schedule(time.Hour, func() bool { return false }); err != nil {
			return err
		}
	}
	if err := s.coord.Close(); err != nil {
		return err
	}
	if live := s.coord.UITasks.Len() + s.coord.BackendTasks.Len(); live != 0 {
		return fmt.Errorf("%w: %d tasks live after close", ErrSoakFailed, live)
	}
	if live := s.coord.Events.Live(); live != 0 {
		return fmt.Errorf("%w: %d events live after close", ErrSoakFailed, live)
	}
	return nil
}

func deliver(st *soakState, _, msg any) {
	if st.inLock {
		st.breaches++
	}
	if i := msg.(int); i < len(st.delivered) {
		st.delivered[i]++
	}
}

func afterUnlock(st *soakState, _, _ any) {
	if st.inLock {
		st.breaches++
	}
	if st.unlockedAt.IsZero() || st.unlockedAt.After(time.Now()) {
		st.early++
	}
	st.lockEvents++
}
