// Package eventloop provides a small, cooperative, single-goroutine run-loop
// with timers, deferred calls and I/O readiness callbacks.
//
// # Architecture
//
// A [Loop] owns one goroutine (locked to its OS thread for the duration of
// [Loop.Run]) and executes, on every tick:
//
//  1. Expired timers (earliest deadline first)
//  2. Deferred calls submitted via [Loop.Submit], FIFO, bounded per tick
//  3. A poll for I/O readiness (epoll on Linux, kqueue on Darwin), blocking
//     until the next timer deadline when there is nothing else to do
//
// Only one callback runs at a time. Callbacks must not block.
//
// # Loop Primitives
//
// The loop exposes the primitives a cross-thread bridge needs from the run-loop
// it controls:
//
//   - [Loop.ScheduleTimer] / [Loop.CancelTimer]: one-shot delayed callbacks
//   - [Loop.ScheduleSeconds]: seconds-granularity timers, coalesced onto
//     whole-second boundaries
//   - [Loop.Submit]: zero-delay deferred calls
//   - [Loop.WatchFD] / [Loop.RearmFD] / [Loop.UnwatchFD]: one-shot read
//     watches, which must be re-armed after every firing
//
// # Thread Safety
//
// Every exported method is safe to call from any goroutine. Cancelling a timer
// never blocks on the loop.
//
// # Usage
//
//	loop, err := eventloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	_, _ = loop.ScheduleTimer(100*time.Millisecond, func() {
//	    fmt.Println("Hello after 100ms")
//	    go loop.Shutdown(context.Background())
//	})
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package eventloop
