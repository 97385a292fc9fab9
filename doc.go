// Package loopbridge coordinates two independently scheduled run-loops, a
// backend (networking/protocol) loop and a UI loop, each driven by its own
// goroutine, neither of which may call directly into the other.
//
// # Primitives
//
//   - [Bridge]: a synchronous call bridge. [Bridge.Do] runs a function on the
//     worker loop and blocks until it has run exactly once.
//     [Bridge.Lock] / [Bridge.Unlock] park the worker loop at its normal
//     signal-handling point for an arbitrary duration.
//   - [PostQueue]: fire-and-forget marshaling of callbacks onto the UI loop,
//     each run while holding the shared state mutex.
//   - [Registry]: an application-owned registry of deferred and recurring
//     callbacks, addressed by generation-checked [TaskHandle] values.
//   - [AttachTimer] / [AttachWatch]: loop adapters, which register a bridge's
//     wake descriptor with a concrete run-loop.
//   - [Coordinator]: owns all of the above, plus the shared state mutex, and
//     tears them down in a safe order.
//
// # Loops
//
// The core depends only on four loop primitives, see [TimerScheduler],
// [FDWatcher], [Submitter] and [SecondsScheduler]. The eventloop sub-package
// provides a run-loop implementing all of them.
//
// # Rules
//
// The shared state mutex must never be held across [Bridge.Do] or
// [Bridge.Lock]: the worker may need the same mutex before it can
// acknowledge. A [Bridge] has a single logical controller; calls from the
// worker goroutine, or from the goroutine holding a lock session, are
// protocol violations. Protocol violations are bugs, and terminate the
// process by default, see [WithViolationHandler].
package loopbridge
