// Package asyncmix demonstrates, and rigorously enforces, the contract for
// mixing callback-based and promise-based asynchronous APIs on a
// single-threaded event loop.
//
// The centerpiece is [DualMode]: one callable unit of deferred work that
// completes through exactly one of two mutually exclusive interfaces per
// call, an error-first [Callback] or a [Promise] handle, selected at call
// time and never both. Everything else in the package exists so that
// contract is observable and testable in Go: a cooperative scheduler with
// explicit turns, a Promise/A+-style promise, and adapters between the two
// calling conventions.
//
// # Architecture
//
// A [Loop] runs every task, microtask, timer callback, and settlement
// delivery on the one goroutine that called [Loop.Run]. Within each
// iteration, work is serviced in a fixed order:
//
//  1. Due timer callbacks (earliest deadline first)
//  2. Internal tasks (settlement deliveries)
//  3. A bounded batch of external tasks ([Loop.Submit])
//  4. The microtask queue, drained to empty ([Loop.QueueMicrotask])
//
// [Promise] handlers run as microtasks, which is what makes settlement
// observably asynchronous: a handler never runs in the turn that attached
// it. [DualMode] marshals operation outcomes onto the loop as internal
// tasks, which is what guarantees a completion callback never runs before
// the invoking call has returned.
//
// # The Dual-Mode Contract
//
// A [DualMode] is constructed once from an [Operation] and invoked any
// number of times. Each invocation is private: fresh unit of work, fresh
// completion signal, no cross-call interference.
//
//   - [DualMode.InvokeCallback] runs callback mode: the outcome is consumed
//     entirely inside the invocation and handed to the callback exactly
//     once. The call returns nothing.
//   - [DualMode.InvokePromise] runs promise mode: the call returns the
//     handle of its own unit of work. No callback exists, so none is ever
//     invoked.
//   - [DualMode.Invoke] dispatches between the two on a [Call] descriptor,
//     using the nil-ness of the Callback field as the discriminant.
//
// # Thread Safety
//
//   - [Loop.Submit], [Loop.QueueMicrotask], timer registration, and
//     invocation entry points are safe from any goroutine.
//   - Promise settlement functions may be called from any goroutine;
//     handlers always execute on the loop goroutine.
//   - [Promise.Await] refuses to run on the loop goroutine ([ErrDeadlock])
//     because the loop cannot both block and deliver the settlement.
//
// # Usage
//
//	loop, err := asyncmix.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go loop.Run(context.Background())
//	defer loop.Shutdown(context.Background())
//
//	fetch, err := asyncmix.NewDualMode(loop, func(ctx context.Context) (asyncmix.Result, error) {
//	    return "payload", nil
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Callback mode: the call returns nothing.
//	fetch.InvokeCallback(context.Background(), func(err error, value asyncmix.Result) {
//	    fmt.Println(err, value)
//	})
//
//	// Promise mode: the call returns the handle.
//	value, err := fetch.InvokePromise(context.Background()).Await(context.Background())
//
// # Error Types
//
// Failure reasons are always error values:
//   - [TypeError]: structurally invalid API use (nil callbacks, nil
//     operations, self-resolution cycles)
//   - [PanicError]: wraps a recovered panic from an operation or handler
//   - [AggregateError]: the collective failure reported by [Loop.Any]
//   - [ErrLoopTerminated], [ErrDeadlock], [ErrGoexit], [ErrNilRejection]:
//     sentinel conditions of the runtime substrate
//
// All typed errors implement [error] and, where they carry a cause,
// errors.Unwrap.
package asyncmix
