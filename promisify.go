package asyncmix

import (
	"context"
	"sync/atomic"
)

// Promisify wraps a callback-style asynchronous API as a promise producer.
//
// Each call of the returned function creates a fresh promise, hands fn a
// completion callback wired to it, and returns the promise. The inner
// callback is exactly-once: a second invocation is ignored and logged at
// warning level, so a misbehaving callback API cannot double-settle. A
// synchronous panic inside fn is captured as a *PanicError rejection.
//
// Promisify panics with a *TypeError if loop or fn is nil; both are wiring
// errors, not runtime conditions.
func Promisify(loop *Loop, fn func(ctx context.Context, cb Callback)) func(ctx context.Context) *Promise {
	if loop == nil {
		panic(&TypeError{Message: "asyncmix: nil loop"})
	}
	if fn == nil {
		panic(&TypeError{Message: "asyncmix: nil function"})
	}

	return func(ctx context.Context) *Promise {
		if ctx == nil {
			ctx = context.Background()
		}
		p, resolve, reject := loop.NewPromise()

		var delivered atomic.Bool
		cb := Callback(func(err error, value Result) {
			if !delivered.CompareAndSwap(false, true) {
				loop.logger.Warning().
					Uint64("promise", p.ID()).
					Log("promisified callback invoked more than once")
				return
			}
			if err != nil {
				reject(err)
				return
			}
			resolve(value)
		})

		func() {
			defer func() {
				if r := recover(); r != nil {
					if delivered.CompareAndSwap(false, true) {
						reject(&PanicError{Value: r})
					}
				}
			}()
			fn(ctx, cb)
		}()
		return p
	}
}

// Callbackify wraps a promise-style asynchronous API for callback callers.
//
// Each call of the returned function invokes fn, then routes the one
// settlement of the returned promise into cb: (nil, value) on fulfillment,
// (err, nil) on rejection. Delivery happens through the promise's handler
// machinery, so it stays on the loop goroutine, deferred past the call's
// return, and exactly-once.
//
// Callbackify panics with a *TypeError if fn is nil; the returned function
// panics likewise for a nil cb or a nil promise from fn, since without
// either there is nowhere to deliver.
func Callbackify(fn func(ctx context.Context) *Promise) func(ctx context.Context, cb Callback) {
	if fn == nil {
		panic(&TypeError{Message: "asyncmix: nil function"})
	}

	return func(ctx context.Context, cb Callback) {
		if cb == nil {
			panic(&TypeError{Message: "asyncmix: nil completion callback"})
		}
		if ctx == nil {
			ctx = context.Background()
		}
		p := fn(ctx)
		if p == nil {
			panic(&TypeError{Message: "asyncmix: nil promise"})
		}
		p.Then(
			func(v Result) (Result, error) {
				cb(nil, v)
				return nil, nil
			},
			func(reason error) (Result, error) {
				cb(reason, nil)
				return nil, nil
			},
		)
	}
}
