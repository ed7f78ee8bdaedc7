package asyncmix

import (
	"sync"
	"sync/atomic"
)

// All returns a promise that fulfills when every input promise fulfills,
// with a []Result of values in input order. It rejects as soon as any input
// rejects, with that promise's reason.
//
// An empty input fulfills immediately with an empty slice.
func (l *Loop) All(promises []*Promise) *Promise {
	result, resolve, reject := l.NewPromise()

	if len(promises) == 0 {
		resolve(make([]Result, 0))
		return result
	}

	var mu sync.Mutex
	var completed atomic.Int32
	var rejected atomic.Bool
	values := make([]Result, len(promises))

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) (Result, error) {
				mu.Lock()
				values[idx] = v
				mu.Unlock()
				if completed.Add(1) == int32(len(promises)) && !rejected.Load() {
					resolve(values)
				}
				return nil, nil
			},
			func(reason error) (Result, error) {
				if rejected.CompareAndSwap(false, true) {
					reject(reason)
				}
				return nil, nil
			},
		)
	}
	return result
}

// AllSettled returns a promise that fulfills once every input promise has
// settled, with a []Settlement in input order. It never rejects.
//
// An empty input fulfills immediately with an empty slice.
func (l *Loop) AllSettled(promises []*Promise) *Promise {
	result, resolve, _ := l.NewPromise()

	if len(promises) == 0 {
		resolve(make([]Settlement, 0))
		return result
	}

	var mu sync.Mutex
	var completed atomic.Int32
	outcomes := make([]Settlement, len(promises))

	record := func(idx int, s Settlement) {
		mu.Lock()
		outcomes[idx] = s
		mu.Unlock()
		if completed.Add(1) == int32(len(promises)) {
			resolve(outcomes)
		}
	}

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) (Result, error) {
				record(idx, Settlement{Value: v, State: Fulfilled})
				return nil, nil
			},
			func(reason error) (Result, error) {
				record(idx, Settlement{Err: reason, State: Rejected})
				return nil, nil
			},
		)
	}
	return result
}

// Any returns a promise that fulfills with the value of the first input to
// fulfill. It rejects only when every input has rejected, with an
// [AggregateError] holding the reasons in input order.
//
// An empty input rejects immediately with an empty [AggregateError].
func (l *Loop) Any(promises []*Promise) *Promise {
	result, resolve, reject := l.NewPromise()

	if len(promises) == 0 {
		reject(&AggregateError{Message: "asyncmix: no promises were provided"})
		return result
	}

	var mu sync.Mutex
	var rejectedCount atomic.Int32
	var fulfilled atomic.Bool
	reasons := make([]error, len(promises))

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) (Result, error) {
				if fulfilled.CompareAndSwap(false, true) {
					resolve(v)
				}
				return nil, nil
			},
			func(reason error) (Result, error) {
				mu.Lock()
				reasons[idx] = reason
				mu.Unlock()
				if rejectedCount.Add(1) == int32(len(promises)) && !fulfilled.Load() {
					reject(&AggregateError{
						Message: "asyncmix: all promises were rejected",
						Errors:  reasons,
					})
				}
				return nil, nil
			},
		)
	}
	return result
}

// Race returns a promise that settles the same way as the first input to
// settle. Later settlements are ignored.
//
// An empty input returns a promise that never settles.
func (l *Loop) Race(promises []*Promise) *Promise {
	result, resolve, reject := l.NewPromise()

	if len(promises) == 0 {
		return result
	}

	var settled atomic.Bool

	for _, p := range promises {
		p.Then(
			func(v Result) (Result, error) {
				if settled.CompareAndSwap(false, true) {
					resolve(v)
				}
				return nil, nil
			},
			func(reason error) (Result, error) {
				if settled.CompareAndSwap(false, true) {
					reject(reason)
				}
				return nil, nil
			},
		)
	}
	return result
}

// Try calls fn synchronously and captures its outcome in a promise: the
// returned value on success, the returned error on failure, or a
// [PanicError] if fn panics.
func (l *Loop) Try(fn func() (Result, error)) *Promise {
	result, resolve, reject := l.NewPromise()
	if fn == nil {
		reject(&TypeError{Message: "asyncmix: nil function"})
		return result
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				reject(&PanicError{Value: r})
			}
		}()
		v, err := fn()
		if err != nil {
			reject(err)
			return
		}
		resolve(v)
	}()
	return result
}

// PromiseWithResolvers bundles a pending promise with its settlement
// functions, mirroring the ES2024 Promise.withResolvers() shape. All fields
// are safe for concurrent use.
type PromiseWithResolvers struct {
	Promise *Promise
	Resolve ResolveFunc
	Reject  RejectFunc
}

// WithResolvers creates a pending promise and returns it together with its
// resolve and reject functions, for call sites where threading three return
// values through is awkward.
func (l *Loop) WithResolvers() *PromiseWithResolvers {
	p, resolve, reject := l.NewPromise()
	return &PromiseWithResolvers{Promise: p, Resolve: resolve, Reject: reject}
}
