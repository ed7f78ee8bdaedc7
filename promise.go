package asyncmix

import (
	"context"
	"sync"
	"sync/atomic"
)

// Result represents the value carried by a fulfilled promise or passed to a
// success continuation. It can be any type; failure reasons are always error
// values and travel on a separate channel of every API.
type Result = any

// PromiseState represents the lifecycle state of a [Promise]. A promise
// starts Pending and transitions exactly once to Fulfilled or Rejected.
type PromiseState int32

const (
	// Pending indicates the promise has not settled yet.
	Pending PromiseState = iota

	// Fulfilled indicates the promise completed successfully with a value.
	Fulfilled

	// Rejected indicates the promise failed with an error.
	Rejected
)

// String implements fmt.Stringer.
func (s PromiseState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Fulfilled:
		return "Fulfilled"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// ResolveFunc fulfills a promise with a value. Only the first settlement of
// a promise has an effect. Can be called from any goroutine.
type ResolveFunc func(Result)

// RejectFunc rejects a promise with an error. A nil error is coerced to
// [ErrNilRejection] so a rejected promise always carries a non-nil reason.
// Only the first settlement has an effect. Can be called from any goroutine.
type RejectFunc func(error)

// RejectionHandler is invoked on the loop goroutine for promises that are
// rejected and still have no rejection handler attached by the time the
// check runs. Install one via [WithUnhandledRejection].
type RejectionHandler func(p *Promise, reason error)

// Settlement is the terminal outcome of a promise, as delivered by
// [Promise.ToChannel] and [AllSettled].
type Settlement struct {
	// Value is the fulfillment value. Zero when State is Rejected.
	Value Result
	// Err is the rejection reason. Nil when State is Fulfilled.
	Err error
	// State is Fulfilled or Rejected, never Pending.
	State PromiseState
}

// Promise is a single-settlement container bound to a [Loop].
//
// Continuations attached via [Promise.Then], [Promise.Catch], and
// [Promise.Finally] always execute as microtasks on the loop goroutine, in
// a later iteration than the code that attached them. Settlement functions
// may be called from any goroutine.
type Promise struct {
	loop *Loop

	// result and reason hold the settlement, written once under mu before
	// the state store publishes them.
	result Result
	reason error

	// h0 is the first handler, embedded to avoid a slice allocation for
	// the common single-continuation chain.
	h0       handler
	handlers []handler

	// channels holds ToChannel subscribers registered while pending.
	channels []chan Settlement

	state atomic.Int32

	mu      sync.Mutex
	h0Used  bool
	handled bool // a continuation consumed (or will consume) any rejection

	id uint64
}

// handler is a reaction to promise settlement. A handler with nil callbacks
// passes the settlement through to target unchanged (state adoption).
type handler struct {
	onFulfilled func(Result) (Result, error)
	onRejected  func(error) (Result, error)
	target      *Promise
}

// NewPromise creates a pending promise bound to the loop, along with its
// resolve and reject functions.
//
// The promise is tracked until it settles; if the loop terminates first, it
// is rejected with [ErrLoopTerminated].
func (l *Loop) NewPromise() (*Promise, ResolveFunc, RejectFunc) {
	p := &Promise{loop: l}
	p.state.Store(int32(Pending))
	p.id = l.registry.register(p)
	l.metrics.incPromisesCreated()

	resolve := func(value Result) { p.resolve(value) }
	reject := func(reason error) { p.reject(reason) }
	return p, resolve, reject
}

// Resolve returns a promise already fulfilled with value. If value is itself
// a *Promise its state is adopted.
func (l *Loop) Resolve(value Result) *Promise {
	p, resolve, _ := l.NewPromise()
	resolve(value)
	return p
}

// Reject returns a promise already rejected with reason.
func (l *Loop) Reject(reason error) *Promise {
	p, _, reject := l.NewPromise()
	reject(reason)
	return p
}

// State returns the current [PromiseState]. Safe from any goroutine.
func (p *Promise) State() PromiseState {
	return PromiseState(p.state.Load())
}

// Value returns the fulfillment value, or nil unless the promise is
// fulfilled. A fulfilled promise can legitimately carry a nil value.
func (p *Promise) Value() Result {
	if p.state.Load() == int32(Fulfilled) {
		return p.result
	}
	return nil
}

// Reason returns the rejection reason, or nil unless the promise is
// rejected.
func (p *Promise) Reason() error {
	if p.state.Load() == int32(Rejected) {
		return p.reason
	}
	return nil
}

// ID returns the loop-scoped identifier assigned at creation, mostly useful
// for correlating log output.
func (p *Promise) ID() uint64 { return p.id }

// Then attaches continuations and returns a new promise that settles with
// their outcome.
//
// Exactly one of the two continuations runs, as a microtask on the loop
// goroutine, depending on how this promise settles. A continuation returning
// a non-nil error rejects the returned promise; otherwise the returned
// promise resolves with the returned value (adopting it if it is itself a
// *Promise). A nil continuation passes the corresponding settlement through
// unchanged. A continuation that panics rejects the returned promise with a
// [PanicError].
func (p *Promise) Then(onFulfilled func(Result) (Result, error), onRejected func(error) (Result, error)) *Promise {
	child := &Promise{loop: p.loop}
	child.state.Store(int32(Pending))
	child.id = p.loop.registry.register(child)
	p.loop.metrics.incPromisesCreated()

	p.addHandler(handler{
		onFulfilled: onFulfilled,
		onRejected:  onRejected,
		target:      child,
	})
	return child
}

// Catch attaches a rejection continuation. Equivalent to Then(nil, onRejected).
func (p *Promise) Catch(onRejected func(error) (Result, error)) *Promise {
	return p.Then(nil, onRejected)
}

// Finally attaches a continuation that runs regardless of how the promise
// settles, then propagates the original settlement to the returned promise.
//
// The callback receives no arguments and its return is ignored. If it
// panics, the panic is discarded and the original settlement still
// propagates; cleanup must not swallow the result it is cleaning up after.
func (p *Promise) Finally(onFinally func()) *Promise {
	if onFinally == nil {
		onFinally = func() {}
	}

	child := &Promise{loop: p.loop}
	child.state.Store(int32(Pending))
	child.id = p.loop.registry.register(child)
	p.loop.metrics.incPromisesCreated()

	runFinally := func(settle func()) {
		defer func() {
			if r := recover(); r != nil {
				settle()
			}
		}()
		onFinally()
		settle()
	}

	p.addHandler(handler{
		onFulfilled: func(v Result) (Result, error) {
			runFinally(func() { child.resolve(v) })
			return nil, nil
		},
		onRejected: func(reason error) (Result, error) {
			runFinally(func() { child.reject(reason) })
			return nil, nil
		},
		// target settled manually by runFinally
	})
	return child
}

// addHandler attaches a reaction. Already-settled promises schedule it
// immediately; pending promises store it for settlement.
//
// The settled fast path is an optimistic lock-free check: once state leaves
// Pending the settlement fields are immutable.
func (p *Promise) addHandler(h handler) {
	if s := p.state.Load(); s != int32(Pending) {
		p.markHandled(h)
		p.scheduleHandler(h, PromiseState(s), p.result, p.reason)
		return
	}

	p.mu.Lock()
	if s := p.state.Load(); s != int32(Pending) {
		p.markHandledLocked(h)
		p.mu.Unlock()
		p.scheduleHandler(h, PromiseState(s), p.result, p.reason)
		return
	}

	if !p.h0Used {
		p.h0 = h
		p.h0Used = true
	} else {
		p.handlers = append(p.handlers, h)
	}
	p.markHandledLocked(h)
	p.mu.Unlock()
}

// markHandled records that a rejection on this promise now has somewhere to
// go. Any handler with a target qualifies: pass-through moves the rejection
// to the child, which runs its own unhandled check.
func (p *Promise) markHandled(h handler) {
	p.mu.Lock()
	p.markHandledLocked(h)
	p.mu.Unlock()
}

func (p *Promise) markHandledLocked(h handler) {
	if h.onRejected != nil || h.target != nil {
		p.handled = true
	}
}

// scheduleHandler enqueues handler execution as a microtask. If the loop is
// no longer accepting work the handler runs inline so chains settle during
// shutdown rather than hang. Must not be called with p.mu held; settlement
// paths use tryQueueHandler and run fallbacks after unlocking.
func (p *Promise) scheduleHandler(h handler, state PromiseState, value Result, reason error) {
	if !p.tryQueueHandler(h, state, value, reason) {
		p.executeHandler(h, state, value, reason)
	}
}

func (p *Promise) tryQueueHandler(h handler, state PromiseState, value Result, reason error) bool {
	return p.loop.QueueMicrotask(func() {
		p.executeHandler(h, state, value, reason)
	}) == nil
}

// executeHandler runs a single reaction: pass-through for nil callbacks,
// panic capture, and propagation of the (Result, error) outcome into the
// target promise.
func (p *Promise) executeHandler(h handler, state PromiseState, value Result, reason error) {
	var run func() (Result, error)
	if state == Fulfilled {
		if h.onFulfilled == nil {
			if h.target != nil {
				h.target.resolve(value)
			}
			return
		}
		run = func() (Result, error) { return h.onFulfilled(value) }
	} else {
		if h.onRejected == nil {
			if h.target != nil {
				h.target.reject(reason)
			}
			return
		}
		run = func() (Result, error) { return h.onRejected(reason) }
	}

	defer func() {
		if r := recover(); r != nil {
			p.loop.metrics.incPanics()
			if h.target != nil {
				h.target.reject(&PanicError{Value: r})
			}
		}
	}()

	out, err := run()
	if h.target == nil {
		return
	}
	if err != nil {
		h.target.reject(err)
	} else {
		h.target.resolve(out)
	}
}

// resolve fulfills the promise, adopting the state of another *Promise when
// given one. Resolving a promise with itself rejects it with a *TypeError.
func (p *Promise) resolve(value Result) {
	if other, ok := value.(*Promise); ok {
		if other == p {
			p.reject(&TypeError{Message: "asyncmix: chaining cycle detected"})
			return
		}
		other.addHandler(handler{target: p})
		return
	}

	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		return
	}

	h0, useH0 := p.h0, p.h0Used
	handlers := p.handlers
	channels := p.channels
	p.h0 = handler{}
	p.h0Used = false
	p.handlers = nil
	p.channels = nil

	p.result = value
	p.state.Store(int32(Fulfilled))

	// Handlers are scheduled while holding the lock so their microtask
	// order is consistent with concurrent addHandler calls. Handlers the
	// loop refuses (termination) run after unlock, never under p.mu.
	var inline []handler
	if useH0 && !p.tryQueueHandler(h0, Fulfilled, value, nil) {
		inline = append(inline, h0)
	}
	for _, h := range handlers {
		if !p.tryQueueHandler(h, Fulfilled, value, nil) {
			inline = append(inline, h)
		}
	}
	notifyChannels(channels, Settlement{Value: value, State: Fulfilled})
	p.mu.Unlock()

	for _, h := range inline {
		p.executeHandler(h, Fulfilled, value, nil)
	}
	p.loop.registry.deregister(p.id)
}

// reject settles the promise with reason, coercing nil to [ErrNilRejection].
func (p *Promise) reject(reason error) {
	if reason == nil {
		reason = ErrNilRejection
	}

	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		return
	}

	h0, useH0 := p.h0, p.h0Used
	handlers := p.handlers
	channels := p.channels
	p.h0 = handler{}
	p.h0Used = false
	p.handlers = nil
	p.channels = nil

	p.reason = reason
	p.state.Store(int32(Rejected))

	var inline []handler
	if useH0 && !p.tryQueueHandler(h0, Rejected, nil, reason) {
		inline = append(inline, h0)
	}
	for _, h := range handlers {
		if !p.tryQueueHandler(h, Rejected, nil, reason) {
			inline = append(inline, h)
		}
	}
	notifyChannels(channels, Settlement{Err: reason, State: Rejected})
	p.mu.Unlock()

	for _, h := range inline {
		p.executeHandler(h, Rejected, nil, reason)
	}
	p.loop.registry.deregister(p.id)
	p.loop.trackRejection(p)
}

func notifyChannels(channels []chan Settlement, s Settlement) {
	for _, ch := range channels {
		select {
		case ch <- s:
		default:
		}
		close(ch)
	}
}

// ToChannel returns a buffered channel that receives the settlement exactly
// once and is then closed. An already-settled promise yields a pre-filled
// channel. Safe from any goroutine.
func (p *Promise) ToChannel() <-chan Settlement {
	ch := make(chan Settlement, 1)

	settled := func() Settlement {
		if p.state.Load() == int32(Fulfilled) {
			return Settlement{Value: p.result, State: Fulfilled}
		}
		return Settlement{Err: p.reason, State: Rejected}
	}

	if p.state.Load() != int32(Pending) {
		ch <- settled()
		close(ch)
		return ch
	}

	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		ch <- settled()
		close(ch)
		return ch
	}
	p.channels = append(p.channels, ch)
	p.mu.Unlock()
	return ch
}

// Await blocks until the promise settles or ctx is done, returning the
// fulfillment value or rejection reason.
//
// Await must not be called from the loop goroutine: the loop cannot both
// block here and run the microtask that settles the promise. Such calls
// fail immediately with [ErrDeadlock].
func (p *Promise) Await(ctx context.Context) (Result, error) {
	if p.loop.isLoopThread() {
		return nil, ErrDeadlock
	}
	select {
	case s := <-p.ToChannel():
		if s.State == Rejected {
			return nil, s.Err
		}
		return s.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// trackRejection schedules an end-of-iteration check for a rejection with no
// handler attached. The check runs as an ordinary task so every microtask of
// the settling iteration, where a handler would normally be attached, runs
// first.
func (l *Loop) trackRejection(p *Promise) {
	p.mu.Lock()
	handled := p.handled
	p.mu.Unlock()
	if handled {
		return
	}

	if err := l.Submit(func() { l.checkUnhandledRejection(p) }); err != nil {
		// Loop is gone; report inline so the rejection is not lost.
		l.checkUnhandledRejection(p)
	}
}

func (l *Loop) checkUnhandledRejection(p *Promise) {
	p.mu.Lock()
	handled := p.handled
	p.mu.Unlock()
	if handled {
		return
	}

	l.metrics.incUnhandledRejections()
	if h := l.unhandledRejection; h != nil {
		h(p, p.reason)
		return
	}
	l.logger.Warning().
		Uint64("promise", p.id).
		Err(p.reason).
		Log("unhandled promise rejection")
}
