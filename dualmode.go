package asyncmix

import (
	"context"
	"sync/atomic"
	"time"
)

// Operation is one unit of deferred work: it runs to a single outcome,
// success with a value or failure with an error. The context is passed
// through from the invoking call untouched; the invocation machinery never
// watches it, so cancellation and timeouts are entirely the operation's
// own business.
type Operation func(ctx context.Context) (Result, error)

// Callback is an error-first completion callback. It is invoked exactly
// once per invocation: on failure with a non-nil error and a nil value, on
// success with a nil error and the result.
type Callback func(err error, value Result)

// Call is the dispatch descriptor for [DualMode.Invoke]. The nil-ness of
// Callback is the mode discriminant: non-nil selects callback mode, nil
// selects promise mode. It is checked once, synchronously, before any work
// is scheduled.
type Call struct {
	Ctx      context.Context
	Callback Callback
}

// InvocationState is the lifecycle of a single invocation's unit of work.
// Transitions walk the sequence in order; no state is skipped or revisited.
type InvocationState int32

const (
	// InvocationCreated: parameters validated, completion mode fixed.
	InvocationCreated InvocationState = iota

	// InvocationRunning: the operation body is in flight.
	InvocationRunning

	// InvocationSettledSuccess: the outcome is a value, not yet delivered.
	InvocationSettledSuccess

	// InvocationSettledFailure: the outcome is an error, not yet delivered.
	InvocationSettledFailure

	// InvocationDelivered: the outcome has been handed to the one active
	// completion interface. Terminal.
	InvocationDelivered
)

// String implements fmt.Stringer.
func (s InvocationState) String() string {
	switch s {
	case InvocationCreated:
		return "Created"
	case InvocationRunning:
		return "Running"
	case InvocationSettledSuccess:
		return "SettledSuccess"
	case InvocationSettledFailure:
		return "SettledFailure"
	case InvocationDelivered:
		return "Delivered"
	default:
		return "Unknown"
	}
}

// DualMode wraps one Operation as a callable that completes through exactly
// one of two mutually exclusive interfaces per call: an error-first
// [Callback], or a [Promise] handle. The mode is fixed at call time by
// which entry point runs (or, through [DualMode.Invoke], by the descriptor's
// Callback field) and never changes for the lifetime of that call.
//
// Every call creates a fresh, private unit of work. Nothing is shared
// between calls, so concurrent and sequential invocations never interfere.
//
// Completion is always deferred: the outcome is marshalled onto the loop
// goroutine as an internal task, so the callback runs, or the handle
// settles observably, strictly after the invoking call has returned.
type DualMode struct {
	loop *Loop
	op   Operation
}

// NewDualMode binds an operation to the loop that will deliver its
// completions.
func NewDualMode(loop *Loop, op Operation) (*DualMode, error) {
	if loop == nil {
		return nil, &TypeError{Message: "asyncmix: nil loop"}
	}
	if op == nil {
		return nil, &TypeError{Message: "asyncmix: nil operation"}
	}
	return &DualMode{loop: loop, op: op}, nil
}

// invocation is one call's private unit of work. Exactly one of cb or
// promise is set, fixed at creation.
type invocation struct {
	d     *DualMode
	state atomic.Int32

	cb Callback

	promise *Promise
	resolve ResolveFunc
	reject  RejectFunc

	// settledAt is written before the Settled transition publishes it and
	// read after the Delivered transition, giving delivery latency without
	// extra synchronization.
	settledAt time.Time
}

// InvokeCallback runs the operation in callback mode. It returns nothing:
// the unit of work is consumed entirely inside the invocation, and cb is
// the only way its outcome leaves. cb is invoked exactly once, on the loop
// goroutine, strictly after InvokeCallback has returned.
//
// A nil cb is a programming error and panics with a *TypeError before any
// work is scheduled.
func (d *DualMode) InvokeCallback(ctx context.Context, cb Callback) {
	if cb == nil {
		panic(&TypeError{Message: "asyncmix: nil completion callback"})
	}
	inv := &invocation{d: d, cb: cb}
	d.start(ctx, inv)
}

// InvokePromise runs the operation in promise mode and returns the handle
// of this call's own unit of work, never a wrapper around it. No callback
// exists in this mode, so none is ever invoked.
func (d *DualMode) InvokePromise(ctx context.Context) *Promise {
	inv := &invocation{d: d}
	inv.promise, inv.resolve, inv.reject = d.loop.NewPromise()
	d.start(ctx, inv)
	return inv.promise
}

// Invoke dispatches on the descriptor: callback mode when call.Callback is
// non-nil (returning nil), promise mode otherwise (returning the handle).
func (d *DualMode) Invoke(call Call) *Promise {
	if call.Callback != nil {
		d.InvokeCallback(call.Ctx, call.Callback)
		return nil
	}
	return d.InvokePromise(call.Ctx)
}

// start transitions the invocation out of Created and launches the
// operation body on its own goroutine. If the loop is no longer accepting
// operations the invocation fails with ErrLoopTerminated, still walking the
// full state sequence and still delivering asynchronously.
func (d *DualMode) start(ctx context.Context, inv *invocation) {
	if ctx == nil {
		ctx = context.Background()
	}
	l := d.loop
	l.metrics.incInvocation(inv.cb != nil)

	// The state check and in-flight increment are atomic with respect to
	// shutdown, so the drain phase either sees this operation or it was
	// already refused.
	l.opMu.Lock()
	if !l.state.CanStartOperation() {
		l.opMu.Unlock()
		inv.state.Store(int32(InvocationRunning))
		inv.settle(nil, ErrLoopTerminated)
		return
	}
	l.inflightOps.Add(1)
	l.opMu.Unlock()

	inv.state.Store(int32(InvocationRunning))
	go inv.run(ctx)
}

// run executes the operation body and settles with its outcome. A panic
// becomes a *PanicError failure; a body that exits via runtime.Goexit
// settles with ErrGoexit. The in-flight count drops only after the
// settlement is enqueued, so a draining loop cannot miss the delivery.
func (inv *invocation) run(ctx context.Context) {
	l := inv.d.loop
	var completed bool
	defer func() {
		if r := recover(); r != nil {
			inv.settle(nil, &PanicError{Value: r})
		} else if !completed {
			inv.settle(nil, ErrGoexit)
		}
		l.inflightOps.Add(-1)
		l.wakeLoop()
	}()

	value, err := inv.d.op(ctx)
	completed = true
	inv.settle(value, err)
}

// settle fixes the outcome, Running → Settled(Success|Failure), and
// enqueues delivery on the loop. Only the first settlement attempt wins;
// later attempts are not observable.
func (inv *invocation) settle(value Result, err error) {
	target := InvocationSettledSuccess
	if err != nil {
		target = InvocationSettledFailure
		value = nil
	}
	inv.settledAt = time.Now()
	if !inv.state.CompareAndSwap(int32(InvocationRunning), int32(target)) {
		return
	}

	l := inv.d.loop
	l.metrics.incSettlement(err == nil)

	deliver := func() { inv.deliver(value, err) }
	if serr := l.submitInternal(deliver); serr != nil {
		// Loop is gone; deliver on a fresh goroutine so completion stays
		// asynchronous relative to the settling code.
		go l.safeExecute(deliver)
	}
}

// deliver hands the outcome to the invocation's one completion interface.
// Delivered is marked before the interface is entered, so a callback that
// panics mid-delivery cannot cause a second attempt; the panic itself
// surfaces through the loop's recovery as a logged diagnostic.
func (inv *invocation) deliver(value Result, err error) {
	from := InvocationSettledSuccess
	if err != nil {
		from = InvocationSettledFailure
	}
	if !inv.state.CompareAndSwap(int32(from), int32(InvocationDelivered)) {
		return
	}
	inv.d.loop.metrics.observeDelivery(time.Since(inv.settledAt))

	if inv.cb != nil {
		inv.cb(err, value)
		return
	}
	if err != nil {
		inv.reject(err)
		return
	}
	inv.resolve(value)
}
