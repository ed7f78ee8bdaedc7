package asyncmix

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// externalBatchBudget bounds the external tasks run per iteration, so a
	// firehose of submissions cannot starve timers and microtasks.
	externalBatchBudget = 1024

	// internalBatchBudget bounds internal (settlement) tasks per iteration.
	internalBatchBudget = 1024

	// drainEmptyPasses is the number of consecutive all-empty observations
	// required before a draining loop declares itself quiescent. Multiple
	// passes close the window where a submitter has passed the state check
	// but not yet pushed.
	drainEmptyPasses = 3
)

// Loop is a single-threaded cooperative scheduler: every task, microtask,
// timer callback, and settlement delivery runs on the one goroutine that
// called Run. "Asynchronous" here means "resumes later on that goroutine",
// never parallel execution.
//
// Work enters through three queues with a fixed service order per iteration:
// due timers, then internal tasks (settlement deliveries), then a bounded
// batch of external tasks, then the microtask queue drained to empty.
// Promise handlers run as microtasks, which is what makes settlement
// observably asynchronous: a handler never runs in the turn that attached it.
type Loop struct {
	state *FastState

	// mu guards the three queues, the timer heap, and the immediate table.
	mu        sync.Mutex
	externalQ *taskQueue
	internalQ *taskQueue
	microQ    *taskQueue

	timers       timerHeap
	timerEntries map[TimerID]*timerEntry
	immediates   map[ImmediateID]*immediateEntry

	// wake has capacity 1; wakePending deduplicates cross-goroutine wake-ups
	// so submitters skip the channel send when one is already in flight.
	wake        chan struct{}
	wakePending atomic.Bool

	// opMu makes the state-check-and-increment in operation starts atomic
	// with respect to shutdown; inflightOps gates drain completion.
	opMu        sync.Mutex
	inflightOps atomic.Int64

	registry *promiseRegistry

	logger             *logiface.Logger[logiface.Event]
	metrics            *loopMetrics
	unhandledRejection RejectionHandler
	strictMicrotasks   bool

	loopGID atomic.Uint64

	timerSeq     atomic.Uint64
	immediateSeq atomic.Uint64

	// done closes when the loop has fully terminated.
	done chan struct{}
}

// New creates a stopped loop. Call Run on a dedicated goroutine to start it.
func New(opts ...LoopOption) (*Loop, error) {
	o, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		state:        NewFastState(),
		externalQ:    newTaskQueue(),
		internalQ:    newTaskQueue(),
		microQ:       newTaskQueue(),
		timerEntries: make(map[TimerID]*timerEntry),
		immediates:   make(map[ImmediateID]*immediateEntry),
		wake:         make(chan struct{}, 1),
		registry:     newPromiseRegistry(),
		done:         make(chan struct{}),
	}
	l.logger = o.logger
	l.unhandledRejection = o.unhandledRejection
	l.strictMicrotasks = o.strictMicrotaskOrdering
	if o.metricsEnabled {
		l.metrics = newLoopMetrics()
	}
	return l, nil
}

// Run executes the loop on the calling goroutine until the context is
// canceled or Shutdown completes. It returns ErrLoopAlreadyRunning if the
// loop is running elsewhere and ErrLoopTerminated if it already stopped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.TryTransition(StateAwake, StateRunning) {
		switch l.state.Load() {
		case StateTerminating, StateTerminated:
			return ErrLoopTerminated
		default:
			return ErrLoopAlreadyRunning
		}
	}

	l.loopGID.Store(currentGoroutineID())
	l.logger.Debug().Log("event loop started")

	defer close(l.done)
	defer l.registry.rejectAll(ErrLoopTerminated)
	defer l.state.Store(StateTerminated)
	defer l.logger.Debug().Log("event loop stopped")

	for {
		select {
		case <-ctx.Done():
			// Cancellation is a stop, not a drain; Shutdown is the
			// graceful path.
			l.state.Store(StateTerminating)
			return ctx.Err()
		default:
		}

		switch l.state.Load() {
		case StateTerminated:
			return nil
		case StateTerminating:
			return l.runDrainPhase(ctx)
		}

		l.runDueTimers()
		nInternal := l.runBatch(l.internalQ, internalBatchBudget)
		nExternal := l.runBatch(l.externalQ, externalBatchBudget)
		l.drainMicrotasks()

		if nInternal == 0 && nExternal == 0 {
			l.park(ctx)
		}
	}
}

// runDrainPhase processes remaining work until quiescent: all queues empty,
// no operations in flight, observed drainEmptyPasses times in a row.
// Pending timers are abandoned, matching runtime-exit semantics.
func (l *Loop) runDrainPhase(ctx context.Context) error {
	emptyPasses := 0
	for {
		if l.state.Load() == StateTerminated {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l.runBatch(l.internalQ, internalBatchBudget)
		l.runBatch(l.externalQ, externalBatchBudget)
		l.drainMicrotasks()

		if l.queuesEmpty() {
			if l.inflightOps.Load() == 0 {
				emptyPasses++
				if emptyPasses >= drainEmptyPasses {
					l.logger.Debug().Log("drain complete")
					return nil
				}
				continue
			}
			emptyPasses = 0
			// Operations still in flight; their settlements will wake us.
			select {
			case <-l.wake:
				l.consumeWake()
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		emptyPasses = 0
	}
}

// Shutdown requests a graceful stop: in-flight operations finish, queued
// work and settlements drain, then every still-pending promise is rejected
// with ErrLoopTerminated. Blocks until termination or context expiry; on
// expiry the loop is stopped hard and the context error returned.
func (l *Loop) Shutdown(ctx context.Context) error {
	for {
		switch st := l.state.Load(); st {
		case StateTerminated:
			return nil
		case StateTerminating:
			// Another shutdown is in progress; fall through to wait.
		case StateAwake:
			if !l.state.TryTransition(StateAwake, StateTerminating) {
				continue
			}
			// Never ran: drive the drain from this goroutine so queued
			// settlements still deliver.
			l.logger.Debug().Log("shutdown requested before run")
			err := l.runDrainPhase(ctx)
			l.state.Store(StateTerminated)
			l.registry.rejectAll(ErrLoopTerminated)
			close(l.done)
			return err
		default: // Running, Sleeping
			if !l.state.TryTransition(st, StateTerminating) {
				continue
			}
			l.logger.Debug().Log("shutdown requested")
			l.wakeLoop()
		}

		select {
		case <-l.done:
			return nil
		case <-ctx.Done():
			// Abandon the drain. The loop goroutine exits at its next state
			// check; a task blocked in user code lingers until it returns.
			l.state.Store(StateTerminated)
			l.wakeLoop()
			l.registry.rejectAll(ErrLoopTerminated)
			return ctx.Err()
		}
	}
}

// Close stops the loop immediately without draining. Queued work is dropped
// and pending promises reject with ErrLoopTerminated.
func (l *Loop) Close() error {
	for {
		st := l.state.Load()
		if st == StateTerminated {
			return nil
		}
		if l.state.TryTransition(st, StateTerminated) {
			// From Awake, Run can never start, so its deferred close of done
			// will never happen; it falls to us.
			if st == StateAwake {
				close(l.done)
			}
			break
		}
	}
	l.wakeLoop()
	l.registry.rejectAll(ErrLoopTerminated)
	return nil
}

// Done returns a channel closed when the loop has fully terminated.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// State returns the loop's current state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Submit queues fn to run on the loop goroutine. Safe from any goroutine;
// returns ErrLoopTerminated once the loop has stopped.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return &TypeError{Message: "asyncmix: nil task"}
	}
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	l.mu.Lock()
	l.externalQ.push(fn)
	l.mu.Unlock()
	l.wakeLoop()
	return nil
}

// submitInternal queues fn on the internal queue, which services settlement
// deliveries ahead of external submissions.
func (l *Loop) submitInternal(fn func()) error {
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	l.mu.Lock()
	l.internalQ.push(fn)
	l.mu.Unlock()
	l.wakeLoop()
	return nil
}

// QueueMicrotask queues fn on the microtask queue, drained to empty after
// each task batch (or after every task, under strict ordering). Microtasks
// queued while draining run in the same drain.
func (l *Loop) QueueMicrotask(fn func()) error {
	if fn == nil {
		return &TypeError{Message: "asyncmix: nil microtask"}
	}
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	l.mu.Lock()
	l.microQ.push(fn)
	l.mu.Unlock()
	l.wakeLoop()
	return nil
}

// runBatch pops and executes up to budget tasks (unbounded if negative).
// Returns the number executed.
func (l *Loop) runBatch(q *taskQueue, budget int) int {
	n := 0
	for budget < 0 || n < budget {
		l.mu.Lock()
		task, ok := q.pop()
		l.mu.Unlock()
		if !ok {
			break
		}
		l.safeExecute(task)
		n++
		if l.strictMicrotasks {
			l.drainMicrotasks()
		}
	}
	if n > 0 {
		l.metrics.addTasks(n)
	}
	return n
}

// drainMicrotasks runs microtasks until the queue is empty, including any
// queued by the microtasks themselves. An unbounded microtask cascade
// starves the loop, exactly as it would a browser's.
func (l *Loop) drainMicrotasks() {
	for {
		l.mu.Lock()
		task, ok := l.microQ.pop()
		l.mu.Unlock()
		if !ok {
			return
		}
		l.safeExecute(task)
		l.metrics.incMicrotasks()
	}
}

func (l *Loop) queuesEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.externalQ.len() == 0 && l.internalQ.len() == 0 && l.microQ.len() == 0
}

// park sleeps until woken by a submission, the next timer deadline, or
// context cancellation. The Sleeping transition is advertised before the
// final queue check, so a submitter that raced it is never missed.
func (l *Loop) park(ctx context.Context) {
	delay, hasTimer := l.nextTimerDelay()
	if hasTimer && delay <= 0 {
		return
	}

	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}
	if !l.queuesEmpty() {
		l.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	var timerC <-chan time.Time
	if hasTimer {
		t := time.NewTimer(delay)
		defer t.Stop()
		timerC = t.C
	}

	select {
	case <-l.wake:
	case <-timerC:
	case <-ctx.Done():
	}

	l.state.TryTransition(StateSleeping, StateRunning)
	l.consumeWake()
}

// consumeWake resets the wake-deduplication flag and drops any stale token.
// Resetting before draining means a concurrent wake lands either in the
// channel or in the queue check that follows, but is never lost.
func (l *Loop) consumeWake() {
	l.wakePending.Store(false)
	select {
	case <-l.wake:
	default:
	}
}

// wakeLoop nudges a sleeping loop. The CAS collapses concurrent wake-ups
// into a single token.
func (l *Loop) wakeLoop() {
	if l.wakePending.CompareAndSwap(false, true) {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// safeExecute runs a task, converting a panic into a logged diagnostic so
// one misbehaving task cannot take down the loop.
func (l *Loop) safeExecute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.incPanics()
			l.logger.Err().
				Any("panic", r).
				Log("recovered panic in loop task")
		}
	}()
	task()
}

// isLoopThread reports whether the caller is the loop goroutine of a live
// loop. Used to fail blocking observation fast instead of deadlocking.
func (l *Loop) isLoopThread() bool {
	return l.state.Load() != StateTerminated &&
		l.loopGID.Load() == currentGoroutineID()
}

var goroutinePrefix = []byte("goroutine ")

// currentGoroutineID parses the goroutine ID from a stack header. Stack
// parsing is slow, so it is confined to Run startup and the deadlock guard
// on blocking waits.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
