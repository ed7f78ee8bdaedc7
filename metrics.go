package asyncmix

import (
	"sync/atomic"
	"time"
)

// loopMetrics tracks runtime counters for a Loop. All methods are safe on a
// nil receiver so the hot path never branches on whether metrics were
// enabled.
type loopMetrics struct {
	tasksExecuted        atomic.Uint64
	microtasksExecuted   atomic.Uint64
	timersFired          atomic.Uint64
	timersCanceled       atomic.Uint64
	panicsRecovered      atomic.Uint64
	invocationsCallback  atomic.Uint64
	invocationsPromise   atomic.Uint64
	settlementsFulfilled atomic.Uint64
	settlementsRejected  atomic.Uint64
	promisesCreated      atomic.Uint64
	unhandledRejections  atomic.Uint64

	// delivery observes settlement-to-delivery latency: how long an outcome
	// waited between being fixed and being handed to its completion interface.
	delivery *latencyTracker
}

func newLoopMetrics() *loopMetrics {
	return &loopMetrics{delivery: newLatencyTracker()}
}

func (m *loopMetrics) addTasks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksExecuted.Add(uint64(n))
}

func (m *loopMetrics) incMicrotasks() {
	if m == nil {
		return
	}
	m.microtasksExecuted.Add(1)
}

func (m *loopMetrics) incTimersFired() {
	if m == nil {
		return
	}
	m.timersFired.Add(1)
}

func (m *loopMetrics) incTimersCanceled() {
	if m == nil {
		return
	}
	m.timersCanceled.Add(1)
}

func (m *loopMetrics) incPanics() {
	if m == nil {
		return
	}
	m.panicsRecovered.Add(1)
}

// incInvocation records an invocation start, split by completion mode.
func (m *loopMetrics) incInvocation(callbackMode bool) {
	if m == nil {
		return
	}
	if callbackMode {
		m.invocationsCallback.Add(1)
	} else {
		m.invocationsPromise.Add(1)
	}
}

// incSettlement records an invocation outcome, split by success or failure.
func (m *loopMetrics) incSettlement(fulfilled bool) {
	if m == nil {
		return
	}
	if fulfilled {
		m.settlementsFulfilled.Add(1)
	} else {
		m.settlementsRejected.Add(1)
	}
}

func (m *loopMetrics) incPromisesCreated() {
	if m == nil {
		return
	}
	m.promisesCreated.Add(1)
}

func (m *loopMetrics) incUnhandledRejections() {
	if m == nil {
		return
	}
	m.unhandledRejections.Add(1)
}

func (m *loopMetrics) observeDelivery(d time.Duration) {
	if m == nil {
		return
	}
	m.delivery.observe(d)
}

// MetricsSnapshot is a point-in-time copy of loop counters.
type MetricsSnapshot struct {
	TasksExecuted        uint64
	MicrotasksExecuted   uint64
	TimersFired          uint64
	TimersCanceled       uint64
	PanicsRecovered      uint64
	InvocationsCallback  uint64
	InvocationsPromise   uint64
	SettlementsFulfilled uint64
	SettlementsRejected  uint64
	PromisesCreated      uint64
	UnhandledRejections  uint64

	// DeliveryLatency summarizes how long settled outcomes waited for
	// delivery to their completion interface.
	DeliveryLatency LatencySnapshot
}

// Metrics returns a snapshot of the loop's counters. The second return is
// false when the loop was constructed without WithMetrics(true).
func (l *Loop) Metrics() (MetricsSnapshot, bool) {
	m := l.metrics
	if m == nil {
		return MetricsSnapshot{}, false
	}
	return MetricsSnapshot{
		TasksExecuted:        m.tasksExecuted.Load(),
		MicrotasksExecuted:   m.microtasksExecuted.Load(),
		TimersFired:          m.timersFired.Load(),
		TimersCanceled:       m.timersCanceled.Load(),
		PanicsRecovered:      m.panicsRecovered.Load(),
		InvocationsCallback:  m.invocationsCallback.Load(),
		InvocationsPromise:   m.invocationsPromise.Load(),
		SettlementsFulfilled: m.settlementsFulfilled.Load(),
		SettlementsRejected:  m.settlementsRejected.Load(),
		PromisesCreated:      m.promisesCreated.Load(),
		UnhandledRejections:  m.unhandledRejections.Load(),
		DeliveryLatency:      m.delivery.snapshot(),
	}, true
}
