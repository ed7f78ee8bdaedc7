package asyncmix

import (
	"container/heap"
	"time"
)

// TimerID identifies a scheduled timer for cancellation.
type TimerID uint64

// ImmediateID identifies a scheduled immediate for cancellation.
type ImmediateID uint64

// minInterval clamps repeating timers so a zero interval cannot spin the
// loop without yielding.
const minInterval = time.Millisecond

// timerEntry is a scheduled callback in the timer min-heap. All fields are
// guarded by the loop mutex once the entry is shared.
type timerEntry struct {
	when     time.Time
	fn       func()
	id       TimerID
	seq      uint64
	interval time.Duration // > 0 for repeating timers
	index    int           // heap index; -1 once popped
	canceled bool
}

// timerHeap orders by deadline, then by scheduling sequence so timers with
// equal deadlines fire in submission order.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// SetTimeout schedules fn to run once on the loop goroutine after delay.
// Negative delays clamp to zero; a zero delay still defers fn to a later
// iteration, never running it inside the call.
func (l *Loop) SetTimeout(fn func(), delay time.Duration) (TimerID, error) {
	return l.scheduleTimer(fn, delay, 0)
}

// ClearTimeout cancels a pending timeout. Returns false if the timer has
// already fired or was never scheduled.
func (l *Loop) ClearTimeout(id TimerID) bool {
	return l.clearTimer(id)
}

// SetInterval schedules fn to run repeatedly on the loop goroutine,
// rescheduling after each run completes so executions never overlap.
// Intervals shorter than a millisecond are clamped up.
func (l *Loop) SetInterval(fn func(), interval time.Duration) (TimerID, error) {
	if interval < minInterval {
		interval = minInterval
	}
	return l.scheduleTimer(fn, interval, interval)
}

// ClearInterval cancels a repeating timer, including one whose callback is
// currently executing (it will not reschedule).
func (l *Loop) ClearInterval(id TimerID) bool {
	return l.clearTimer(id)
}

func (l *Loop) scheduleTimer(fn func(), delay, interval time.Duration) (TimerID, error) {
	if fn == nil {
		return 0, &TypeError{Message: "asyncmix: nil timer callback"}
	}
	if !l.state.CanAcceptWork() {
		return 0, ErrLoopTerminated
	}
	if delay < 0 {
		delay = 0
	}

	seq := l.timerSeq.Add(1)
	e := &timerEntry{
		when:     time.Now().Add(delay),
		fn:       fn,
		id:       TimerID(seq),
		seq:      seq,
		interval: interval,
	}

	l.mu.Lock()
	heap.Push(&l.timers, e)
	l.timerEntries[e.id] = e
	l.mu.Unlock()

	// The new deadline may be nearer than whatever the loop is parked on.
	l.wakeLoop()
	return e.id, nil
}

func (l *Loop) clearTimer(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.timerEntries[id]
	if !ok {
		return false
	}
	e.canceled = true
	if e.index >= 0 {
		heap.Remove(&l.timers, e.index)
	}
	delete(l.timerEntries, id)
	l.metrics.incTimersCanceled()
	return true
}

// runDueTimers fires every timer whose deadline has passed, in deadline
// order. Repeating timers reschedule relative to completion time.
func (l *Loop) runDueTimers() {
	now := time.Now()

	var due []*timerEntry
	l.mu.Lock()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		e := heap.Pop(&l.timers).(*timerEntry)
		if e.canceled {
			continue
		}
		due = append(due, e)
	}
	l.mu.Unlock()

	for _, e := range due {
		l.mu.Lock()
		if e.canceled {
			delete(l.timerEntries, e.id)
			l.mu.Unlock()
			continue
		}
		if e.interval <= 0 {
			delete(l.timerEntries, e.id)
		}
		l.mu.Unlock()

		l.safeExecute(e.fn)
		l.metrics.incTimersFired()
		if l.strictMicrotasks {
			l.drainMicrotasks()
		}

		if e.interval > 0 {
			l.mu.Lock()
			if e.canceled {
				delete(l.timerEntries, e.id)
			} else {
				e.when = time.Now().Add(e.interval)
				e.seq = l.timerSeq.Add(1)
				heap.Push(&l.timers, e)
			}
			l.mu.Unlock()
		}
	}
}

// nextTimerDelay returns the time until the earliest pending deadline.
func (l *Loop) nextTimerDelay() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return 0, false
	}
	return time.Until(l.timers[0].when), true
}

// immediateEntry is a one-shot external task with a cancellation flag,
// guarded by the loop mutex.
type immediateEntry struct {
	fn      func()
	cleared bool
}

// SetImmediate schedules fn as an external task for a later loop iteration:
// after pending timers and settlements already queued, but without any timer
// delay.
func (l *Loop) SetImmediate(fn func()) (ImmediateID, error) {
	if fn == nil {
		return 0, &TypeError{Message: "asyncmix: nil immediate callback"}
	}
	if !l.state.CanAcceptWork() {
		return 0, ErrLoopTerminated
	}

	id := ImmediateID(l.immediateSeq.Add(1))
	e := &immediateEntry{fn: fn}

	l.mu.Lock()
	l.immediates[id] = e
	l.externalQ.push(func() {
		l.mu.Lock()
		cleared := e.cleared
		delete(l.immediates, id)
		l.mu.Unlock()
		if !cleared {
			e.fn()
		}
	})
	l.mu.Unlock()

	l.wakeLoop()
	return id, nil
}

// ClearImmediate cancels a scheduled immediate. Returns false if it already
// ran or was never scheduled.
func (l *Loop) ClearImmediate(id ImmediateID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.immediates[id]
	if !ok {
		return false
	}
	e.cleared = true
	delete(l.immediates, id)
	return true
}
