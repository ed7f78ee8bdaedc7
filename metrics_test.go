package asyncmix

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMetricsDisabled(t *testing.T) {
	loop, err := New(WithMetrics(false))
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	if _, ok := loop.Metrics(); ok {
		t.Fatal("metrics reported enabled without WithMetrics(true)")
	}
}

func TestMetricsCountsTasksAndMicrotasks(t *testing.T) {
	loop := newTestLoop(t, WithMetrics(true))

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		if err := loop.Submit(func() {}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := loop.QueueMicrotask(func() {}); err != nil {
			t.Fatal(err)
		}
	}
	if err := loop.Submit(func() { close(done) }); err != nil {
		t.Fatal(err)
	}
	<-done

	m, ok := loop.Metrics()
	if !ok {
		t.Fatal("metrics not enabled")
	}
	if m.TasksExecuted < 6 {
		t.Errorf("TasksExecuted = %d, want at least 6", m.TasksExecuted)
	}
	if m.MicrotasksExecuted < 3 {
		t.Errorf("MicrotasksExecuted = %d, want at least 3", m.MicrotasksExecuted)
	}
}

func TestMetricsCountsTimers(t *testing.T) {
	loop := newTestLoop(t, WithMetrics(true))

	fired := make(chan struct{})
	if _, err := loop.SetTimeout(func() { close(fired) }, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	<-fired

	id, err := loop.SetTimeout(func() {}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !loop.ClearTimeout(id) {
		t.Fatal("ClearTimeout failed on a pending timer")
	}

	waitFor(t, 2*time.Second, func() bool {
		m, _ := loop.Metrics()
		return m.TimersFired >= 1 && m.TimersCanceled >= 1
	}, "timer counters never updated")
}

func TestMetricsCountsInvocations(t *testing.T) {
	loop := newTestLoop(t, WithMetrics(true))

	okOp, err := NewDualMode(loop, func(ctx context.Context) (Result, error) {
		return "fine", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	badOp, err := NewDualMode(loop, func(ctx context.Context) (Result, error) {
		return nil, errors.New("always fails")
	})
	if err != nil {
		t.Fatal(err)
	}

	delivered := make(chan struct{}, 2)
	okOp.InvokeCallback(context.Background(), func(err error, value Result) {
		delivered <- struct{}{}
	})
	okOp.InvokeCallback(context.Background(), func(err error, value Result) {
		delivered <- struct{}{}
	})
	<-delivered
	<-delivered

	p := badOp.InvokePromise(context.Background())
	p.Catch(func(reason error) (Result, error) { return nil, nil })
	if _, err := p.Await(context.Background()); err == nil {
		t.Fatal("expected rejection")
	}

	m, ok := loop.Metrics()
	if !ok {
		t.Fatal("metrics not enabled")
	}
	if m.InvocationsCallback != 2 {
		t.Errorf("InvocationsCallback = %d, want 2", m.InvocationsCallback)
	}
	if m.InvocationsPromise != 1 {
		t.Errorf("InvocationsPromise = %d, want 1", m.InvocationsPromise)
	}
	if m.SettlementsFulfilled != 2 {
		t.Errorf("SettlementsFulfilled = %d, want 2", m.SettlementsFulfilled)
	}
	if m.SettlementsRejected != 1 {
		t.Errorf("SettlementsRejected = %d, want 1", m.SettlementsRejected)
	}

	lat := m.DeliveryLatency
	if lat.Count != 3 {
		t.Errorf("DeliveryLatency.Count = %d, want 3", lat.Count)
	}
	if lat.Max <= 0 || lat.Mean <= 0 || lat.P50 <= 0 {
		t.Errorf("delivery latency summary not populated: %+v", lat)
	}
}

func TestMetricsCountsPanics(t *testing.T) {
	loop := newTestLoop(t, WithMetrics(true))

	done := make(chan struct{})
	loop.Submit(func() { panic("counted") })
	loop.Submit(func() { close(done) })
	<-done

	m, _ := loop.Metrics()
	if m.PanicsRecovered < 1 {
		t.Errorf("PanicsRecovered = %d, want at least 1", m.PanicsRecovered)
	}
}

func TestMetricsCountsPromises(t *testing.T) {
	loop := newTestLoop(t, WithMetrics(true))

	p, resolve, _ := loop.NewPromise()
	p.Then(func(v Result) (Result, error) { return v, nil }, nil)
	resolve("x")

	m, _ := loop.Metrics()
	// The source promise plus the Then child.
	if m.PromisesCreated < 2 {
		t.Errorf("PromisesCreated = %d, want at least 2", m.PromisesCreated)
	}
}

func TestMetricsCountsUnhandledRejections(t *testing.T) {
	seen := make(chan error, 1)
	loop := newTestLoop(t,
		WithMetrics(true),
		WithUnhandledRejection(func(p *Promise, reason error) {
			seen <- reason
		}),
	)

	boom := errors.New("nobody listening")
	loop.Reject(boom)

	select {
	case reason := <-seen:
		if !errors.Is(reason, boom) {
			t.Fatalf("handler saw %v, want %v", reason, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unhandled rejection handler never ran")
	}

	m, _ := loop.Metrics()
	if m.UnhandledRejections != 1 {
		t.Errorf("UnhandledRejections = %d, want 1", m.UnhandledRejections)
	}
}

func TestQuantileEstimatorSmallCounts(t *testing.T) {
	e := newQuantileEstimator(0.5)
	if e.quantile() != 0 {
		t.Errorf("empty estimator quantile = %v, want 0", e.quantile())
	}

	e.observe(42)
	if e.quantile() != 42 {
		t.Errorf("single observation quantile = %v, want 42", e.quantile())
	}

	e.observe(10)
	e.observe(99)
	// Three observations sorted are [10, 42, 99]; the median rank is 42.
	if e.quantile() != 42 {
		t.Errorf("three observation median = %v, want 42", e.quantile())
	}
}

func TestQuantileEstimatorUniformStream(t *testing.T) {
	p50 := newQuantileEstimator(0.50)
	p95 := newQuantileEstimator(0.95)
	p99 := newQuantileEstimator(0.99)

	// A coprime stride visits every value in [0, 1000) exactly once per
	// thousand observations, in scattered order.
	for i := 0; i < 5000; i++ {
		v := float64(i * 617 % 1000)
		p50.observe(v)
		p95.observe(v)
		p99.observe(v)
	}

	if q := p50.quantile(); q < 350 || q > 650 {
		t.Errorf("p50 estimate = %v, want near 500", q)
	}
	if q := p95.quantile(); q < 850 || q > 1000 {
		t.Errorf("p95 estimate = %v, want near 950", q)
	}
	if q := p99.quantile(); q < 900 || q > 1000 {
		t.Errorf("p99 estimate = %v, want near 990", q)
	}
	if p50.quantile() > p95.quantile() || p95.quantile() > p99.quantile() {
		t.Error("quantile estimates not monotonic")
	}
}

func TestQuantileEstimatorClampsTarget(t *testing.T) {
	low := newQuantileEstimator(-1)
	high := newQuantileEstimator(2)
	if low.p != 0 || high.p != 1 {
		t.Errorf("targets not clamped: %v, %v", low.p, high.p)
	}
}

func TestLatencyTrackerSnapshot(t *testing.T) {
	lt := newLatencyTracker()
	lt.observe(10 * time.Millisecond)
	lt.observe(30 * time.Millisecond)
	lt.observe(20 * time.Millisecond)

	s := lt.snapshot()
	if s.Count != 3 {
		t.Errorf("Count = %d, want 3", s.Count)
	}
	if s.Mean != 20*time.Millisecond {
		t.Errorf("Mean = %v, want 20ms", s.Mean)
	}
	if s.Max != 30*time.Millisecond {
		t.Errorf("Max = %v, want 30ms", s.Max)
	}
	if s.P50 != 20*time.Millisecond {
		t.Errorf("P50 = %v, want 20ms", s.P50)
	}
}

func TestLatencyTrackerNilSafe(t *testing.T) {
	var lt *latencyTracker
	lt.observe(time.Second)
	if s := lt.snapshot(); s.Count != 0 || s.Max != 0 {
		t.Errorf("nil tracker snapshot = %+v, want zero", s)
	}
}
