package asyncmix

import (
	"sync"
	"time"
)

// quantileEstimator is a streaming quantile estimator using the P-Square
// algorithm (Jain & Chlamtac, CACM 1985): O(1) per observation and O(1)
// retrieval, no stored samples.
//
// Not safe for concurrent use; latencyTracker provides the locking.
type quantileEstimator struct {
	p float64 // target quantile in [0, 1]

	heights   [5]float64 // marker heights
	positions [5]int     // actual marker positions
	desired   [5]float64 // desired marker positions
	increment [5]float64 // desired-position increments per observation

	count int
	seed  [5]float64 // first five observations, before markers exist
}

func newQuantileEstimator(p float64) *quantileEstimator {
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	return &quantileEstimator{
		p:         p,
		increment: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (e *quantileEstimator) observe(x float64) {
	e.count++

	if e.count <= 5 {
		e.seed[e.count-1] = x
		if e.count == 5 {
			e.seedMarkers()
		}
		return
	}

	// Locate the cell containing x, extending the extremes when it falls
	// outside them.
	var k int
	switch {
	case x < e.heights[0]:
		e.heights[0] = x
		k = 0
	case x >= e.heights[4]:
		e.heights[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if e.heights[k] <= x && x < e.heights[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.positions[i]++
	}
	for i := 0; i < 5; i++ {
		e.desired[i] += e.increment[i]
	}

	// Nudge interior markers toward their desired positions, preferring the
	// parabolic formula and falling back to linear when it would cross a
	// neighbor.
	for i := 1; i < 4; i++ {
		d := e.desired[i] - float64(e.positions[i])
		if (d >= 1 && e.positions[i+1]-e.positions[i] > 1) ||
			(d <= -1 && e.positions[i-1]-e.positions[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			h := e.parabolic(i, sign)
			if !(e.heights[i-1] < h && h < e.heights[i+1]) {
				h = e.linear(i, sign)
			}
			e.heights[i] = h
			e.positions[i] += sign
		}
	}
}

// seedMarkers turns the first five observations into the initial markers.
func (e *quantileEstimator) seedMarkers() {
	for i := 1; i < 5; i++ {
		key := e.seed[i]
		j := i - 1
		for j >= 0 && e.seed[j] > key {
			e.seed[j+1] = e.seed[j]
			j--
		}
		e.seed[j+1] = key
	}
	for i := 0; i < 5; i++ {
		e.heights[i] = e.seed[i]
		e.positions[i] = i
	}
	e.desired = [5]float64{0, 2 * e.p, 4 * e.p, 2 + 2*e.p, 4}
}

func (e *quantileEstimator) parabolic(i, sign int) float64 {
	d := float64(sign)
	ni := float64(e.positions[i])
	prev := float64(e.positions[i-1])
	next := float64(e.positions[i+1])

	a := d / (next - prev)
	b := (ni - prev + d) * (e.heights[i+1] - e.heights[i]) / (next - ni)
	c := (next - ni - d) * (e.heights[i] - e.heights[i-1]) / (ni - prev)
	return e.heights[i] + a*(b+c)
}

func (e *quantileEstimator) linear(i, sign int) float64 {
	if sign == 1 {
		return e.heights[i] + (e.heights[i+1]-e.heights[i])/float64(e.positions[i+1]-e.positions[i])
	}
	return e.heights[i] - (e.heights[i]-e.heights[i-1])/float64(e.positions[i]-e.positions[i-1])
}

func (e *quantileEstimator) quantile() float64 {
	if e.count == 0 {
		return 0
	}
	if e.count < 5 {
		// Too few observations for markers; rank the seed directly.
		sorted := make([]float64, e.count)
		copy(sorted, e.seed[:e.count])
		for i := 1; i < e.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		idx := int(float64(e.count-1) * e.p)
		return sorted[idx]
	}
	return e.heights[2]
}

// latencyTracker aggregates a duration distribution: count, mean, max, and
// streaming estimates of the median and tail quantiles. All methods are safe
// for concurrent use and safe on a nil receiver.
type latencyTracker struct {
	mu    sync.Mutex
	p50   *quantileEstimator
	p95   *quantileEstimator
	p99   *quantileEstimator
	count uint64
	sum   float64
	max   float64
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{
		p50: newQuantileEstimator(0.50),
		p95: newQuantileEstimator(0.95),
		p99: newQuantileEstimator(0.99),
	}
}

func (t *latencyTracker) observe(d time.Duration) {
	if t == nil {
		return
	}
	x := float64(d)
	t.mu.Lock()
	t.count++
	t.sum += x
	if x > t.max {
		t.max = x
	}
	t.p50.observe(x)
	t.p95.observe(x)
	t.p99.observe(x)
	t.mu.Unlock()
}

// LatencySnapshot is a point-in-time summary of an observed duration
// distribution. Quantiles are streaming estimates, not exact ranks.
type LatencySnapshot struct {
	Count uint64
	Mean  time.Duration
	Max   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

func (t *latencyTracker) snapshot() LatencySnapshot {
	if t == nil {
		return LatencySnapshot{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := LatencySnapshot{
		Count: t.count,
		Max:   time.Duration(t.max),
		P50:   time.Duration(t.p50.quantile()),
		P95:   time.Duration(t.p95.quantile()),
		P99:   time.Duration(t.p99.quantile()),
	}
	if t.count > 0 {
		s.Mean = time.Duration(t.sum / float64(t.count))
	}
	return s
}
