package breaker

import "time"

// bucket holds the counters for one slice of the rolling window.
type bucket struct {
	fires     int64
	successes int64
	failures  int64
	timeouts  int64
	latencyNs int64
}

// rollingWindow is a ring of fixed-duration buckets. Advancing past the
// whole ring clears it; statistics never outlive windowSize.
type rollingWindow struct {
	buckets   []bucket
	bucketDur time.Duration
	idx       int
	lastTick  time.Time
}

func newRollingWindow(windowSize time.Duration, numBuckets int, now time.Time) *rollingWindow {
	return &rollingWindow{
		buckets:   make([]bucket, numBuckets),
		bucketDur: windowSize / time.Duration(numBuckets),
		lastTick:  now,
	}
}

// current returns the active bucket, rotating the ring forward first.
func (w *rollingWindow) current(now time.Time) *bucket {
	w.rotate(now)
	return &w.buckets[w.idx]
}

func (w *rollingWindow) rotate(now time.Time) {
	steps := int(now.Sub(w.lastTick) / w.bucketDur)
	if steps <= 0 {
		return
	}
	if steps >= len(w.buckets) {
		for i := range w.buckets {
			w.buckets[i] = bucket{}
		}
		w.idx = 0
		w.lastTick = now
		return
	}
	for i := 0; i < steps; i++ {
		w.idx = (w.idx + 1) % len(w.buckets)
		w.buckets[w.idx] = bucket{}
	}
	w.lastTick = w.lastTick.Add(time.Duration(steps) * w.bucketDur)
}

// totals sums every live bucket.
type windowTotals struct {
	fires     int64
	successes int64
	failures  int64
	timeouts  int64
	latencyNs int64
}

func (w *rollingWindow) totals(now time.Time) windowTotals {
	w.rotate(now)
	var t windowTotals
	for i := range w.buckets {
		b := &w.buckets[i]
		t.fires += b.fires
		t.successes += b.successes
		t.failures += b.failures
		t.timeouts += b.timeouts
		t.latencyNs += b.latencyNs
	}
	return t
}

// failurePct returns the failed share of fired calls; timeouts count as
// failures.
func (t windowTotals) failurePct() float64 {
	if t.fires == 0 {
		return 0
	}
	return float64(t.failures+t.timeouts) / float64(t.fires) * 100
}

// meanLatencyMs returns the mean latency of fired calls in milliseconds.
func (t windowTotals) meanLatencyMs() float64 {
	if t.fires == 0 {
		return 0
	}
	return float64(t.latencyNs) / float64(t.fires) / 1e6
}

func (w *rollingWindow) reset(now time.Time) {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
	w.idx = 0
	w.lastTick = now
}
