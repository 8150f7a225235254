package metrics

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
)

// percentileOf returns the p-th percentile (0-100) of sorted by linear
// interpolation between the two nearest ranks.
func percentileOf(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	frac := rank - float64(lo)
	if lo+1 >= n {
		return sorted[n-1]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// PercentileAggregator keeps a capped uniform reservoir of raw values
// per key and answers arbitrary percentile queries.
type PercentileAggregator struct {
	mu         sync.RWMutex
	capacity   int
	reservoirs map[string]*reservoir
}

type reservoir struct {
	values []float64
	seen   int64
}

// NewPercentileAggregator creates an aggregator holding at most capacity
// samples per key.
func NewPercentileAggregator(capacity int) *PercentileAggregator {
	if capacity <= 0 {
		capacity = 1000
	}
	return &PercentileAggregator{
		capacity:   capacity,
		reservoirs: make(map[string]*reservoir),
	}
}

// Add folds a value into the key's reservoir. Once the reservoir is
// full, replacement follows algorithm R so the kept sample stays a
// uniform draw from the whole stream.
func (a *PercentileAggregator) Add(key string, value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.reservoirs[key]
	if !ok {
		r = &reservoir{values: make([]float64, 0, a.capacity)}
		a.reservoirs[key] = r
	}
	r.seen++
	if len(r.values) < a.capacity {
		r.values = append(r.values, value)
		return
	}
	if j := rand.Int64N(r.seen); j < int64(a.capacity) {
		r.values[j] = value
	}
}

// Percentile answers one percentile query for key.
func (a *PercentileAggregator) Percentile(key string, p float64) (float64, bool) {
	a.mu.RLock()
	r, ok := a.reservoirs[key]
	if !ok || len(r.values) == 0 {
		a.mu.RUnlock()
		return 0, false
	}
	sorted := make([]float64, len(r.values))
	copy(sorted, r.values)
	a.mu.RUnlock()

	sort.Float64s(sorted)
	return percentileOf(sorted, p), true
}

// Percentiles answers several percentile queries in one pass.
func (a *PercentileAggregator) Percentiles(key string, ps ...float64) (map[float64]float64, bool) {
	a.mu.RLock()
	r, ok := a.reservoirs[key]
	if !ok || len(r.values) == 0 {
		a.mu.RUnlock()
		return nil, false
	}
	sorted := make([]float64, len(r.values))
	copy(sorted, r.values)
	a.mu.RUnlock()

	sort.Float64s(sorted)
	out := make(map[float64]float64, len(ps))
	for _, p := range ps {
		out[p] = percentileOf(sorted, p)
	}
	return out, true
}

// Keys lists every key with samples.
func (a *PercentileAggregator) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.reservoirs))
	for k := range a.reservoirs {
		keys = append(keys, k)
	}
	return keys
}

// Reset drops all reservoirs.
func (a *PercentileAggregator) Reset() {
	a.mu.Lock()
	a.reservoirs = make(map[string]*reservoir)
	a.mu.Unlock()
}
