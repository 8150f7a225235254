package metrics

import (
	"math"
	"sort"
	"sync"
)

// Trend classifies the direction of a rolling buffer.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// trendThreshold is the relative half-to-half change below which a
// buffer counts as stable.
const trendThreshold = 0.1

// RollingAggregator keeps a fixed-length sliding buffer of raw values
// per key and derives descriptive statistics on demand.
type RollingAggregator struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ring
}

type ring struct {
	values []float64
	idx    int
	full   bool
}

func (r *ring) push(v float64) {
	r.values[r.idx] = v
	r.idx++
	if r.idx == len(r.values) {
		r.idx = 0
		r.full = true
	}
}

// ordered returns the live values oldest first.
func (r *ring) ordered() []float64 {
	if !r.full {
		out := make([]float64, r.idx)
		copy(out, r.values[:r.idx])
		return out
	}
	out := make([]float64, 0, len(r.values))
	out = append(out, r.values[r.idx:]...)
	out = append(out, r.values[:r.idx]...)
	return out
}

// NewRollingAggregator creates an aggregator with size slots per key.
func NewRollingAggregator(size int) *RollingAggregator {
	if size <= 0 {
		size = 100
	}
	return &RollingAggregator{
		size:    size,
		buffers: make(map[string]*ring),
	}
}

// Add appends a value to the key's buffer, evicting the oldest once the
// buffer is full.
func (a *RollingAggregator) Add(key string, value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.buffers[key]
	if !ok {
		r = &ring{values: make([]float64, a.size)}
		a.buffers[key] = r
	}
	r.push(value)
}

// RollingStats are the derived statistics of one buffer.
type RollingStats struct {
	Count        int     `json:"count"`
	Sum          float64 `json:"sum"`
	Average      float64 `json:"average"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	StdDev       float64 `json:"std_dev"`
	RateOfChange float64 `json:"rate_of_change"`
	Trend        Trend   `json:"trend"`
	P50          float64 `json:"p50"`
	P90          float64 `json:"p90"`
	P95          float64 `json:"p95"`
	P99          float64 `json:"p99"`
}

// Stats computes the statistics for key. The second return is false
// when the key has no samples.
func (a *RollingAggregator) Stats(key string) (RollingStats, bool) {
	a.mu.RLock()
	r, ok := a.buffers[key]
	if !ok {
		a.mu.RUnlock()
		return RollingStats{}, false
	}
	values := r.ordered()
	a.mu.RUnlock()

	if len(values) == 0 {
		return RollingStats{}, false
	}
	return computeStats(values), true
}

// All computes the statistics of every key.
func (a *RollingAggregator) All() map[string]RollingStats {
	a.mu.RLock()
	ordered := make(map[string][]float64, len(a.buffers))
	for k, r := range a.buffers {
		ordered[k] = r.ordered()
	}
	a.mu.RUnlock()

	out := make(map[string]RollingStats, len(ordered))
	for k, values := range ordered {
		if len(values) > 0 {
			out[k] = computeStats(values)
		}
	}
	return out
}

// Reset drops all buffers.
func (a *RollingAggregator) Reset() {
	a.mu.Lock()
	a.buffers = make(map[string]*ring)
	a.mu.Unlock()
}

func computeStats(values []float64) RollingStats {
	st := RollingStats{
		Count: len(values),
		Min:   values[0],
		Max:   values[0],
	}
	for _, v := range values {
		st.Sum += v
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
	}
	n := float64(len(values))
	st.Average = st.Sum / n

	var sq float64
	for _, v := range values {
		d := v - st.Average
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / n)

	if len(values) > 1 {
		st.RateOfChange = (values[len(values)-1] - values[0]) / float64(len(values)-1)
	}
	st.Trend = trendOf(values)

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	st.P50 = percentileOf(sorted, 50)
	st.P90 = percentileOf(sorted, 90)
	st.P95 = percentileOf(sorted, 95)
	st.P99 = percentileOf(sorted, 99)
	return st
}

// trendOf compares the first and second half of the buffer: a relative
// shift beyond trendThreshold classifies as increasing or decreasing.
func trendOf(values []float64) Trend {
	if len(values) < 4 {
		return TrendStable
	}
	mid := len(values) / 2
	firstAvg := mean(values[:mid])
	secondAvg := mean(values[mid:])

	base := math.Abs(firstAvg)
	if base < 1e-9 {
		base = 1e-9
	}
	switch change := (secondAvg - firstAvg) / base; {
	case change > trendThreshold:
		return TrendIncreasing
	case change < -trendThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
