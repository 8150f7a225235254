package anomaly

import (
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxSeries bounds how many metric series one detector tracks. Beyond
// it the least recently seen series is evicted, so unbounded label
// cardinality cannot grow memory without limit.
const maxSeries = 1024

// history keeps a trailing value window per series key.
type history struct {
	mu     sync.Mutex
	series *lru.Cache[string, []float64]
	window int
}

func newHistory(window int) *history {
	cache, _ := lru.New[string, []float64](maxSeries)
	return &history{series: cache, window: window}
}

// observe appends v to the series at key and returns a copy of the
// values that preceded it, oldest first. Callers evaluate against the
// prior window so a spike is judged before it pollutes the statistics.
func (h *history) observe(key string, v float64) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	values, _ := h.series.Get(key)
	prior := append([]float64(nil), values...)

	values = append(values, v)
	if len(values) > h.window {
		values = values[len(values)-h.window:]
	}
	h.series.Add(key, values)
	return prior
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddevOf is the population standard deviation around mean.
func stddevOf(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

func sortedCopy(values []float64) []float64 {
	out := append([]float64(nil), values...)
	sort.Float64s(out)
	return out
}

// quantile interpolates the q-th quantile (q in [0,1]) of a sorted
// slice.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}
	rank := q * float64(n-1)
	lo := int(rank)
	frac := rank - float64(lo)
	if lo+1 >= n {
		return sorted[n-1]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// medianAbsoluteDeviation is the median of |v - median| over values.
func medianAbsoluteDeviation(values []float64, median float64) float64 {
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - median)
	}
	sort.Float64s(devs)
	return quantile(devs, 0.5)
}
