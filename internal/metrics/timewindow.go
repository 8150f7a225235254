package metrics

import (
	"sync"
	"time"
)

// TimeWindowAggregator buckets samples into fixed-size time windows and
// retains the most recent maxWindows per series. How a window condenses
// its samples follows the declared metric type: counters sum, gauges
// keep the last value, histograms and summaries average.
type TimeWindowAggregator struct {
	mu         sync.RWMutex
	windowSize time.Duration
	maxWindows int
	series     map[string]*timeSeries
}

type timeSeries struct {
	typ     Type
	windows []window // oldest first
}

type window struct {
	start time.Time
	sum   float64
	last  float64
	count int64
}

// TimeSeriesPoint is one aggregated window.
type TimeSeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Count     int64     `json:"count"`
}

// NewTimeWindowAggregator creates an aggregator with windowSize buckets,
// keeping maxWindows of history per series.
func NewTimeWindowAggregator(windowSize time.Duration, maxWindows int) *TimeWindowAggregator {
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	if maxWindows <= 0 {
		maxWindows = 60
	}
	return &TimeWindowAggregator{
		windowSize: windowSize,
		maxWindows: maxWindows,
		series:     make(map[string]*timeSeries),
	}
}

// Add folds a sample into its window. Samples older than the retained
// history are dropped.
func (a *TimeWindowAggregator) Add(s Sample) {
	start := s.Timestamp.Truncate(a.windowSize)
	key := SeriesKey(s.Name, s.Labels)

	a.mu.Lock()
	defer a.mu.Unlock()

	ts, ok := a.series[key]
	if !ok {
		ts = &timeSeries{typ: s.Type}
		a.series[key] = ts
	}

	// Hot path: the sample lands in the newest window.
	if n := len(ts.windows); n > 0 && ts.windows[n-1].start.Equal(start) {
		ts.windows[n-1].fold(s.Value)
		return
	}
	if n := len(ts.windows); n == 0 || ts.windows[n-1].start.Before(start) {
		ts.windows = append(ts.windows, window{start: start, sum: s.Value, last: s.Value, count: 1})
		if len(ts.windows) > a.maxWindows {
			ts.windows = ts.windows[len(ts.windows)-a.maxWindows:]
		}
		return
	}
	// Late arrival: walk back to its window if still retained.
	for i := len(ts.windows) - 1; i >= 0; i-- {
		if ts.windows[i].start.Equal(start) {
			ts.windows[i].fold(s.Value)
			return
		}
	}
}

func (w *window) fold(v float64) {
	w.sum += v
	w.last = v
	w.count++
}

// Series returns the retained windows for a metric and label set,
// condensed by the series' metric type.
func (a *TimeWindowAggregator) Series(name string, labels map[string]string) []TimeSeriesPoint {
	key := SeriesKey(name, labels)

	a.mu.RLock()
	defer a.mu.RUnlock()

	ts, ok := a.series[key]
	if !ok {
		return nil
	}
	out := make([]TimeSeriesPoint, 0, len(ts.windows))
	for _, w := range ts.windows {
		out = append(out, TimeSeriesPoint{
			Timestamp: w.start,
			Value:     condense(ts.typ, w),
			Count:     w.count,
		})
	}
	return out
}

func condense(typ Type, w window) float64 {
	switch typ {
	case TypeGauge:
		return w.last
	case TypeHistogram, TypeSummary:
		if w.count == 0 {
			return 0
		}
		return w.sum / float64(w.count)
	default:
		return w.sum
	}
}

// Keys lists every live series key.
func (a *TimeWindowAggregator) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.series))
	for k := range a.series {
		keys = append(keys, k)
	}
	return keys
}

// Reset drops all series.
func (a *TimeWindowAggregator) Reset() {
	a.mu.Lock()
	a.series = make(map[string]*timeSeries)
	a.mu.Unlock()
}
