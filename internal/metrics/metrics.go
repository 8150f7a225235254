// Package metrics implements the aggregation pipeline: samples flow
// into three aggregators (time-window, rolling, percentile reservoir)
// and fan out to the configured collectors, which only encode.
package metrics

import (
	"sort"
	"strings"
	"time"
)

// Type declares how samples of a metric combine.
type Type string

const (
	TypeCounter   Type = "counter"
	TypeGauge     Type = "gauge"
	TypeHistogram Type = "histogram"
	TypeSummary   Type = "summary"
)

// Sample is one observation of a metric.
type Sample struct {
	Name      string            `json:"name"`
	Type      Type              `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SeriesKey builds the aggregation key for a name and label set. Labels
// are sorted so the key is stable regardless of map order.
func SeriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
