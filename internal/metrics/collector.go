package metrics

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/shielderrors"
)

// Collector encodes metric events for an external sink. Collectors do
// no aggregation; the pipeline owns that.
type Collector interface {
	Increment(name string, labels map[string]string, delta float64)
	Decrement(name string, labels map[string]string, delta float64)
	Gauge(name string, labels map[string]string, value float64)
	Histogram(name string, labels map[string]string, value float64)
	Summary(name string, labels map[string]string, value float64)
}

// Flusher is implemented by collectors that buffer output.
type Flusher interface {
	Flush() error
}

// CollectorFuncs adapts plain functions into a Collector; nil fields are
// skipped. It is the custom-collector extension point.
type CollectorFuncs struct {
	OnIncrement func(name string, labels map[string]string, delta float64)
	OnDecrement func(name string, labels map[string]string, delta float64)
	OnGauge     func(name string, labels map[string]string, value float64)
	OnHistogram func(name string, labels map[string]string, value float64)
	OnSummary   func(name string, labels map[string]string, value float64)
}

func (c CollectorFuncs) Increment(name string, labels map[string]string, delta float64) {
	if c.OnIncrement != nil {
		c.OnIncrement(name, labels, delta)
	}
}

func (c CollectorFuncs) Decrement(name string, labels map[string]string, delta float64) {
	if c.OnDecrement != nil {
		c.OnDecrement(name, labels, delta)
	}
}

func (c CollectorFuncs) Gauge(name string, labels map[string]string, value float64) {
	if c.OnGauge != nil {
		c.OnGauge(name, labels, value)
	}
}

func (c CollectorFuncs) Histogram(name string, labels map[string]string, value float64) {
	if c.OnHistogram != nil {
		c.OnHistogram(name, labels, value)
	}
}

func (c CollectorFuncs) Summary(name string, labels map[string]string, value float64) {
	if c.OnSummary != nil {
		c.OnSummary(name, labels, value)
	}
}

// JSONCollector writes one JSON object per metric event to a writer.
// Intended for debugging and log shipping.
type JSONCollector struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONCollector creates a collector writing to w.
func NewJSONCollector(w io.Writer) *JSONCollector {
	return &JSONCollector{enc: json.NewEncoder(w)}
}

type jsonEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

func (c *JSONCollector) emit(kind, name string, labels map[string]string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enc.Encode(jsonEvent{
		Timestamp: time.Now(),
		Kind:      kind,
		Name:      name,
		Value:     value,
		Labels:    labels,
	})
}

func (c *JSONCollector) Increment(name string, labels map[string]string, delta float64) {
	c.emit("increment", name, labels, delta)
}

func (c *JSONCollector) Decrement(name string, labels map[string]string, delta float64) {
	c.emit("decrement", name, labels, delta)
}

func (c *JSONCollector) Gauge(name string, labels map[string]string, value float64) {
	c.emit("gauge", name, labels, value)
}

func (c *JSONCollector) Histogram(name string, labels map[string]string, value float64) {
	c.emit("histogram", name, labels, value)
}

func (c *JSONCollector) Summary(name string, labels map[string]string, value float64) {
	c.emit("summary", name, labels, value)
}

// BuildCollectors instantiates the collectors named in cfg.Collectors.
// Custom collectors are appended by the caller; unknown names fail so a
// typo cannot silently drop a sink.
func BuildCollectors(cfg config.MetricsConfig, extra ...Collector) ([]Collector, error) {
	out := make([]Collector, 0, len(cfg.Collectors)+len(extra))
	for _, name := range cfg.Collectors {
		switch name {
		case "prometheus":
			out = append(out, NewPrometheusCollector())
		case "statsd":
			sc, err := NewStatsdCollector(cfg.Statsd)
			if err != nil {
				return nil, err
			}
			out = append(out, sc)
		case "json":
			out = append(out, NewJSONCollector(os.Stdout))
		default:
			return nil, shielderrors.New(shielderrors.CodeConfiguration,
				"unknown metrics collector").WithDetails(name)
		}
	}
	return append(out, extra...), nil
}
