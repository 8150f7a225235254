package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ali-master/shield/internal/logging"
)

// PrometheusCollector encodes metric events into a client_golang
// registry. Each metric family is registered lazily with the label
// names of its first event; later events must use the same label set.
type PrometheusCollector struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	summaries  map[string]*prometheus.SummaryVec
}

// NewPrometheusCollector creates a collector with its own registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		summaries:  make(map[string]*prometheus.SummaryVec),
	}
}

// Registry exposes the underlying registry for an exposition handler.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// sanitizeName maps arbitrary metric names onto the prometheus charset.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		ok := r == '_' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9' && i > 0)
		if ok {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, sanitizeName(k))
	}
	sort.Strings(names)
	return names
}

func sanitizeLabels(labels map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		out[sanitizeName(k)] = v
	}
	return out
}

func (c *PrometheusCollector) Increment(name string, labels map[string]string, delta float64) {
	c.mu.Lock()
	vec, ok := c.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: sanitizeName(name),
		}, labelNames(labels))
		if err := c.registry.Register(vec); err != nil {
			c.mu.Unlock()
			logging.Debug("prometheus register failed", zap.String("metric", name), zap.Error(err))
			return
		}
		c.counters[name] = vec
	}
	c.mu.Unlock()

	m, err := vec.GetMetricWith(sanitizeLabels(labels))
	if err != nil {
		logging.Debug("prometheus label mismatch", zap.String("metric", name), zap.Error(err))
		return
	}
	m.Add(delta)
}

// Decrement applies to a gauge family; prometheus counters are
// monotonic.
func (c *PrometheusCollector) Decrement(name string, labels map[string]string, delta float64) {
	if g, err := c.gauge(name, labels); err == nil {
		g.Sub(delta)
	}
}

func (c *PrometheusCollector) Gauge(name string, labels map[string]string, value float64) {
	if g, err := c.gauge(name, labels); err == nil {
		g.Set(value)
	}
}

func (c *PrometheusCollector) gauge(name string, labels map[string]string) (prometheus.Gauge, error) {
	c.mu.Lock()
	vec, ok := c.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: sanitizeName(name),
		}, labelNames(labels))
		if err := c.registry.Register(vec); err != nil {
			c.mu.Unlock()
			logging.Debug("prometheus register failed", zap.String("metric", name), zap.Error(err))
			return nil, err
		}
		c.gauges[name] = vec
	}
	c.mu.Unlock()

	g, err := vec.GetMetricWith(sanitizeLabels(labels))
	if err != nil {
		logging.Debug("prometheus label mismatch", zap.String("metric", name), zap.Error(err))
	}
	return g, err
}

func (c *PrometheusCollector) Histogram(name string, labels map[string]string, value float64) {
	c.mu.Lock()
	vec, ok := c.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    sanitizeName(name),
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		if err := c.registry.Register(vec); err != nil {
			c.mu.Unlock()
			logging.Debug("prometheus register failed", zap.String("metric", name), zap.Error(err))
			return
		}
		c.histograms[name] = vec
	}
	c.mu.Unlock()

	m, err := vec.GetMetricWith(sanitizeLabels(labels))
	if err != nil {
		logging.Debug("prometheus label mismatch", zap.String("metric", name), zap.Error(err))
		return
	}
	m.Observe(value)
}

func (c *PrometheusCollector) Summary(name string, labels map[string]string, value float64) {
	c.mu.Lock()
	vec, ok := c.summaries[name]
	if !ok {
		vec = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       sanitizeName(name),
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.95: 0.005, 0.99: 0.001},
		}, labelNames(labels))
		if err := c.registry.Register(vec); err != nil {
			c.mu.Unlock()
			logging.Debug("prometheus register failed", zap.String("metric", name), zap.Error(err))
			return
		}
		c.summaries[name] = vec
	}
	c.mu.Unlock()

	m, err := vec.GetMetricWith(sanitizeLabels(labels))
	if err != nil {
		logging.Debug("prometheus label mismatch", zap.String("metric", name), zap.Error(err))
		return
	}
	m.Observe(value)
}
