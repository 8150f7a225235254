package metrics

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/logging"
	"github.com/ali-master/shield/internal/storage"
)

const persistKeyPrefix = "shield:metrics:"

// Pipeline routes samples into the three aggregators and the collectors.
// It optionally persists rolling statistics to the storage backend so an
// admin surface can read them across restarts.
type Pipeline struct {
	cfg        config.MetricsConfig
	timeWindow *TimeWindowAggregator
	rolling    *RollingAggregator
	reservoir  *PercentileAggregator
	collectors []Collector
	store      storage.Store

	totalSamples atomic.Int64

	cancel   context.CancelFunc
	loopDone chan struct{}
	once     sync.Once
}

// NewPipeline wires the aggregators from cfg. store may be nil; the
// persistence loop runs only when cfg.PersistInterval is set and a store
// is present.
func NewPipeline(cfg config.MetricsConfig, collectors []Collector, store storage.Store) *Pipeline {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	if cfg.MaxWindows <= 0 {
		cfg.MaxWindows = 60
	}
	if cfg.RollingSize <= 0 {
		cfg.RollingSize = 100
	}
	if cfg.ReservoirSize <= 0 {
		cfg.ReservoirSize = 1000
	}

	p := &Pipeline{
		cfg:        cfg,
		timeWindow: NewTimeWindowAggregator(cfg.WindowSize, cfg.MaxWindows),
		rolling:    NewRollingAggregator(cfg.RollingSize),
		reservoir:  NewPercentileAggregator(cfg.ReservoirSize),
		collectors: collectors,
		store:      store,
	}

	persist := cfg.PersistInterval > 0 && store != nil
	if cfg.FlushInterval > 0 || persist {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.loopDone = make(chan struct{})
		go p.loop(ctx, persist)
	}
	return p
}

// Record routes one sample. A zero timestamp is stamped now; an empty
// type counts as a gauge.
func (p *Pipeline) Record(s Sample) {
	if s.Name == "" {
		return
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	if s.Type == "" {
		s.Type = TypeGauge
	}
	p.totalSamples.Add(1)

	p.timeWindow.Add(s)
	key := SeriesKey(s.Name, s.Labels)
	p.rolling.Add(key, s.Value)
	p.reservoir.Add(key, s.Value)

	for _, c := range p.collectors {
		switch s.Type {
		case TypeCounter:
			if s.Value < 0 {
				c.Decrement(s.Name, s.Labels, -s.Value)
			} else {
				c.Increment(s.Name, s.Labels, s.Value)
			}
		case TypeHistogram:
			c.Histogram(s.Name, s.Labels, s.Value)
		case TypeSummary:
			c.Summary(s.Name, s.Labels, s.Value)
		default:
			c.Gauge(s.Name, s.Labels, s.Value)
		}
	}
}

// Count records a counter delta.
func (p *Pipeline) Count(name string, labels map[string]string, delta float64) {
	p.Record(Sample{Name: name, Type: TypeCounter, Value: delta, Labels: labels})
}

// Gauge records a gauge reading.
func (p *Pipeline) Gauge(name string, labels map[string]string, value float64) {
	p.Record(Sample{Name: name, Type: TypeGauge, Value: value, Labels: labels})
}

// Observe records a histogram observation.
func (p *Pipeline) Observe(name string, labels map[string]string, value float64) {
	p.Record(Sample{Name: name, Type: TypeHistogram, Value: value, Labels: labels})
}

// Timing records a duration as a histogram observation in milliseconds.
func (p *Pipeline) Timing(name string, labels map[string]string, d time.Duration) {
	p.Observe(name, labels, float64(d)/float64(time.Millisecond))
}

// TimeSeries returns the windowed series for a metric and label set.
func (p *Pipeline) TimeSeries(name string, labels map[string]string) []TimeSeriesPoint {
	return p.timeWindow.Series(name, labels)
}

// RollingStats returns the rolling statistics for a metric and label set.
func (p *Pipeline) RollingStats(name string, labels map[string]string) (RollingStats, bool) {
	return p.rolling.Stats(SeriesKey(name, labels))
}

// Percentile answers one reservoir percentile query.
func (p *Pipeline) Percentile(name string, labels map[string]string, q float64) (float64, bool) {
	return p.reservoir.Percentile(SeriesKey(name, labels), q)
}

// Snapshot is the pipeline's aggregate view for admin surfaces.
type PipelineSnapshot struct {
	TotalSamples int64                   `json:"total_samples"`
	Series       int                     `json:"series"`
	Rolling      map[string]RollingStats `json:"rolling"`
}

// Snapshot reports totals plus the rolling statistics of every series.
func (p *Pipeline) Snapshot() PipelineSnapshot {
	rolling := p.rolling.All()
	return PipelineSnapshot{
		TotalSamples: p.totalSamples.Load(),
		Series:       len(rolling),
		Rolling:      rolling,
	}
}

// Reset clears all three aggregators. Collector state is external and
// untouched.
func (p *Pipeline) Reset() {
	p.timeWindow.Reset()
	p.rolling.Reset()
	p.reservoir.Reset()
}

func (p *Pipeline) loop(ctx context.Context, persist bool) {
	defer close(p.loopDone)

	var flushC, persistC <-chan time.Time
	if p.cfg.FlushInterval > 0 {
		t := time.NewTicker(p.cfg.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}
	if persist {
		t := time.NewTicker(p.cfg.PersistInterval)
		defer t.Stop()
		persistC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushC:
			p.flushCollectors()
		case <-persistC:
			p.persist()
		}
	}
}

func (p *Pipeline) flushCollectors() {
	for _, c := range p.collectors {
		if f, ok := c.(Flusher); ok {
			if err := f.Flush(); err != nil {
				logging.Debug("collector flush failed", zap.Error(err))
			}
		}
	}
}

// persist writes every series' rolling statistics to storage, batched
// when the backend supports it. Entries expire after two intervals so
// dead series age out.
func (p *Pipeline) persist() {
	stats := p.rolling.All()
	if len(stats) == 0 {
		return
	}
	pairs := make(map[string]string, len(stats))
	for key, st := range stats {
		raw, err := json.Marshal(st)
		if err != nil {
			continue
		}
		pairs[persistKeyPrefix+key] = string(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ttl := 2 * p.cfg.PersistInterval

	if bs, ok := p.store.(storage.BatchStore); ok {
		if err := bs.MSet(ctx, pairs, ttl); err != nil {
			logging.Warn("metrics persistence failed", zap.Error(err))
		}
		return
	}
	for k, v := range pairs {
		if err := p.store.Set(ctx, k, v, ttl); err != nil {
			logging.Warn("metrics persistence failed", zap.Error(err))
			return
		}
	}
}

// Close stops the background loop, flushes buffered collectors, writes a
// final persistence snapshot, and closes closable collectors.
func (p *Pipeline) Close() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
			<-p.loopDone
		}
		p.flushCollectors()
		if p.cfg.PersistInterval > 0 && p.store != nil {
			p.persist()
		}
		for _, c := range p.collectors {
			if cl, ok := c.(io.Closer); ok {
				cl.Close()
			}
		}
	})
}
