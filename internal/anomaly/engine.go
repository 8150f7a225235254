package anomaly

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/logging"
	"github.com/ali-master/shield/internal/metrics"
)

// maxPending bounds the sample buffer between evaluations. Under
// sustained overload the oldest samples are dropped; detection is
// best-effort, admission never waits on it.
const maxPending = 8192

// historyTTL ages out result history for series that stopped reporting.
const historyTTL = time.Hour

// AlertFunc receives every anomalous result for downstream routing.
type AlertFunc func(Result)

// Engine buffers observed samples and periodically runs the configured
// detectors over them, keeping a bounded result history per
// metric/detector pair.
type Engine struct {
	cfg       config.AnomalyConfig
	detectors []Detector
	onAnomaly AlertFunc

	mu      sync.Mutex
	pending []metrics.Sample
	dropped int64

	history *expirable.LRU[string, []Result]

	totalEvaluated atomic.Int64
	totalAnomalies atomic.Int64

	cancel   context.CancelFunc
	loopDone chan struct{}
	once     sync.Once
}

// NewEngine creates an engine over detectors. onAnomaly may be nil.
// The evaluation loop starts only when cfg.EvaluationInterval is set;
// otherwise the caller drives evaluation explicitly.
func NewEngine(cfg config.AnomalyConfig, detectors []Detector, onAnomaly AlertFunc) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 256
	}
	e := &Engine{
		cfg:       cfg,
		detectors: detectors,
		onAnomaly: onAnomaly,
		history:   expirable.NewLRU[string, []Result](maxSeries, nil, historyTTL),
	}
	if cfg.EvaluationInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.loopDone = make(chan struct{})
		go e.loop(ctx)
	}
	return e
}

// Observe queues one sample for the next evaluation.
func (e *Engine) Observe(s metrics.Sample) {
	if s.Name == "" {
		return
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	e.mu.Lock()
	if len(e.pending) >= maxPending {
		e.pending = e.pending[1:]
		e.dropped++
	}
	e.pending = append(e.pending, s)
	e.mu.Unlock()
}

// Evaluate drains the buffer, runs every detector over it, records the
// results, and fires the alert hook for each anomaly. It returns every
// result produced in this pass.
func (e *Engine) Evaluate() []Result {
	e.mu.Lock()
	samples := e.pending
	e.pending = nil
	dropped := e.dropped
	e.dropped = 0
	e.mu.Unlock()

	if dropped > 0 {
		logging.Warn("anomaly engine dropped samples", zap.Int64("dropped", dropped))
	}
	if len(samples) == 0 {
		return nil
	}

	var out []Result
	for _, d := range e.detectors {
		results := d.Detect(samples)
		e.totalEvaluated.Add(int64(len(results)))
		for _, r := range results {
			e.remember(r)
			if r.IsAnomaly {
				e.totalAnomalies.Add(1)
				logging.Info("anomaly detected",
					zap.String("metric", r.Metric),
					zap.String("detector", r.Detector),
					zap.Float64("value", r.Value),
					zap.Float64("score", r.Score),
					zap.String("severity", string(r.Severity)))
				if e.onAnomaly != nil {
					e.onAnomaly(r)
				}
			}
		}
		out = append(out, results...)
	}
	return out
}

func (e *Engine) remember(r Result) {
	key := r.Metric + "\x00" + r.Detector
	hist, _ := e.history.Get(key)
	hist = append(hist, r)
	if len(hist) > e.cfg.HistoryLimit {
		hist = hist[len(hist)-e.cfg.HistoryLimit:]
	}
	e.history.Add(key, hist)
}

// History returns the retained results for a metric/detector pair,
// oldest first.
func (e *Engine) History(metric, detector string) []Result {
	hist, _ := e.history.Get(metric + "\x00" + detector)
	return append([]Result(nil), hist...)
}

// Anomalies returns the retained anomalous results across all pairs,
// for the admin surface.
func (e *Engine) Anomalies() []Result {
	var out []Result
	for _, key := range e.history.Keys() {
		hist, _ := e.history.Get(key)
		for _, r := range hist {
			if r.IsAnomaly {
				out = append(out, r)
			}
		}
	}
	return out
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate()
		}
	}
}

// Snapshot is a point-in-time view of engine activity.
type Snapshot struct {
	Detectors      []string `json:"detectors"`
	PendingSamples int      `json:"pending_samples"`
	TotalEvaluated int64    `json:"total_evaluated"`
	TotalAnomalies int64    `json:"total_anomalies"`
}

// Stats reports engine counters.
func (e *Engine) Stats() Snapshot {
	e.mu.Lock()
	pending := len(e.pending)
	e.mu.Unlock()

	names := make([]string, len(e.detectors))
	for i, d := range e.detectors {
		names[i] = d.Name()
	}
	return Snapshot{
		Detectors:      names,
		PendingSamples: pending,
		TotalEvaluated: e.totalEvaluated.Load(),
		TotalAnomalies: e.totalAnomalies.Load(),
	}
}

// Close stops the evaluation loop after one final pass.
func (e *Engine) Close() {
	e.once.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.loopDone
		}
		e.Evaluate()
	})
}
