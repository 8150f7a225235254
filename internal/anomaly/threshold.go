package anomaly

import (
	"math"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/metrics"
	"github.com/ali-master/shield/internal/shielderrors"
)

// thresholdDetector checks values against bounds. Static bounds come
// from configuration; adaptive mode recomputes them per series as
// mean +/- deviations*stddev over the trailing window.
type thresholdDetector struct {
	name       string
	upper      *float64
	lower      *float64
	adaptive   bool
	deviations float64
	minSamples int
	history    *history
}

func newThreshold(cfg config.DetectorConfig) (Detector, error) {
	d := &thresholdDetector{
		name:       detectorName(cfg, "threshold"),
		upper:      cfg.UpperBound,
		lower:      cfg.LowerBound,
		adaptive:   cfg.Adaptive,
		deviations: cfg.Deviations,
		minSamples: cfg.MinSamples,
	}
	if d.adaptive {
		if d.deviations <= 0 {
			d.deviations = 3
		}
		window := cfg.WindowSize
		if window <= 0 {
			window = 100
		}
		if d.minSamples <= 0 {
			d.minSamples = 10
		}
		d.history = newHistory(window)
		return d, nil
	}
	if d.upper == nil && d.lower == nil {
		return nil, shielderrors.New(shielderrors.CodeConfiguration,
			"threshold detector needs upper_bound, lower_bound, or adaptive").WithDetails(cfg.Name)
	}
	if d.upper != nil && d.lower != nil && *d.upper <= *d.lower {
		return nil, shielderrors.New(shielderrors.CodeConfiguration,
			"threshold upper_bound must exceed lower_bound").WithDetails(cfg.Name)
	}
	return d, nil
}

func (d *thresholdDetector) Name() string { return d.name }
func (d *thresholdDetector) Type() string { return "threshold" }

func (d *thresholdDetector) Detect(samples []metrics.Sample) []Result {
	var out []Result
	for _, s := range samples {
		key := metrics.SeriesKey(s.Name, s.Labels)
		if d.adaptive {
			if r, ok := d.adaptiveResult(key, s); ok {
				out = append(out, r)
			}
			continue
		}
		out = append(out, d.staticResult(key, s))
	}
	return out
}

// staticResult scores 0 inside the bounds and 1 plus the relative
// overshoot outside, so a value 50% past the bound scores 1.5.
func (d *thresholdDetector) staticResult(key string, s metrics.Sample) Result {
	span := d.span()
	var score float64
	switch {
	case d.upper != nil && s.Value > *d.upper:
		score = 1 + (s.Value-*d.upper)/span
	case d.lower != nil && s.Value < *d.lower:
		score = 1 + (*d.lower-s.Value)/span
	}
	r := Result{
		Metric:    key,
		Value:     s.Value,
		Score:     score,
		IsAnomaly: score > 1,
		Detector:  d.name,
		Timestamp: s.Timestamp,
	}
	if r.IsAnomaly {
		r.Severity = severityFor(score, 1)
	}
	return r
}

// span normalizes overshoot: the bound width when both bounds are set,
// otherwise the magnitude of the configured bound.
func (d *thresholdDetector) span() float64 {
	if d.upper != nil && d.lower != nil {
		return *d.upper - *d.lower
	}
	b := d.lower
	if d.upper != nil {
		b = d.upper
	}
	if abs := math.Abs(*b); abs > 0 {
		return abs
	}
	return 1
}

func (d *thresholdDetector) adaptiveResult(key string, s metrics.Sample) (Result, bool) {
	prior := d.history.observe(key, s.Value)
	if len(prior) < d.minSamples {
		return Result{}, false
	}
	mean := meanOf(prior)
	score := deviationScore(s.Value, mean, stddevOf(prior, mean), d.deviations)
	r := Result{
		Metric:    key,
		Value:     s.Value,
		Score:     score,
		IsAnomaly: score > d.deviations,
		Detector:  d.name,
		Timestamp: s.Timestamp,
	}
	if r.IsAnomaly {
		r.Severity = severityFor(score, d.deviations)
	}
	return r, true
}
