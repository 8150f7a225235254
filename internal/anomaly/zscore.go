package anomaly

import (
	"math"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/metrics"
	"github.com/ali-master/shield/internal/shielderrors"
)

// zscoreDetector flags values whose standard score against the trailing
// window exceeds the threshold. Cheap, assumes the series is roughly
// normal.
type zscoreDetector struct {
	name       string
	threshold  float64
	minSamples int
	history    *history
}

func newZScore(cfg config.DetectorConfig) (Detector, error) {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	window := cfg.WindowSize
	if window <= 0 {
		window = 100
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 10
	}
	if minSamples > window {
		return nil, shielderrors.New(shielderrors.CodeConfiguration,
			"zscore min_samples exceeds window_size").WithDetails(cfg.Name)
	}
	return &zscoreDetector{
		name:       detectorName(cfg, "zscore"),
		threshold:  threshold,
		minSamples: minSamples,
		history:    newHistory(window),
	}, nil
}

func (d *zscoreDetector) Name() string { return d.name }
func (d *zscoreDetector) Type() string { return "zscore" }

func (d *zscoreDetector) Detect(samples []metrics.Sample) []Result {
	var out []Result
	for _, s := range samples {
		key := metrics.SeriesKey(s.Name, s.Labels)
		prior := d.history.observe(key, s.Value)
		if len(prior) < d.minSamples {
			continue
		}
		mean := meanOf(prior)
		score := deviationScore(s.Value, mean, stddevOf(prior, mean), d.threshold)
		r := Result{
			Metric:    key,
			Value:     s.Value,
			Score:     score,
			IsAnomaly: score > d.threshold,
			Detector:  d.name,
			Timestamp: s.Timestamp,
		}
		if r.IsAnomaly {
			r.Severity = severityFor(score, d.threshold)
		}
		out = append(out, r)
	}
	return out
}

// deviationScore is |v-mean|/stddev. A flat window makes any deviation
// extreme; the score is capped at four boundaries to stay JSON-safe.
func deviationScore(v, mean, sd, boundary float64) float64 {
	if sd > 0 {
		return math.Abs(v-mean) / sd
	}
	if v == mean {
		return 0
	}
	return 4 * boundary
}
