package anomaly

import (
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/metrics"
	"github.com/ali-master/shield/internal/shielderrors"
)

// trendWindow bounds the recent values kept per series for trend
// classification.
const trendWindow = 30

// seasonalDetector learns a time-of-day curve per series and flags
// values that deviate from the expected bucket value by more than the
// configured margin. Useful for metrics with a daily rhythm where a
// value normal at noon is anomalous at 4am.
type seasonalDetector struct {
	name      string
	bucketLen int // minutes per time-of-day bucket
	margin    float64
	minObs    int

	mu     sync.Mutex
	series *lru.Cache[string, *seasonalSeries]
}

type seasonalSeries struct {
	buckets []seasonalBucket
	recent  []float64
}

type seasonalBucket struct {
	count int64
	mean  float64
}

func newSeasonal(cfg config.DetectorConfig) (Detector, error) {
	bucketLen := cfg.BucketMinutes
	if bucketLen <= 0 {
		bucketLen = 60
	}
	if 1440%bucketLen != 0 {
		return nil, shielderrors.New(shielderrors.CodeConfiguration,
			"seasonal bucket_minutes must divide a day evenly").WithDetails(cfg.Name)
	}
	margin := cfg.Margin
	if margin <= 0 {
		margin = 0.5
	}
	minObs := cfg.MinSamples
	if minObs <= 0 {
		minObs = 3
	}
	cache, _ := lru.New[string, *seasonalSeries](maxSeries)
	return &seasonalDetector{
		name:      detectorName(cfg, "seasonal"),
		bucketLen: bucketLen,
		margin:    margin,
		minObs:    minObs,
		series:    cache,
	}, nil
}

func (d *seasonalDetector) Name() string { return d.name }
func (d *seasonalDetector) Type() string { return "seasonal" }

func (d *seasonalDetector) Detect(samples []metrics.Sample) []Result {
	var out []Result
	for _, s := range samples {
		key := metrics.SeriesKey(s.Name, s.Labels)

		d.mu.Lock()
		ss, ok := d.series.Get(key)
		if !ok {
			ss = &seasonalSeries{buckets: make([]seasonalBucket, 1440/d.bucketLen)}
			d.series.Add(key, ss)
		}
		minuteOfDay := s.Timestamp.Hour()*60 + s.Timestamp.Minute()
		bk := &ss.buckets[minuteOfDay/d.bucketLen]

		var r Result
		judged := bk.count >= int64(d.minObs)
		if judged {
			r = d.judge(key, bk.mean, s)
		}

		// Fold the observation into the curve after judging so a spike
		// does not vouch for itself.
		bk.count++
		bk.mean += (s.Value - bk.mean) / float64(bk.count)

		ss.recent = append(ss.recent, s.Value)
		if len(ss.recent) > trendWindow {
			ss.recent = ss.recent[len(ss.recent)-trendWindow:]
		}
		d.mu.Unlock()

		if judged {
			out = append(out, r)
		}
	}
	return out
}

// judge scores the relative deviation from the expected bucket value
// against the margin: a value 2x the margin off the curve scores 2.
func (d *seasonalDetector) judge(key string, expected float64, s metrics.Sample) Result {
	base := math.Abs(expected)
	if base == 0 {
		base = 1
	}
	deviation := math.Abs(s.Value-expected) / base
	score := deviation / d.margin
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

// Trend classifies the short-term direction of a series by comparing
// the first and second half of the recent values.
func (d *seasonalDetector) Trend(metric string) metrics.Trend {
	d.mu.Lock()
	defer d.mu.Unlock()
	ss, ok := d.series.Get(metric)
	if !ok || len(ss.recent) < 4 {
		return metrics.TrendStable
	}

	half := len(ss.recent) / 2
	first := meanOf(ss.recent[:half])
	second := meanOf(ss.recent[half:])
	base := math.Abs(first)
	if base == 0 {
		base = 1
	}
	switch change := (second - first) / base; {
	case change > 0.1:
		return metrics.TrendIncreasing
	case change < -0.1:
		return metrics.TrendDecreasing
	default:
		return metrics.TrendStable
	}
}
