package anomaly

import (
	"math"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/metrics"
)

// Cutoffs for the three ensemble tests. The modified z-score cutoff and
// its scale constant are the Iglewicz-Hoaglin values.
const (
	madCutoff   = 3.5
	madScale    = 0.6745
	iqrFence    = 1.5
	sigmaCutoff = 3.0
)

// statisticalDetector runs an ensemble of robust tests: Tukey's IQR
// fences, the modified z-score on the median absolute deviation, and a
// classical three-sigma check. Two agreeing tests flag the sample,
// which keeps a single skewed statistic from dominating on non-normal
// data.
type statisticalDetector struct {
	name       string
	minSamples int
	history    *history
}

func newStatistical(cfg config.DetectorConfig) (Detector, error) {
	window := cfg.WindowSize
	if window <= 0 {
		window = 100
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 20
	}
	return &statisticalDetector{
		name:       detectorName(cfg, "statistical"),
		minSamples: minSamples,
		history:    newHistory(window),
	}, nil
}

func (d *statisticalDetector) Name() string { return d.name }
func (d *statisticalDetector) Type() string { return "statistical" }

func (d *statisticalDetector) Detect(samples []metrics.Sample) []Result {
	var out []Result
	for _, s := range samples {
		key := metrics.SeriesKey(s.Name, s.Labels)
		prior := d.history.observe(key, s.Value)
		if len(prior) < d.minSamples {
			continue
		}

		sorted := sortedCopy(prior)
		q1 := quantile(sorted, 0.25)
		q3 := quantile(sorted, 0.75)
		median := quantile(sorted, 0.5)
		mad := medianAbsoluteDeviation(prior, median)
		mean := meanOf(prior)
		sd := stddevOf(prior, mean)

		votes := 0
		if iqr := q3 - q1; iqr > 0 {
			if s.Value < q1-iqrFence*iqr || s.Value > q3+iqrFence*iqr {
				votes++
			}
		} else if s.Value < q1 || s.Value > q3 {
			votes++
		}

		// The modified z-score doubles as the reported deviation
		// magnitude.
		var mz float64
		if mad > 0 {
			mz = madScale * math.Abs(s.Value-median) / mad
			if mz > madCutoff {
				votes++
			}
		} else if s.Value != median {
			mz = 4 * madCutoff
			votes++
		}

		if sd > 0 && math.Abs(s.Value-mean)/sd > sigmaCutoff {
			votes++
		}

		r := Result{
			Metric:    key,
			Value:     s.Value,
			Score:     mz,
			IsAnomaly: votes >= 2,
			Detector:  d.name,
			Timestamp: s.Timestamp,
		}
		if r.IsAnomaly {
			r.Severity = severityFor(mz, madCutoff)
		}
		out = append(out, r)
	}
	return out
}
