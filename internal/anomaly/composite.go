package anomaly

import (
	"time"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/metrics"
	"github.com/ali-master/shield/internal/shielderrors"
)

// compositeDetector combines the votes of its sub-detectors. It
// satisfies the Detector contract itself, so composites can nest.
type compositeDetector struct {
	name    string
	mode    string
	subs    []Detector
	weights []float64
}

func newComposite(cfg config.DetectorConfig, subs []Detector) (Detector, error) {
	if len(subs) == 0 {
		return nil, shielderrors.New(shielderrors.CodeConfiguration,
			"composite detector has no sub-detectors").WithDetails(cfg.Name)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = "majority"
	}
	weights := make([]float64, len(subs))
	for i, sub := range subs {
		w := cfg.Weights[sub.Name()]
		if w <= 0 {
			w = 1
		}
		weights[i] = w
	}
	return &compositeDetector{
		name:    detectorName(cfg, "composite"),
		mode:    mode,
		subs:    subs,
		weights: weights,
	}, nil
}

func (d *compositeDetector) Name() string { return d.name }
func (d *compositeDetector) Type() string { return "composite" }

type voteKey struct {
	metric string
	ts     time.Time
}

type tally struct {
	value       float64
	votedWeight float64
	totalWeight float64
	votes       int
	reported    int
	order       int
}

// Detect runs every sub-detector over the samples and combines their
// verdicts per sample. Sub-detectors still warming up abstain; a sample
// no sub-detector judged produces no result.
func (d *compositeDetector) Detect(samples []metrics.Sample) []Result {
	tallies := make(map[voteKey]*tally)
	var order []voteKey

	for i, sub := range d.subs {
		for _, r := range sub.Detect(samples) {
			k := voteKey{metric: r.Metric, ts: r.Timestamp}
			t, ok := tallies[k]
			if !ok {
				t = &tally{value: r.Value, order: len(order)}
				tallies[k] = t
				order = append(order, k)
			}
			t.reported++
			t.totalWeight += d.weights[i]
			if r.IsAnomaly {
				t.votes++
				t.votedWeight += d.weights[i]
			}
		}
	}

	out := make([]Result, 0, len(order))
	for _, k := range order {
		t := tallies[k]
		score := t.votedWeight / t.totalWeight
		var flagged bool
		switch d.mode {
		case "unanimous":
			flagged = t.votes == t.reported
		case "weighted":
			flagged = score > 0.5
		default: // majority
			flagged = t.votes*2 > t.reported
		}
		r := Result{
			Metric:    k.metric,
			Value:     t.value,
			Score:     score,
			IsAnomaly: flagged,
			Detector:  d.name,
			Timestamp: k.ts,
		}
		if r.IsAnomaly {
			r.Severity = severityFor(score, 0.5)
		}
		out = append(out, r)
	}
	return out
}
