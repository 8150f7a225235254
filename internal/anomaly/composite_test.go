package anomaly

import (
	"testing"
	"time"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/metrics"
)

// stubDetector votes a fixed verdict for every sample it sees. abstain
// simulates a detector still warming up.
type stubDetector struct {
	name    string
	flag    bool
	abstain bool
}

func (d *stubDetector) Name() string { return d.name }
func (d *stubDetector) Type() string { return "stub" }

func (d *stubDetector) Detect(samples []metrics.Sample) []Result {
	if d.abstain {
		return nil
	}
	out := make([]Result, 0, len(samples))
	for _, s := range samples {
		score := 0.0
		if d.flag {
			score = 1
		}
		out = append(out, Result{
			Metric:    metrics.SeriesKey(s.Name, s.Labels),
			Value:     s.Value,
			Score:     score,
			IsAnomaly: d.flag,
			Detector:  d.name,
			Timestamp: s.Timestamp,
		})
	}
	return out
}

func compositeOf(t *testing.T, mode string, weights map[string]float64, subs ...Detector) Detector {
	t.Helper()
	names := make([]string, len(subs))
	for i, s := range subs {
		names[i] = s.Name()
	}
	d, err := newComposite(config.DetectorConfig{
		Name: "combo", Type: "composite", Mode: mode, Detectors: names, Weights: weights,
	}, subs)
	if err != nil {
		t.Fatalf("newComposite: %v", err)
	}
	return d
}

func oneSample() []metrics.Sample {
	return []metrics.Sample{{Name: "m", Value: 42, Timestamp: time.Unix(1000, 0)}}
}

func TestCompositeMajorityVote(t *testing.T) {
	twoOfThree := compositeOf(t, "majority", nil,
		&stubDetector{name: "a", flag: true},
		&stubDetector{name: "b", flag: true},
		&stubDetector{name: "c"},
	)
	results := twoOfThree.Detect(oneSample())
	if len(results) != 1 || !results[0].IsAnomaly {
		t.Fatalf("2/3 votes should flag: %+v", results)
	}

	oneOfThree := compositeOf(t, "majority", nil,
		&stubDetector{name: "a", flag: true},
		&stubDetector{name: "b"},
		&stubDetector{name: "c"},
	)
	results = oneOfThree.Detect(oneSample())
	if len(results) != 1 || results[0].IsAnomaly {
		t.Fatalf("1/3 votes should not flag: %+v", results)
	}
}

func TestCompositeUnanimousVote(t *testing.T) {
	d := compositeOf(t, "unanimous", nil,
		&stubDetector{name: "a", flag: true},
		&stubDetector{name: "b", flag: true},
		&stubDetector{name: "c"},
	)
	if r := d.Detect(oneSample()); r[0].IsAnomaly {
		t.Fatalf("2/3 should not satisfy unanimous: %+v", r)
	}

	all := compositeOf(t, "unanimous", nil,
		&stubDetector{name: "a", flag: true},
		&stubDetector{name: "b", flag: true},
	)
	if r := all.Detect(oneSample()); !r[0].IsAnomaly {
		t.Fatalf("unanimous votes should flag: %+v", r)
	}
}

func TestCompositeWeightedVote(t *testing.T) {
	// One heavy detector outvotes two light ones.
	d := compositeOf(t, "weighted", map[string]float64{"heavy": 3, "l1": 1, "l2": 1},
		&stubDetector{name: "heavy", flag: true},
		&stubDetector{name: "l1"},
		&stubDetector{name: "l2"},
	)
	r := d.Detect(oneSample())
	if !r[0].IsAnomaly {
		t.Fatalf("weighted score 0.6 should flag: %+v", r)
	}
	if r[0].Score != 0.6 {
		t.Errorf("score = %v, want 0.6", r[0].Score)
	}

	// Same votes with equal weights: 1/3 < 0.5.
	eq := compositeOf(t, "weighted", nil,
		&stubDetector{name: "heavy", flag: true},
		&stubDetector{name: "l1"},
		&stubDetector{name: "l2"},
	)
	if r := eq.Detect(oneSample()); r[0].IsAnomaly {
		t.Fatalf("weighted score 1/3 should not flag: %+v", r)
	}
}

func TestCompositeIgnoresAbstainingDetectors(t *testing.T) {
	d := compositeOf(t, "majority", nil,
		&stubDetector{name: "a", flag: true},
		&stubDetector{name: "b", flag: true},
		&stubDetector{name: "warming", abstain: true},
	)
	r := d.Detect(oneSample())
	if len(r) != 1 || !r[0].IsAnomaly {
		t.Fatalf("abstaining detector should not dilute the vote: %+v", r)
	}

	none := compositeOf(t, "majority", nil,
		&stubDetector{name: "a", abstain: true},
		&stubDetector{name: "b", abstain: true},
	)
	if r := none.Detect(oneSample()); len(r) != 0 {
		t.Fatalf("all abstaining should produce no results: %+v", r)
	}
}

func TestCompositeNests(t *testing.T) {
	inner := compositeOf(t, "majority", nil,
		&stubDetector{name: "a", flag: true},
		&stubDetector{name: "b", flag: true},
		&stubDetector{name: "c"},
	)
	outer := compositeOf(t, "unanimous", nil,
		inner,
		&stubDetector{name: "d", flag: true},
	)
	r := outer.Detect(oneSample())
	if len(r) != 1 || !r[0].IsAnomaly {
		t.Fatalf("nested composite should flag: %+v", r)
	}
}
