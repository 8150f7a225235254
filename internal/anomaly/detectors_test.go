package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/metrics"
)

func f64(v float64) *float64 { return &v }

func TestThresholdStaticBounds(t *testing.T) {
	d, err := newThreshold(config.DetectorConfig{
		Name:       "t",
		Type:       "threshold",
		UpperBound: f64(100),
		LowerBound: f64(10),
	})
	if err != nil {
		t.Fatalf("newThreshold: %v", err)
	}

	samples := []metrics.Sample{
		{Name: "m", Value: 50, Timestamp: time.Now()},
		{Name: "m", Value: 150, Timestamp: time.Now()},
		{Name: "m", Value: 5, Timestamp: time.Now()},
		{Name: "m", Value: 100, Timestamp: time.Now()}, // at the bound, inside
	}
	results := d.Detect(samples)
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	want := []bool{false, true, true, false}
	for i, r := range results {
		if r.IsAnomaly != want[i] {
			t.Errorf("value %v: anomaly = %v, want %v", r.Value, r.IsAnomaly, want[i])
		}
	}
}

func TestThresholdRequiresBoundsOrAdaptive(t *testing.T) {
	if _, err := newThreshold(config.DetectorConfig{Name: "t", Type: "threshold"}); err == nil {
		t.Fatal("static threshold without bounds should be rejected")
	}
	if _, err := newThreshold(config.DetectorConfig{
		Name: "t", Type: "threshold", UpperBound: f64(1), LowerBound: f64(2),
	}); err == nil {
		t.Fatal("upper_bound <= lower_bound should be rejected")
	}
}

func TestThresholdAdaptive(t *testing.T) {
	d, err := newThreshold(config.DetectorConfig{
		Name:       "t",
		Type:       "threshold",
		Adaptive:   true,
		Deviations: 3,
		WindowSize: 100,
		MinSamples: 10,
	})
	if err != nil {
		t.Fatalf("newThreshold: %v", err)
	}

	samples := series("m", 50, 100, 4)
	samples[40].Value = 200

	var flagged int
	for _, r := range d.Detect(samples) {
		if r.IsAnomaly {
			flagged++
			if r.Value != 200 {
				t.Errorf("flagged value = %v, want 200", r.Value)
			}
		}
	}
	if flagged != 1 {
		t.Fatalf("flagged %d, want 1", flagged)
	}
}

func TestStatisticalFlagsOutlierOnSkewedData(t *testing.T) {
	d, err := newStatistical(config.DetectorConfig{
		Name:       "s",
		Type:       "statistical",
		WindowSize: 100,
		MinSamples: 20,
	})
	if err != nil {
		t.Fatalf("newStatistical: %v", err)
	}

	// Steady base load in a narrow band, then a far outlier.
	var samples []metrics.Sample
	for i := 0; i < 60; i++ {
		samples = append(samples, metrics.Sample{
			Name: "m", Value: 10 + float64(i%5), Timestamp: time.Now(),
		})
	}
	samples = append(samples, metrics.Sample{Name: "m", Value: 500, Timestamp: time.Now()})

	results := d.Detect(samples)
	if len(results) == 0 {
		t.Fatal("no results after warmup")
	}
	last := results[len(results)-1]
	if last.Value != 500 || !last.IsAnomaly {
		t.Errorf("outlier 500 not flagged: %+v", last)
	}
	for _, r := range results[:len(results)-1] {
		if r.IsAnomaly {
			t.Errorf("base value %v flagged", r.Value)
		}
	}
}

func TestSeasonalExpectedCurve(t *testing.T) {
	d, err := newSeasonal(config.DetectorConfig{
		Name:          "season",
		Type:          "seasonal",
		BucketMinutes: 60,
		Margin:        0.3,
		MinSamples:    3,
	})
	if err != nil {
		t.Fatalf("newSeasonal: %v", err)
	}

	noon := time.Date(2026, 1, 5, 12, 30, 0, 0, time.UTC)
	var samples []metrics.Sample
	// Three days of history for the noon bucket at ~100.
	for day := 0; day < 3; day++ {
		samples = append(samples, metrics.Sample{
			Name: "traffic", Value: 100, Timestamp: noon.AddDate(0, 0, day),
		})
	}
	// Within margin, then far off the curve.
	samples = append(samples,
		metrics.Sample{Name: "traffic", Value: 110, Timestamp: noon.AddDate(0, 0, 3)},
		metrics.Sample{Name: "traffic", Value: 300, Timestamp: noon.AddDate(0, 0, 4)},
	)

	results := d.Detect(samples)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (three warmup observations)", len(results))
	}
	if results[0].IsAnomaly {
		t.Errorf("value 110 within margin flagged: %+v", results[0])
	}
	if !results[1].IsAnomaly {
		t.Errorf("value 300 off the curve not flagged: %+v", results[1])
	}

	// A different hour has its own bucket and must warm up separately.
	other := d.Detect([]metrics.Sample{
		{Name: "traffic", Value: 300, Timestamp: noon.Add(6 * time.Hour)},
	})
	if len(other) != 0 {
		t.Errorf("cold bucket produced %d results, want 0", len(other))
	}
}

func TestSeasonalTrend(t *testing.T) {
	d, _ := newSeasonal(config.DetectorConfig{Name: "season", Type: "seasonal"})
	base := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	var samples []metrics.Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, metrics.Sample{
			Name: "m", Value: float64(10 + i*5), Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	d.Detect(samples)

	tr, ok := Detector(d).(TrendReporter)
	if !ok {
		t.Fatal("seasonal detector should report trends")
	}
	if got := tr.Trend("m"); got != metrics.TrendIncreasing {
		t.Errorf("trend = %s, want increasing", got)
	}
	if got := tr.Trend("unknown"); got != metrics.TrendStable {
		t.Errorf("trend for unknown series = %s, want stable", got)
	}
}

func TestForestScoresOutlierAboveCutoff(t *testing.T) {
	d, err := newForest(config.DetectorConfig{
		Name:          "f",
		Type:          "forest",
		Trees:         50,
		SampleSize:    32,
		WindowSize:    128,
		Contamination: 0.05,
		Seed:          42,
	})
	if err != nil {
		t.Fatalf("newForest: %v", err)
	}

	// Training pass: continuous values spread across [40,60].
	var training []metrics.Sample
	for i := 0; i < 128; i++ {
		training = append(training, metrics.Sample{
			Name: "m", Value: 50 + 10*math.Sin(float64(i)), Timestamp: time.Now(),
		})
	}
	if got := d.Detect(training); len(got) != 0 {
		t.Fatalf("training pass produced %d results, want 0", len(got))
	}

	results := d.Detect([]metrics.Sample{
		{Name: "m", Value: 50, Timestamp: time.Now()},
		{Name: "m", Value: 500, Timestamp: time.Now()},
	})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	normal, outlier := results[0], results[1]
	if normal.IsAnomaly {
		t.Errorf("in-distribution value flagged: %+v", normal)
	}
	if !outlier.IsAnomaly {
		t.Errorf("far outlier not flagged: %+v", outlier)
	}
	if outlier.Score <= normal.Score {
		t.Errorf("outlier score %v not above normal score %v", outlier.Score, normal.Score)
	}
	for _, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score %v outside [0,1]", r.Score)
		}
	}
}

func TestForestDeterministicWithSeed(t *testing.T) {
	build := func() Result {
		d, _ := newForest(config.DetectorConfig{
			Name: "f", Type: "forest", Trees: 20, SampleSize: 16, WindowSize: 32, Seed: 7,
		})
		var training []metrics.Sample
		for i := 0; i < 32; i++ {
			training = append(training, metrics.Sample{Name: "m", Value: float64(i % 4)})
		}
		d.Detect(training)
		return d.Detect([]metrics.Sample{{Name: "m", Value: 40}})[0]
	}
	a, b := build(), build()
	if a.Score != b.Score {
		t.Errorf("same seed produced different scores: %v vs %v", a.Score, b.Score)
	}
}
