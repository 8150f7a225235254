package metrics

import (
	"testing"
	"time"
)

func TestTimeWindowCounterSums(t *testing.T) {
	agg := NewTimeWindowAggregator(time.Minute, 10)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	labels := map[string]string{"route": "api"}

	agg.Add(Sample{Name: "requests", Type: TypeCounter, Value: 2, Labels: labels, Timestamp: base})
	agg.Add(Sample{Name: "requests", Type: TypeCounter, Value: 3, Labels: labels, Timestamp: base.Add(20 * time.Second)})
	agg.Add(Sample{Name: "requests", Type: TypeCounter, Value: 1, Labels: labels, Timestamp: base.Add(70 * time.Second)})

	points := agg.Series("requests", labels)
	if len(points) != 2 {
		t.Fatalf("windows = %d, want 2", len(points))
	}
	if points[0].Value != 5 || points[0].Count != 2 {
		t.Errorf("window 0 = %v/%d, want 5/2", points[0].Value, points[0].Count)
	}
	if points[1].Value != 1 {
		t.Errorf("window 1 = %v, want 1", points[1].Value)
	}
	if !points[0].Timestamp.Equal(base) {
		t.Errorf("window 0 start = %v, want %v", points[0].Timestamp, base)
	}
}

func TestTimeWindowGaugeKeepsLast(t *testing.T) {
	agg := NewTimeWindowAggregator(time.Minute, 10)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	agg.Add(Sample{Name: "depth", Type: TypeGauge, Value: 7, Timestamp: base})
	agg.Add(Sample{Name: "depth", Type: TypeGauge, Value: 3, Timestamp: base.Add(time.Second)})

	points := agg.Series("depth", nil)
	if len(points) != 1 || points[0].Value != 3 {
		t.Fatalf("gauge window = %+v, want last value 3", points)
	}
}

func TestTimeWindowHistogramAverages(t *testing.T) {
	agg := NewTimeWindowAggregator(time.Minute, 10)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	agg.Add(Sample{Name: "latency", Type: TypeHistogram, Value: 10, Timestamp: base})
	agg.Add(Sample{Name: "latency", Type: TypeHistogram, Value: 30, Timestamp: base.Add(time.Second)})

	points := agg.Series("latency", nil)
	if len(points) != 1 || points[0].Value != 20 {
		t.Fatalf("histogram window = %+v, want average 20", points)
	}
}

func TestTimeWindowRetentionAndLateArrival(t *testing.T) {
	agg := NewTimeWindowAggregator(time.Minute, 3)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		agg.Add(Sample{Name: "m", Type: TypeCounter, Value: 1,
			Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	points := agg.Series("m", nil)
	if len(points) != 3 {
		t.Fatalf("windows = %d, want 3 (trimmed)", len(points))
	}
	if !points[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("oldest retained = %v, want %v", points[0].Timestamp, base.Add(2*time.Minute))
	}

	// A late sample lands in its own retained window.
	agg.Add(Sample{Name: "m", Type: TypeCounter, Value: 4,
		Timestamp: base.Add(2*time.Minute + 30*time.Second)})
	points = agg.Series("m", nil)
	if points[0].Value != 5 {
		t.Fatalf("late fold = %v, want 5", points[0].Value)
	}

	// A sample older than the retained history is dropped.
	agg.Add(Sample{Name: "m", Type: TypeCounter, Value: 100, Timestamp: base})
	points = agg.Series("m", nil)
	for _, pt := range points {
		if pt.Value == 100 {
			t.Fatal("expired sample was retained")
		}
	}
}
