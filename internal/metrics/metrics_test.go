package metrics

import "testing"

func TestSeriesKeyStable(t *testing.T) {
	a := SeriesKey("requests", map[string]string{"route": "api", "method": "GET"})
	b := SeriesKey("requests", map[string]string{"method": "GET", "route": "api"})
	if a != b {
		t.Fatalf("key order-dependent: %q vs %q", a, b)
	}
	if want := "requests|method=GET|route=api"; a != want {
		t.Fatalf("key = %q, want %q", a, want)
	}
	if got := SeriesKey("plain", nil); got != "plain" {
		t.Fatalf("unlabeled key = %q, want plain", got)
	}
}
