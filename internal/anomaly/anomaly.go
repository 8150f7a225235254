// Package anomaly implements the streaming detection engine: pluggable
// detector strategies share one samples-in, results-out contract and an
// evaluation engine runs them over what the metrics pipeline observed.
package anomaly

import (
	"time"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/metrics"
)

// Severity grades an anomaly for downstream alert routing.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Result is one detector verdict on one sample. Detectors emit a Result
// for every sample they had enough history to judge; IsAnomaly carries
// the verdict and Severity is set only when it is true.
type Result struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Score     float64   `json:"score"`
	IsAnomaly bool      `json:"is_anomaly"`
	Severity  Severity  `json:"severity,omitempty"`
	Detector  string    `json:"detector"`
	Timestamp time.Time `json:"timestamp"`
}

// Detector is the strategy contract. Implementations keep their own
// trailing history per metric series and are safe for concurrent use.
type Detector interface {
	Name() string
	Type() string
	Detect(samples []metrics.Sample) []Result
}

// TrendReporter is implemented by detectors that track the short-term
// direction of a series alongside their verdicts.
type TrendReporter interface {
	Trend(metric string) metrics.Trend
}

// severityFor grades a score against the boundary that flags it: at the
// boundary the anomaly is low, three times past it critical.
func severityFor(score, boundary float64) Severity {
	if boundary <= 0 {
		return SeverityLow
	}
	switch ratio := score / boundary; {
	case ratio >= 3:
		return SeverityCritical
	case ratio >= 2:
		return SeverityHigh
	case ratio >= 1.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func detectorName(cfg config.DetectorConfig, typ string) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return typ
}
