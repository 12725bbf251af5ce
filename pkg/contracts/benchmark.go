package contracts

import (
	"fmt"
	"time"
)

// BenchmarkType selects the battery depth.
type BenchmarkType string

const (
	BenchmarkSmoke      BenchmarkType = "smoke"
	BenchmarkRegression BenchmarkType = "regression"
)

// TestOutcome is one probe's result inside a benchmark run.
type TestOutcome struct {
	Name       string  `json:"name"`
	Passed     bool    `json:"passed"`
	DurationMS float64 `json:"duration_ms"`
	Detail     string  `json:"detail,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// DeltaEntry is the per-metric comparison against the golden baseline.
type DeltaEntry struct {
	Baseline      float64 `json:"baseline"`
	Current       float64 `json:"current"`
	PercentChange float64 `json:"percent_change"`
	Exceeded      bool    `json:"exceeded"`
}

// BenchmarkRun is a persisted battery execution. Metrics are namespaced
// "{test}.{metric}"; that key format is consumed by dashboards and by the
// baseline delta computation and must not change.
type BenchmarkRun struct {
	RunID             string                `json:"run_id"`
	TriggeredBy       string                `json:"triggered_by"`
	Type              BenchmarkType         `json:"benchmark_type"`
	Results           []TestOutcome         `json:"results"`
	Metrics           map[string]float64    `json:"metrics"`
	Passed            bool                  `json:"passed"`
	BaselineID        string                `json:"baseline_id,omitempty"`
	DeltaFromBaseline map[string]DeltaEntry `json:"delta_from_baseline,omitempty"`
	DriftDetected     bool                  `json:"drift_detected"`
	Duration          time.Duration         `json:"duration"`
	IsGolden          bool                  `json:"is_golden"`
	CreatedAt         time.Time             `json:"created_at"`
}

// MetricKey builds the namespaced metric key for a test's metric.
func MetricKey(testName, metricName string) string {
	return fmt.Sprintf("%s.%s", testName, metricName)
}
