// Package benchmark runs test batteries against the live system and
// compares their metrics to a golden baseline. Probe failures are content,
// not errors: one broken probe fails its own test and nothing else.
package benchmark

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/safeholdhq/safehold/pkg/audit"
	"github.com/safeholdhq/safehold/pkg/contracts"
	"github.com/safeholdhq/safehold/pkg/store"
)

// DefaultDriftThresholdPercent is the absolute percent change beyond which
// a metric counts as drifted.
const DefaultDriftThresholdPercent = 20.0

// Suite runs smoke and regression batteries and owns golden-baseline
// bookkeeping for benchmark runs.
type Suite struct {
	runs           *store.BenchmarkStore
	smoke          []Probe
	extended       []Probe
	auditLog       audit.Logger
	log            *slog.Logger
	driftThreshold float64
	probeTimeout   time.Duration
	now            func() time.Time
}

// Option configures a Suite.
type Option func(*Suite)

// WithDriftThreshold overrides the drift threshold percent.
func WithDriftThreshold(percent float64) Option {
	return func(s *Suite) {
		if percent > 0 {
			s.driftThreshold = percent
		}
	}
}

// WithProbeTimeout bounds each probe's runtime.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Suite) { s.probeTimeout = d }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Suite) { s.now = now }
}

// NewSuite creates a benchmark suite. smoke probes run in every battery;
// extended probes additionally run in the regression battery.
func NewSuite(runs *store.BenchmarkStore, smoke, extended []Probe, auditLog audit.Logger, log *slog.Logger, opts ...Option) *Suite {
	s := &Suite{
		runs:           runs,
		smoke:          smoke,
		extended:       extended,
		auditLog:       auditLog,
		log:            log,
		driftThreshold: DefaultDriftThresholdPercent,
		probeTimeout:   30 * time.Second,
		now:            time.Now,
	}
	if s.auditLog == nil {
		s.auditLog = audit.Nop{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunSmokeTests runs the fast critical-path battery and persists the run.
func (s *Suite) RunSmokeTests(ctx context.Context, triggeredBy string) (*contracts.BenchmarkRun, error) {
	return s.run(ctx, triggeredBy, contracts.BenchmarkSmoke, s.smoke, false)
}

// RunRegressionSuite runs the smoke battery plus the extended checks. With
// compareToBaseline it also computes per-metric drift against the latest
// golden run.
func (s *Suite) RunRegressionSuite(ctx context.Context, triggeredBy string, compareToBaseline bool) (*contracts.BenchmarkRun, error) {
	probes := make([]Probe, 0, len(s.smoke)+len(s.extended))
	probes = append(probes, s.smoke...)
	probes = append(probes, s.extended...)
	return s.run(ctx, triggeredBy, contracts.BenchmarkRegression, probes, compareToBaseline)
}

func (s *Suite) run(ctx context.Context, triggeredBy string, benchType contracts.BenchmarkType, probes []Probe, compare bool) (*contracts.BenchmarkRun, error) {
	start := s.now()
	outcomes, metrics := runBattery(ctx, probes, s.probeTimeout)

	passed := true
	for _, o := range outcomes {
		if !o.Passed {
			passed = false
			break
		}
	}

	run := &contracts.BenchmarkRun{
		RunID:       "bench-" + uuid.New().String(),
		TriggeredBy: triggeredBy,
		Type:        benchType,
		Results:     outcomes,
		Metrics:     metrics,
		Passed:      passed,
		Duration:    s.now().Sub(start),
		CreatedAt:   start.UTC(),
	}

	if compare {
		if err := s.compareToGolden(ctx, run); err != nil {
			return nil, err
		}
	}

	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	if err := s.auditLog.Record(ctx, triggeredBy, "run_benchmark", run.RunID, "benchmark", map[string]any{
		"benchmark_type": string(benchType),
		"passed":         passed,
		"drift_detected": run.DriftDetected,
		"tests":          len(outcomes),
	}, resultWord(passed)); err != nil {
		s.log.Warn("audit append failed", "action", "run_benchmark", "error", err)
	}

	s.log.Info("benchmark run complete",
		"run_id", run.RunID,
		"type", string(benchType),
		"passed", passed,
		"drift", run.DriftDetected)
	return run, nil
}

// compareToGolden computes percent change per shared metric against the
// latest golden run. Metrics with a zero baseline are skipped; percent
// change is undefined there.
func (s *Suite) compareToGolden(ctx context.Context, run *contracts.BenchmarkRun) error {
	baseline, err := s.runs.LatestGolden(ctx)
	if err != nil {
		return err
	}
	if baseline == nil {
		return nil // nothing to compare against yet
	}

	run.BaselineID = baseline.RunID
	run.DeltaFromBaseline = map[string]contracts.DeltaEntry{}

	for name, baseValue := range baseline.Metrics {
		current, ok := run.Metrics[name]
		if !ok || baseValue == 0 {
			continue
		}
		percentChange := (current - baseValue) / baseValue * 100
		exceeded := math.Abs(percentChange) > s.driftThreshold
		run.DeltaFromBaseline[name] = contracts.DeltaEntry{
			Baseline:      baseValue,
			Current:       current,
			PercentChange: percentChange,
			Exceeded:      exceeded,
		}
		if exceeded {
			run.DriftDetected = true
		}
	}
	return nil
}

// SetGoldenBaseline certifies runID as the single golden baseline. The
// swap is atomic in the store layer.
func (s *Suite) SetGoldenBaseline(ctx context.Context, runID string) error {
	if err := s.runs.SetGolden(ctx, runID); err != nil {
		return err
	}
	if err := s.auditLog.Record(ctx, "system", "set_golden_baseline", runID, "benchmark", nil, "golden"); err != nil {
		s.log.Warn("audit append failed", "action", "set_golden_baseline", "error", err)
	}
	return nil
}

// LatestGolden returns the current golden run, or nil.
func (s *Suite) LatestGolden(ctx context.Context) (*contracts.BenchmarkRun, error) {
	return s.runs.LatestGolden(ctx)
}

func resultWord(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}
