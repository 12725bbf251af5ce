package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safeholdhq/safehold/pkg/contracts"
)

// BenchmarkStore persists BenchmarkRuns and owns the golden-baseline marker.
type BenchmarkStore struct {
	db *sql.DB
}

// NewBenchmarkStore creates the store and runs its migration.
func NewBenchmarkStore(db *sql.DB) (*BenchmarkStore, error) {
	s := &BenchmarkStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BenchmarkStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS benchmark_runs (
		run_id TEXT PRIMARY KEY,
		triggered_by TEXT,
		benchmark_type TEXT NOT NULL,
		results JSON NOT NULL,
		metrics JSON NOT NULL,
		passed INTEGER NOT NULL DEFAULT 0,
		baseline_id TEXT,
		delta_from_baseline JSON,
		drift_detected INTEGER NOT NULL DEFAULT 0,
		duration_ms REAL NOT NULL DEFAULT 0,
		is_golden INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_golden ON benchmark_runs (is_golden, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create inserts a benchmark run row.
func (s *BenchmarkStore) Create(ctx context.Context, run *contracts.BenchmarkRun) error {
	resultsJSON, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("store: marshal results: %w", err)
	}
	metricsJSON, _ := json.Marshal(run.Metrics)
	deltaJSON, _ := json.Marshal(run.DeltaFromBaseline)

	query := `INSERT INTO benchmark_runs (
		run_id, triggered_by, benchmark_type, results, metrics, passed,
		baseline_id, delta_from_baseline, drift_detected, duration_ms, is_golden, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		run.RunID, run.TriggeredBy, string(run.Type), string(resultsJSON), string(metricsJSON),
		boolToInt(run.Passed), run.BaselineID, string(deltaJSON), boolToInt(run.DriftDetected),
		float64(run.Duration)/float64(time.Millisecond), boolToInt(run.IsGolden),
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: insert benchmark run: %w", err)
	}
	return nil
}

// Get returns the run by id, or ErrRunNotFound.
func (s *BenchmarkStore) Get(ctx context.Context, runID string) (*contracts.BenchmarkRun, error) {
	row := s.db.QueryRowContext(ctx, selectRun+` WHERE run_id = ?`, runID)
	return scanRun(row)
}

// LatestGolden returns the most recent golden run, or nil when none exists.
func (s *BenchmarkStore) LatestGolden(ctx context.Context) (*contracts.BenchmarkRun, error) {
	row := s.db.QueryRowContext(ctx, selectRun+` WHERE is_golden = 1 ORDER BY created_at DESC LIMIT 1`)
	run, err := scanRun(row)
	if err == ErrRunNotFound {
		return nil, nil
	}
	return run, err
}

// SetGolden makes runID the single golden baseline. Unmark-then-mark runs
// in one transaction to preserve the at-most-one-golden invariant under
// concurrent calls.
func (s *BenchmarkStore) SetGolden(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin golden swap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE benchmark_runs SET is_golden = 0 WHERE is_golden = 1`); err != nil {
		return fmt.Errorf("store: unmark golden runs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE benchmark_runs SET is_golden = 1 WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("store: mark golden run: %w", err)
	}
	if err := oneRowAffected(res, ErrRunNotFound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit golden swap: %w", err)
	}
	return nil
}

const selectRun = `SELECT run_id, triggered_by, benchmark_type, results, metrics, passed,
	baseline_id, delta_from_baseline, drift_detected, duration_ms, is_golden, created_at
FROM benchmark_runs`

func scanRun(row *sql.Row) (*contracts.BenchmarkRun, error) {
	var (
		run                   contracts.BenchmarkRun
		triggeredBy           sql.NullString
		benchType             string
		resultsJSON           string
		metricsJSON           string
		passed, drift, golden int
		baselineID            sql.NullString
		deltaJSON             sql.NullString
		durationMS            float64
		createdAt             string
	)
	err := row.Scan(&run.RunID, &triggeredBy, &benchType, &resultsJSON, &metricsJSON, &passed,
		&baselineID, &deltaJSON, &drift, &durationMS, &golden, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("store: scan benchmark run: %w", err)
	}

	run.TriggeredBy = triggeredBy.String
	run.Type = contracts.BenchmarkType(benchType)
	run.Passed = passed != 0
	run.DriftDetected = drift != 0
	run.IsGolden = golden != 0
	run.BaselineID = baselineID.String
	run.Duration = time.Duration(durationMS * float64(time.Millisecond))

	if err := json.Unmarshal([]byte(resultsJSON), &run.Results); err != nil {
		return nil, fmt.Errorf("store: decode results: %w", err)
	}
	if err := json.Unmarshal([]byte(metricsJSON), &run.Metrics); err != nil {
		return nil, fmt.Errorf("store: decode metrics: %w", err)
	}
	if deltaJSON.Valid && deltaJSON.String != "null" {
		_ = json.Unmarshal([]byte(deltaJSON.String), &run.DeltaFromBaseline)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		run.CreatedAt = t
	}
	return &run, nil
}
