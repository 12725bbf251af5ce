package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safeholdhq/safehold/pkg/contracts"
)

// SnapshotStore persists SafeHoldSnapshots. Rows are never deleted; a
// snapshot leaves service through status=invalidated.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates the store and runs its migration.
func NewSnapshotStore(db *sql.DB) (*SnapshotStore, error) {
	s := &SnapshotStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS safe_hold_snapshots (
		id TEXT PRIMARY KEY,
		snapshot_type TEXT NOT NULL,
		triggered_by TEXT,
		action_contract_id TEXT,
		playbook_run_id TEXT,
		manifest JSON NOT NULL,
		manifest_hash TEXT NOT NULL,
		storage_uri TEXT NOT NULL,
		baseline_metrics JSON,
		health_score REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		is_golden INTEGER NOT NULL DEFAULT 0,
		is_validated INTEGER NOT NULL DEFAULT 0,
		validated_by_run_id TEXT,
		notes TEXT,
		created_at DATETIME NOT NULL,
		restored_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_golden ON safe_hold_snapshots (is_golden, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create inserts a snapshot row.
func (s *SnapshotStore) Create(ctx context.Context, snap *contracts.SafeHoldSnapshot) error {
	manifestJSON, err := json.Marshal(snap.Manifest)
	if err != nil {
		return fmt.Errorf("store: marshal manifest: %w", err)
	}
	metricsJSON, _ := json.Marshal(snap.BaselineMetrics)

	query := `INSERT INTO safe_hold_snapshots (
		id, snapshot_type, triggered_by, action_contract_id, playbook_run_id,
		manifest, manifest_hash, storage_uri, baseline_metrics, health_score,
		status, is_golden, is_validated, validated_by_run_id, notes, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		snap.ID, string(snap.Type), snap.TriggeredBy, snap.ActionContractID, snap.PlaybookRunID,
		string(manifestJSON), snap.ManifestHash, snap.StorageURI, string(metricsJSON), snap.HealthScore,
		string(snap.Status), boolToInt(snap.IsGolden), boolToInt(snap.IsValidated),
		snap.ValidatedByRunID, snap.Notes, snap.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: insert snapshot: %w", err)
	}
	return nil
}

// Get returns the snapshot by id, or ErrSnapshotNotFound.
func (s *SnapshotStore) Get(ctx context.Context, id string) (*contracts.SafeHoldSnapshot, error) {
	row := s.db.QueryRowContext(ctx, selectSnapshot+` WHERE id = ?`, id)
	return scanSnapshot(row)
}

// LatestGolden returns the most recent active golden snapshot, or nil when
// no golden exists.
func (s *SnapshotStore) LatestGolden(ctx context.Context) (*contracts.SafeHoldSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		selectSnapshot+` WHERE is_golden = 1 AND status = ? ORDER BY created_at DESC LIMIT 1`,
		string(contracts.SnapshotActive))
	snap, err := scanSnapshot(row)
	if err == ErrSnapshotNotFound {
		return nil, nil
	}
	return snap, err
}

// MarkRestored sets status=restored and the restore timestamp.
func (s *SnapshotStore) MarkRestored(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE safe_hold_snapshots SET status = ?, restored_at = ? WHERE id = ?`,
		string(contracts.SnapshotRestored), at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("store: mark restored: %w", err)
	}
	return oneRowAffected(res, ErrSnapshotNotFound)
}

// MarkGolden promotes a snapshot to validated golden. The unmark-then-mark
// sequence runs in one transaction so at most one snapshot is golden under
// concurrent promotions.
func (s *SnapshotStore) MarkGolden(ctx context.Context, id, validatedByRunID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin golden swap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE safe_hold_snapshots SET is_golden = 0 WHERE is_golden = 1`); err != nil {
		return fmt.Errorf("store: unmark golden: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE safe_hold_snapshots SET is_golden = 1, is_validated = 1, validated_by_run_id = ? WHERE id = ?`,
		validatedByRunID, id)
	if err != nil {
		return fmt.Errorf("store: mark golden: %w", err)
	}
	if err := oneRowAffected(res, ErrSnapshotNotFound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit golden swap: %w", err)
	}
	return nil
}

// Invalidate retires a snapshot. A retired snapshot loses golden status in
// the same statement so LatestGolden can never return it.
func (s *SnapshotStore) Invalidate(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE safe_hold_snapshots SET status = ?, is_golden = 0, notes = notes || ? WHERE id = ?`,
		string(contracts.SnapshotInvalidated), "\ninvalidated: "+reason, id)
	if err != nil {
		return fmt.Errorf("store: invalidate snapshot: %w", err)
	}
	return oneRowAffected(res, ErrSnapshotNotFound)
}

const selectSnapshot = `SELECT id, snapshot_type, triggered_by, action_contract_id, playbook_run_id,
	manifest, manifest_hash, storage_uri, baseline_metrics, health_score,
	status, is_golden, is_validated, validated_by_run_id, notes, created_at, restored_at
FROM safe_hold_snapshots`

func scanSnapshot(row *sql.Row) (*contracts.SafeHoldSnapshot, error) {
	var (
		snap                    contracts.SafeHoldSnapshot
		triggeredBy, contractID sql.NullString
		runID, validatedBy      sql.NullString
		notes                   sql.NullString
		manifestJSON            string
		metricsJSON             sql.NullString
		status, snapType        string
		isGolden, isValidated   int
		createdAt               string
		restoredAt              sql.NullString
	)
	err := row.Scan(&snap.ID, &snapType, &triggeredBy, &contractID, &runID,
		&manifestJSON, &snap.ManifestHash, &snap.StorageURI, &metricsJSON, &snap.HealthScore,
		&status, &isGolden, &isValidated, &validatedBy, &notes, &createdAt, &restoredAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("store: scan snapshot: %w", err)
	}

	snap.Type = contracts.SnapshotType(snapType)
	snap.Status = contracts.SnapshotStatus(status)
	snap.TriggeredBy = triggeredBy.String
	snap.ActionContractID = contractID.String
	snap.PlaybookRunID = runID.String
	snap.ValidatedByRunID = validatedBy.String
	snap.Notes = notes.String
	snap.IsGolden = isGolden != 0
	snap.IsValidated = isValidated != 0

	if err := json.Unmarshal([]byte(manifestJSON), &snap.Manifest); err != nil {
		return nil, fmt.Errorf("store: decode manifest: %w", err)
	}
	if metricsJSON.Valid && metricsJSON.String != "null" {
		_ = json.Unmarshal([]byte(metricsJSON.String), &snap.BaselineMetrics)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		snap.CreatedAt = t
	}
	if restoredAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, restoredAt.String); err == nil {
			snap.RestoredAt = &t
		}
	}
	return &snap, nil
}
