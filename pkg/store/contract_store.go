package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safeholdhq/safehold/pkg/contracts"
	"github.com/safeholdhq/safehold/pkg/tiers"
)

// ContractStore persists ActionContracts. Status mutations go through
// guarded methods that enforce the monotonic lifecycle inside one
// transaction; there is no free-form update.
type ContractStore struct {
	db *sql.DB
}

// NewContractStore creates the store and runs its migration.
func NewContractStore(db *sql.DB) (*ContractStore, error) {
	s := &ContractStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ContractStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS action_contracts (
		id TEXT PRIMARY KEY,
		action_type TEXT NOT NULL,
		playbook_id TEXT,
		run_id TEXT,
		expected_effect_hash TEXT NOT NULL,
		expected_effect JSON NOT NULL,
		baseline_state JSON,
		status TEXT NOT NULL,
		actual_effect JSON,
		verification_result JSON,
		confidence_score REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		executed_at DATETIME,
		verified_at DATETIME,
		safe_hold_snapshot_id TEXT,
		triggered_by TEXT,
		tier TEXT,
		requires_approval INTEGER NOT NULL DEFAULT 0
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create inserts a new contract row.
func (s *ContractStore) Create(ctx context.Context, c *contracts.ActionContract) error {
	effectJSON, err := json.Marshal(c.ExpectedEffect)
	if err != nil {
		return fmt.Errorf("store: marshal expected effect: %w", err)
	}
	baselineJSON, _ := json.Marshal(c.BaselineState)

	query := `INSERT INTO action_contracts (
		id, action_type, playbook_id, run_id, expected_effect_hash, expected_effect,
		baseline_state, status, confidence_score, created_at, safe_hold_snapshot_id,
		triggered_by, tier, requires_approval
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.ActionType, c.PlaybookID, c.RunID, c.ExpectedEffectHash, string(effectJSON),
		string(baselineJSON), string(c.Status), c.ConfidenceScore, c.CreatedAt.UTC().Format(time.RFC3339Nano),
		c.SafeHoldSnapshotID, c.TriggeredBy, string(c.Tier), boolToInt(c.RequiresApproval),
	)
	if err != nil {
		return fmt.Errorf("store: insert contract: %w", err)
	}
	return nil
}

// Get returns the contract by id, or ErrContractNotFound.
func (s *ContractStore) Get(ctx context.Context, id string) (*contracts.ActionContract, error) {
	query := `SELECT id, action_type, playbook_id, run_id, expected_effect_hash, expected_effect,
		baseline_state, status, actual_effect, verification_result, confidence_score,
		created_at, executed_at, verified_at, safe_hold_snapshot_id, triggered_by, tier, requires_approval
	FROM action_contracts WHERE id = ?`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// SetSnapshotID links the pre-action snapshot to a pending contract.
func (s *ContractStore) SetSnapshotID(ctx context.Context, id, snapshotID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_contracts SET safe_hold_snapshot_id = ? WHERE id = ?`, snapshotID, id)
	if err != nil {
		return fmt.Errorf("store: link snapshot: %w", err)
	}
	return oneRowAffected(res, ErrContractNotFound)
}

// MarkExecuting transitions pending → executing.
func (s *ContractStore) MarkExecuting(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, contracts.StatusExecuting, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE action_contracts SET status = ?, executed_at = ? WHERE id = ?`,
			string(contracts.StatusExecuting), at.UTC().Format(time.RFC3339Nano), id)
		return err
	})
}

// RecordVerification transitions executing → verified|partial_success|failed
// and persists the actual effect, verification result, and confidence.
func (s *ContractStore) RecordVerification(ctx context.Context, id string, actual map[string]any, vr *contracts.VerificationResult, at time.Time) error {
	actualJSON, _ := json.Marshal(actual)
	vrJSON, err := json.Marshal(vr)
	if err != nil {
		return fmt.Errorf("store: marshal verification: %w", err)
	}
	return s.transition(ctx, id, vr.Status, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE action_contracts
			 SET status = ?, actual_effect = ?, verification_result = ?, confidence_score = ?, verified_at = ?
			 WHERE id = ?`,
			string(vr.Status), string(actualJSON), string(vrJSON), vr.Confidence,
			at.UTC().Format(time.RFC3339Nano), id)
		return err
	})
}

// MarkFailed transitions executing → failed without a verification result
// (the execution collaborator raised before any effect could be verified).
// verified_at stays NULL: no verification ran.
func (s *ContractStore) MarkFailed(ctx context.Context, id string) error {
	return s.transition(ctx, id, contracts.StatusFailed, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE action_contracts SET status = ? WHERE id = ?`,
			string(contracts.StatusFailed), id)
		return err
	})
}

// MarkRolledBack transitions a terminal contract → rolled_back.
func (s *ContractStore) MarkRolledBack(ctx context.Context, id string) error {
	return s.transition(ctx, id, contracts.StatusRolledBack, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE action_contracts SET status = ? WHERE id = ?`,
			string(contracts.StatusRolledBack), id)
		return err
	})
}

// transition enforces the monotonic lifecycle: the current status is read
// and checked against the requested next status inside the same
// transaction that applies the update.
func (s *ContractStore) transition(ctx context.Context, id string, next contracts.ContractStatus, apply func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM action_contracts WHERE id = ?`, id).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrContractNotFound
		}
		return fmt.Errorf("store: read status: %w", err)
	}
	if !contracts.ContractStatus(current).CanTransitionTo(next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, next)
	}
	if err := apply(tx); err != nil {
		return fmt.Errorf("store: apply transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transition: %w", err)
	}
	return nil
}

func (s *ContractStore) scanOne(row *sql.Row) (*contracts.ActionContract, error) {
	var (
		c                         contracts.ActionContract
		playbookID, runID, snapID sql.NullString
		triggeredBy, tier         sql.NullString
		effectJSON, baselineJSON  sql.NullString
		actualJSON, vrJSON        sql.NullString
		createdAt                 string
		executedAt, verifiedAt    sql.NullString
		status                    string
		requiresApproval          int
	)
	err := row.Scan(&c.ID, &c.ActionType, &playbookID, &runID, &c.ExpectedEffectHash, &effectJSON,
		&baselineJSON, &status, &actualJSON, &vrJSON, &c.ConfidenceScore,
		&createdAt, &executedAt, &verifiedAt, &snapID, &triggeredBy, &tier, &requiresApproval)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrContractNotFound
		}
		return nil, fmt.Errorf("store: scan contract: %w", err)
	}

	c.PlaybookID = playbookID.String
	c.RunID = runID.String
	c.SafeHoldSnapshotID = snapID.String
	c.TriggeredBy = triggeredBy.String
	c.Tier = tiers.Tier(tier.String)
	c.Status = contracts.ContractStatus(status)
	c.RequiresApproval = requiresApproval != 0

	if effectJSON.Valid {
		if err := json.Unmarshal([]byte(effectJSON.String), &c.ExpectedEffect); err != nil {
			return nil, fmt.Errorf("store: decode expected effect: %w", err)
		}
	}
	if baselineJSON.Valid && baselineJSON.String != "null" {
		_ = json.Unmarshal([]byte(baselineJSON.String), &c.BaselineState)
	}
	if actualJSON.Valid && actualJSON.String != "null" {
		_ = json.Unmarshal([]byte(actualJSON.String), &c.ActualEffect)
	}
	if vrJSON.Valid && vrJSON.String != "" {
		var vr contracts.VerificationResult
		if err := json.Unmarshal([]byte(vrJSON.String), &vr); err == nil {
			c.Verification = &vr
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		c.CreatedAt = t
	}
	if executedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, executedAt.String); err == nil {
			c.ExecutedAt = &t
		}
	}
	if verifiedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, verifiedAt.String); err == nil {
			c.VerifiedAt = &t
		}
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func oneRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
