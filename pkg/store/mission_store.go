package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safeholdhq/safehold/pkg/contracts"
)

// MissionStore persists Missions. History is stored as an append-only JSON
// array; Update rewrites the whole row under the caller's read-modify-write.
type MissionStore struct {
	db *sql.DB
}

// NewMissionStore creates the store and runs its migration.
func NewMissionStore(db *sql.DB) (*MissionStore, error) {
	s := &MissionStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MissionStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS missions (
		mission_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		goal TEXT,
		status TEXT NOT NULL,
		progress_ratio REAL NOT NULL DEFAULT 0,
		confidence_score REAL NOT NULL DEFAULT 0,
		completed_actions INTEGER NOT NULL DEFAULT 0,
		total_planned_actions INTEGER NOT NULL DEFAULT 0,
		initial_snapshot_id TEXT,
		current_safe_point_id TEXT,
		history JSON NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create inserts a mission row.
func (s *MissionStore) Create(ctx context.Context, m *contracts.Mission) error {
	historyJSON, err := json.Marshal(m.History)
	if err != nil {
		return fmt.Errorf("store: marshal history: %w", err)
	}
	query := `INSERT INTO missions (
		mission_id, name, goal, status, progress_ratio, confidence_score,
		completed_actions, total_planned_actions, initial_snapshot_id,
		current_safe_point_id, history, started_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		m.MissionID, m.Name, m.Goal, string(m.Status), m.ProgressRatio, m.ConfidenceScore,
		m.CompletedActions, m.TotalPlannedActions, m.InitialSnapshotID,
		m.CurrentSafePointID, string(historyJSON), m.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: insert mission: %w", err)
	}
	return nil
}

// Get returns the mission by id, or ErrMissionNotFound.
func (s *MissionStore) Get(ctx context.Context, id string) (*contracts.Mission, error) {
	query := `SELECT mission_id, name, goal, status, progress_ratio, confidence_score,
		completed_actions, total_planned_actions, initial_snapshot_id,
		current_safe_point_id, history, started_at, completed_at
	FROM missions WHERE mission_id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var (
		m                      contracts.Mission
		goal, initSnap, safePt sql.NullString
		status                 string
		historyJSON            string
		startedAt              string
		completedAt            sql.NullString
	)
	err := row.Scan(&m.MissionID, &m.Name, &goal, &status, &m.ProgressRatio, &m.ConfidenceScore,
		&m.CompletedActions, &m.TotalPlannedActions, &initSnap, &safePt, &historyJSON,
		&startedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrMissionNotFound
		}
		return nil, fmt.Errorf("store: scan mission: %w", err)
	}

	m.Goal = goal.String
	m.InitialSnapshotID = initSnap.String
	m.CurrentSafePointID = safePt.String
	m.Status = contracts.MissionStatus(status)
	if err := json.Unmarshal([]byte(historyJSON), &m.History); err != nil {
		return nil, fmt.Errorf("store: decode history: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		m.StartedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			m.CompletedAt = &t
		}
	}
	return &m, nil
}

// Update rewrites the mutable mission fields and history.
func (s *MissionStore) Update(ctx context.Context, m *contracts.Mission) error {
	historyJSON, err := json.Marshal(m.History)
	if err != nil {
		return fmt.Errorf("store: marshal history: %w", err)
	}
	var completedAt any
	if m.CompletedAt != nil {
		completedAt = m.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	query := `UPDATE missions SET
		status = ?, progress_ratio = ?, confidence_score = ?, completed_actions = ?,
		current_safe_point_id = ?, history = ?, completed_at = ?
	WHERE mission_id = ?`

	res, err := s.db.ExecContext(ctx, query,
		string(m.Status), m.ProgressRatio, m.ConfidenceScore, m.CompletedActions,
		m.CurrentSafePointID, string(historyJSON), completedAt, m.MissionID)
	if err != nil {
		return fmt.Errorf("store: update mission: %w", err)
	}
	return oneRowAffected(res, ErrMissionNotFound)
}
