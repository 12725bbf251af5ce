package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is one immutable row in the audit trail.
type AuditEntry struct {
	EntryID   string         `json:"entry_id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Subsystem string         `json:"subsystem"`
	Payload   map[string]any `json:"payload,omitempty"`
	Result    string         `json:"result"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditStore is the persistence contract for audit entries. Append-only:
// there is no update or delete.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
	Recent(ctx context.Context, limit int) ([]*AuditEntry, error)
}

// SQLiteAuditStore implements AuditStore on the engine's SQLite database.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore creates the store and runs its migration.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	s := &SQLiteAuditStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteAuditStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT,
		subsystem TEXT,
		payload JSON,
		result TEXT,
		timestamp DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteAuditStore) Append(ctx context.Context, e *AuditEntry) error {
	payloadJSON, _ := json.Marshal(e.Payload)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (entry_id, actor, action, resource, subsystem, payload, result, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Actor, e.Action, e.Resource, e.Subsystem, string(payloadJSON), e.Result,
		e.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: append audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteAuditStore) Recent(ctx context.Context, limit int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, actor, action, resource, subsystem, payload, result, timestamp
		 FROM audit_entries ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanAuditEntry(rows *sql.Rows) (*AuditEntry, error) {
	var (
		e                   AuditEntry
		resource, subsystem sql.NullString
		payloadJSON, result sql.NullString
		ts                  string
	)
	if err := rows.Scan(&e.EntryID, &e.Actor, &e.Action, &resource, &subsystem, &payloadJSON, &result, &ts); err != nil {
		return nil, fmt.Errorf("store: scan audit entry: %w", err)
	}
	e.Resource = resource.String
	e.Subsystem = subsystem.String
	e.Result = result.String
	if payloadJSON.Valid && payloadJSON.String != "null" {
		_ = json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		e.Timestamp = t
	}
	return &e, nil
}
