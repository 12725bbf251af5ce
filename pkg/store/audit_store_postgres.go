package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresAuditStore implements AuditStore on PostgreSQL, for deployments
// that ship the audit trail off the node while the engine's own state stays
// in the local SQLite database.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore creates the store and runs its migration.
func NewPostgresAuditStore(db *sql.DB) (*PostgresAuditStore, error) {
	s := &PostgresAuditStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresAuditStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT,
		subsystem TEXT,
		payload JSONB,
		result TEXT,
		timestamp TIMESTAMPTZ NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresAuditStore) Append(ctx context.Context, e *AuditEntry) error {
	payloadJSON, _ := json.Marshal(e.Payload)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (entry_id, actor, action, resource, subsystem, payload, result, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.EntryID, e.Actor, e.Action, e.Resource, e.Subsystem, string(payloadJSON), e.Result, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("store: append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) Recent(ctx context.Context, limit int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, actor, action, resource, subsystem, payload, result, timestamp
		 FROM audit_entries ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e                   AuditEntry
			resource, subsystem sql.NullString
			payloadJSON, result sql.NullString
			ts                  time.Time
		)
		if err := rows.Scan(&e.EntryID, &e.Actor, &e.Action, &resource, &subsystem, &payloadJSON, &result, &ts); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		e.Resource = resource.String
		e.Subsystem = subsystem.String
		e.Result = result.String
		e.Timestamp = ts
		if payloadJSON.Valid && payloadJSON.String != "null" {
			_ = json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
