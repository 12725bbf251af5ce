// Package store implements SQLite-backed persistence for the five engine
// entities: action contracts, safe-hold snapshots, benchmark runs, missions,
// and audit entries. Rows are never deleted; lifecycle is expressed through
// status columns so the audit trail stays complete.
//
// Access is short-lived per operation. No store call holds a transaction
// across an external collaborator call.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

var (
	ErrContractNotFound  = errors.New("contract not found")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrRunNotFound       = errors.New("benchmark run not found")
	ErrMissionNotFound   = errors.New("mission not found")
	ErrInvalidTransition = errors.New("invalid contract status transition")
)

// Open opens (creating if needed) the SQLite database at path with the
// pragmas the engine relies on. WAL keeps checkpoint capture cheap;
// busy_timeout covers the golden-swap transaction under concurrency.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}
