// Package sqlite persists segments and node heartbeats in the shared
// SQLite database both roles coordinate through. Every cross-node
// invariant rests on single-row atomic updates here; there are no
// multi-row transactions.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"segid"

	_ "modernc.org/sqlite"
)

type Store struct {
	db    *sql.DB
	clock segid.Clock
}

func Open(path string, clock segid.Clock) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open segment db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set segment db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set segment db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS segments (
	business_type TEXT NOT NULL,
	time_key TEXT NOT NULL,
	role INTEGER NOT NULL,
	max_value INTEGER NOT NULL,
	step_size INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (business_type, time_key, role)
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize segments schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS nodes (
	node_id TEXT PRIMARY KEY,
	role INTEGER NOT NULL,
	status INTEGER NOT NULL,
	last_heartbeat TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize nodes schema: %w", err)
	}

	if clock == nil {
		clock = segid.RealClock{}
	}
	return &Store{db: db, clock: clock}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// isUniqueViolation matches the driver's primary-key violation without
// depending on its error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
