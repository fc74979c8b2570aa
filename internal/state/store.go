// Package state provides durable SQLite-backed history of governor
// adjustments and key rotations for reporting.
package state

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Dicklesworthstone/qgov/internal/util"
)

// FileName is the history database inside the state directory.
const FileName = "history.db"

// Store wraps the history database.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS governor_adjustments (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at         TIMESTAMP NOT NULL,
	previous_factor     REAL NOT NULL,
	factor              REAL NOT NULL,
	direction           TEXT,
	constraining_metric TEXT,
	projected_at_reset  REAL,
	hours_until_reset   REAL,
	rate                REAL,
	current_usage       REAL,
	reason              TEXT,
	skipped             INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_adjustments_recorded_at ON governor_adjustments(recorded_at);

CREATE TABLE IF NOT EXISTS rotations (
	id              TEXT PRIMARY KEY,
	rotated_at      TIMESTAMP NOT NULL,
	from_key        TEXT,
	to_key          TEXT,
	switched        INTEGER NOT NULL,
	triggered_by    TEXT NOT NULL,
	trigger_pattern TEXT,
	session_id      TEXT,
	refreshed       INTEGER NOT NULL DEFAULT 0,
	invalidated     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_rotations_rotated_at ON rotations(rotated_at);
`

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// OpenProject opens <root>/.qgov/history.db.
func OpenProject(root string) (*Store, error) {
	return Open(filepath.Join(util.StateDir(root), FileName))
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
