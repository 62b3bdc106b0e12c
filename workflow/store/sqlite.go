package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps checkpoint records in a single SQLite file.
//
// The database runs in WAL mode so readers do not block the writer. Pass
// ":memory:" for a throwaway database.
type SQLiteStore struct {
	*sqlStore
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			step_number INTEGER NOT NULL,
			codec TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run_seq ON workflow_checkpoints(run_id, seq)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return &SQLiteStore{
		sqlStore: &sqlStore{
			db: db,
			upsert: `INSERT INTO workflow_checkpoints (` + recordColumns + `)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(run_id, checkpoint_id) DO UPDATE SET
					seq = excluded.seq,
					parent_id = excluded.parent_id,
					step_number = excluded.step_number,
					codec = excluded.codec,
					payload = excluded.payload,
					created_at = excluded.created_at`,
		},
		path: path,
	}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }
