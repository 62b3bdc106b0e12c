// Package store persists encoded workflow checkpoints.
//
// A store keeps opaque checkpoint records keyed by (run id, checkpoint id).
// Encoding is the caller's concern: each record carries the name of the
// codec that produced its payload. Backends:
//
//   - MemStore: process memory, for tests and ephemeral runs
//   - SQLiteStore: single file, zero setup
//   - MySQLStore: MySQL or MariaDB
//   - PostgresStore: PostgreSQL through a pgx pool
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store is closed")

// Record is one stored checkpoint.
type Record struct {
	RunID        string
	CheckpointID string
	// Sequence orders a run's records. List returns them ascending.
	Sequence   int64
	ParentID   string
	StepNumber int
	// Codec names the codec that produced Payload.
	Codec     string
	Payload   []byte
	CreatedAt time.Time
}

// CheckpointStore persists checkpoint records.
//
// Implementations must be safe for concurrent use.
type CheckpointStore interface {
	// Put inserts rec, replacing any record with the same run and
	// checkpoint id.
	Put(ctx context.Context, rec Record) error

	// Get loads one record. It returns ErrNotFound when absent.
	Get(ctx context.Context, runID, checkpointID string) (Record, error)

	// List returns runID's records ordered by Sequence, without payloads.
	// An unknown run yields an empty slice.
	List(ctx context.Context, runID string) ([]Record, error)

	// Latest loads the record with the highest Sequence for runID. It
	// returns ErrNotFound when the run has none.
	Latest(ctx context.Context, runID string) (Record, error)

	// DeleteRun removes every record of runID.
	DeleteRun(ctx context.Context, runID string) error

	// Close releases resources. It is safe to call more than once.
	Close() error
}
