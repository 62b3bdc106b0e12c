package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// sqlStore implements CheckpointStore over database/sql. Dialects differ
// only in DDL and the upsert statement; both use ? placeholders.
type sqlStore struct {
	db     *sql.DB
	upsert string
	mu     sync.RWMutex
	closed bool
}

const recordColumns = `run_id, checkpoint_id, seq, parent_id, step_number, codec, payload, created_at`

func (s *sqlStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *sqlStore) Put(ctx context.Context, rec Record) error {
	if err := s.check(); err != nil {
		return err
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, s.upsert,
		rec.RunID,
		rec.CheckpointID,
		rec.Sequence,
		rec.ParentID,
		rec.StepNumber,
		rec.Codec,
		payload,
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, runID, checkpointID string) (Record, error) {
	if err := s.check(); err != nil {
		return Record{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM workflow_checkpoints WHERE run_id = ? AND checkpoint_id = ?`,
		runID, checkpointID)
	rec, err := scanRecord(row.Scan, true)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *sqlStore) List(ctx context.Context, runID string) ([]Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, checkpoint_id, seq, parent_id, step_number, codec, created_at
		 FROM workflow_checkpoints WHERE run_id = ? ORDER BY seq ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows.Scan, false)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *sqlStore) Latest(ctx context.Context, runID string) (Record, error) {
	if err := s.check(); err != nil {
		return Record{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM workflow_checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT 1`,
		runID)
	return scanRecord(row.Scan, true)
}

func (s *sqlStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (s *sqlStore) Stats() sql.DBStats {
	return s.db.Stats()
}

func scanRecord(scan func(dest ...any) error, withPayload bool) (Record, error) {
	var (
		rec       Record
		createdNs int64
	)
	dest := []any{&rec.RunID, &rec.CheckpointID, &rec.Sequence, &rec.ParentID, &rec.StepNumber, &rec.Codec}
	if withPayload {
		dest = append(dest, &rec.Payload)
	}
	dest = append(dest, &createdNs)
	if err := scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdNs).UTC()
	return rec, nil
}
