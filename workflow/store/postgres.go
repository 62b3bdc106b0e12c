package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps checkpoint records in PostgreSQL through a pgx
// connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	owned  bool
	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore connects to databaseURL and applies the schema. The
// store owns the pool and closes it on Close.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL URL: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	s, err := NewPostgresStoreFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresStoreFromPool uses an existing pool, which the caller keeps
// ownership of.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			seq BIGINT NOT NULL,
			parent_id VARCHAR(255) NOT NULL DEFAULT '',
			step_number INTEGER NOT NULL,
			codec VARCHAR(64) NOT NULL,
			payload BYTEA NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_run_seq ON workflow_checkpoints (run_id, seq);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	if err := s.check(); err != nil {
		return err
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_checkpoints (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, checkpoint_id) DO UPDATE SET
			seq = EXCLUDED.seq,
			parent_id = EXCLUDED.parent_id,
			step_number = EXCLUDED.step_number,
			codec = EXCLUDED.codec,
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at`,
		rec.RunID, rec.CheckpointID, rec.Sequence, rec.ParentID, rec.StepNumber,
		rec.Codec, payload, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, runID, checkpointID string) (Record, error) {
	if err := s.check(); err != nil {
		return Record{}, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM workflow_checkpoints WHERE run_id = $1 AND checkpoint_id = $2`,
		runID, checkpointID)
	return scanPgRecord(row, true)
}

func (s *PostgresStore) List(ctx context.Context, runID string) ([]Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, checkpoint_id, seq, parent_id, step_number, codec, created_at
		 FROM workflow_checkpoints WHERE run_id = $1 ORDER BY seq ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanPgRecord(rows, false)
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

func (s *PostgresStore) Latest(ctx context.Context, runID string) (Record, error) {
	if err := s.check(); err != nil {
		return Record{}, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM workflow_checkpoints WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`,
		runID)
	return scanPgRecord(row, true)
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflow_checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// Close marks the store closed and, when the store opened the pool itself,
// closes the pool.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		s.pool.Close()
	}
	return nil
}

// Ping verifies the pool can reach the server.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

func scanPgRecord(row pgx.Row, withPayload bool) (Record, error) {
	var (
		rec       Record
		createdNs int64
	)
	dest := []any{&rec.RunID, &rec.CheckpointID, &rec.Sequence, &rec.ParentID, &rec.StepNumber, &rec.Codec}
	if withPayload {
		dest = append(dest, &rec.Payload)
	}
	dest = append(dest, &createdNs)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdNs).UTC()
	return rec, nil
}
