package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore keeps checkpoint records in MySQL or MariaDB. Use it when
// several processes share checkpoints or runs must survive host loss.
//
// DSN format:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Read credentials from the environment rather than source code.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore connects to dsn, verifies the connection and applies the
// schema.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			seq BIGINT NOT NULL,
			parent_id VARCHAR(255) NOT NULL DEFAULT '',
			step_number INT NOT NULL,
			codec VARCHAR(64) NOT NULL,
			payload LONGBLOB NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, checkpoint_id),
			INDEX idx_run_seq (run_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &MySQLStore{sqlStore: &sqlStore{
		db: db,
		upsert: `INSERT INTO workflow_checkpoints (` + recordColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				seq = VALUES(seq),
				parent_id = VALUES(parent_id),
				step_number = VALUES(step_number),
				codec = VALUES(codec),
				payload = VALUES(payload),
				created_at = VALUES(created_at)`,
	}}, nil
}
