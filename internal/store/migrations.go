package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for the registry tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS running_jobs (
		id         TEXT PRIMARY KEY,
		command    TEXT NOT NULL,
		gpu_index  INTEGER NOT NULL,
		session    TEXT NOT NULL,
		log_dir    TEXT NOT NULL DEFAULT '',
		env        TEXT NOT NULL DEFAULT '[]',
		started_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_running_jobs_session ON running_jobs(session)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
