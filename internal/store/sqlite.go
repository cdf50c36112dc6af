package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/nexus/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// PutRunning inserts or replaces the record for rj.ID.
func (s *SQLiteStore) PutRunning(ctx context.Context, rj *RunningJob) error {
	s.logger.Debug("sql", "op", "upsert", "table", "running_jobs", "id", rj.ID)

	env := rj.Env
	if env == nil {
		env = []model.EnvVar{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO running_jobs (id, command, gpu_index, session, log_dir, env, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   command = excluded.command,
		   gpu_index = excluded.gpu_index,
		   session = excluded.session,
		   log_dir = excluded.log_dir,
		   env = excluded.env,
		   started_at = excluded.started_at`,
		rj.ID, rj.Command, rj.GPUIndex, rj.Session, rj.LogDir, string(envJSON),
		rj.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetRunning returns the record for id, or nil when there is none.
func (s *SQLiteStore) GetRunning(ctx context.Context, id string) (*RunningJob, error) {
	s.logger.Debug("sql", "op", "select", "table", "running_jobs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, command, gpu_index, session, log_dir, env, started_at
		 FROM running_jobs WHERE id = ?`, id)
	rj, err := scanRunning(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rj, err
}

// ListRunning returns every record ordered by start time.
func (s *SQLiteStore) ListRunning(ctx context.Context) ([]*RunningJob, error) {
	s.logger.Debug("sql", "op", "list", "table", "running_jobs")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, gpu_index, session, log_dir, env, started_at
		 FROM running_jobs ORDER BY started_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunningJob
	for rows.Next() {
		rj, err := scanRunning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rj)
	}
	return out, rows.Err()
}

// DeleteRunning removes the record for id. Deleting a missing id is not an
// error.
func (s *SQLiteStore) DeleteRunning(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "running_jobs", "id", id)
	_, err := s.db.ExecContext(ctx, `DELETE FROM running_jobs WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRunning(sc scanner) (*RunningJob, error) {
	var rj RunningJob
	var envJSON, startedAt string
	if err := sc.Scan(&rj.ID, &rj.Command, &rj.GPUIndex, &rj.Session, &rj.LogDir, &envJSON, &startedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(envJSON), &rj.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}
	rj.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	return &rj, nil
}
