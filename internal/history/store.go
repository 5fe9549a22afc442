// Package history caches the terminal outcome of trial runs locally so the
// "last run" panel renders without a round trip. The cache is advisory: a
// stale flag tells readers to refetch from the backend.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/draftflow/pkg/schema"
)

// RunRecord is one cached terminal run.
type RunRecord struct {
	ID            string
	PipelineID    string
	WorkflowRunID string
	TaskID        string
	Status        schema.RunStatus
	Error         string
	ResultText    string
	StartedAt     time.Time
	FinishedAt    time.Time
	Stale         bool
}

// Store persists run history in a local libSQL database.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the history database at the given path.
// The path should be a file URI, e.g. "file:/path/to/history.db".
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// cacheSchema is the whole schema: one runs table plus its lookup index.
// stale=1 marks a cached row invalid so readers refetch from the backend.
const cacheSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	workflow_run_id TEXT,
	task_id TEXT,
	status TEXT NOT NULL,
	error TEXT,
	result_text TEXT,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	stale INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline_id, finished_at DESC);
`

// Migrate applies the cache schema. Every statement is idempotent: the cache
// is disposable and a wiped database file rebuilds itself on the next open,
// so there is no versioning to track.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(cacheSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "apply cache schema: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

// RecordRun inserts a terminal run. An empty ID gets a generated one.
func (s *Store) RecordRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil {
		return schema.NewError(schema.ErrCodeValidation, "run record is nil")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline_id, workflow_run_id, task_id, status, error, result_text, started_at, finished_at, stale)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.ID, rec.PipelineID, rec.WorkflowRunID, rec.TaskID, string(rec.Status),
		rec.Error, rec.ResultText, rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "insert run: %s", err.Error()).WithCause(err)
	}
	return nil
}

// LastRun returns the most recent cached run for a pipeline. The record's
// Stale flag tells the caller whether a refetch is due.
func (s *Store) LastRun(ctx context.Context, pipelineID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, workflow_run_id, task_id, status, error, result_text, started_at, finished_at, stale
		 FROM runs WHERE pipeline_id = ? ORDER BY finished_at DESC, id DESC LIMIT 1`, pipelineID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no cached run for pipeline %s", pipelineID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "query last run: %s", err.Error()).WithCause(err)
	}
	return rec, nil
}

// ListRuns returns up to limit cached runs for a pipeline, newest first.
func (s *Store) ListRuns(ctx context.Context, pipelineID string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline_id, workflow_run_id, task_id, status, error, result_text, started_at, finished_at, stale
		 FROM runs WHERE pipeline_id = ? ORDER BY finished_at DESC, id DESC LIMIT ?`, pipelineID, limit)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "query runs: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan run: %s", err.Error()).WithCause(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "iterate runs: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// InvalidateLastRun marks every cached run of a pipeline stale. Readers that
// see a stale record refetch the authoritative history from the backend.
func (s *Store) InvalidateLastRun(ctx context.Context, pipelineID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET stale = 1 WHERE pipeline_id = ?`, pipelineID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "invalidate runs: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Prune deletes cached runs older than keep for a pipeline.
func (s *Store) Prune(ctx context.Context, pipelineID string, keep time.Duration) error {
	cutoff := time.Now().UTC().Add(-keep)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE pipeline_id = ? AND finished_at < ?`, pipelineID, cutoff)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "prune runs: %s", err.Error()).WithCause(err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var status string
	var stale int
	err := row.Scan(&rec.ID, &rec.PipelineID, &rec.WorkflowRunID, &rec.TaskID,
		&status, &rec.Error, &rec.ResultText, &rec.StartedAt, &rec.FinishedAt, &stale)
	if err != nil {
		return nil, err
	}
	rec.Status = schema.RunStatus(status)
	rec.Stale = stale != 0
	return &rec, nil
}
