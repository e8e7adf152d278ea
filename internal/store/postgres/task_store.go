// Package postgres implements the task and document stores on PostgreSQL
// using pgx. Status changes are conditional updates so concurrent workers
// and the reaper serialize through the database rather than through locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebenwert/ingestd/internal/ingest"
)

// pgxPool is the subset of pgxpool.Pool the stores use. Narrow on purpose so
// pgxmock can stand in during tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config holds connection settings.
type Config struct {
	DSN string
}

const taskSchema = `
CREATE TABLE IF NOT EXISTS ingest_tasks (
    id            TEXT PRIMARY KEY,
    source        TEXT NOT NULL,
    collection_id BIGINT NOT NULL,
    status        TEXT NOT NULL,
    message       TEXT NOT NULL DEFAULT '',
    retry_count   INT NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingest_tasks_status_updated
    ON ingest_tasks (status, updated_at);
`

// TaskStore persists task records in PostgreSQL.
type TaskStore struct {
	pool pgxPool
	now  func() time.Time
}

// NewTaskStore connects a pool and returns a store.
func NewTaskStore(ctx context.Context, cfg Config) (*TaskStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect task store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping task store: %w", err)
	}
	return NewTaskStoreWithPool(pool), nil
}

// NewTaskStoreWithPool wraps an existing pool. Used by tests with pgxmock.
func NewTaskStoreWithPool(pool pgxPool) *TaskStore {
	return &TaskStore{pool: pool, now: time.Now}
}

// EnsureSchema creates the tasks table if missing.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, taskSchema); err != nil {
		return fmt.Errorf("ensure task schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *TaskStore) Close() {
	s.pool.Close()
}

func (s *TaskStore) CreateTask(ctx context.Context, task ingest.TaskRecord) error {
	if task.Status == "" {
		task.Status = ingest.TaskStatusPending
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_tasks (id, source, collection_id, status, message, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.Source, task.CollectionID, string(task.Status), task.Message, task.RetryCount, task.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

func (s *TaskStore) GetTask(ctx context.Context, id string) (ingest.TaskRecord, error) {
	var task ingest.TaskRecord
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, source, collection_id, status, message, retry_count, created_at, updated_at
		FROM ingest_tasks WHERE id = $1`, id).
		Scan(&task.ID, &task.Source, &task.CollectionID, &status, &task.Message, &task.RetryCount, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.TaskRecord{}, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return ingest.TaskRecord{}, fmt.Errorf("get task %s: %w", id, err)
	}
	task.Status = ingest.TaskStatus(status)
	return task, nil
}

// TransitionTask performs the compare-and-set update. The WHERE clause on the
// prior status is what makes dismissal and reaping race-safe.
func (s *TaskStore) TransitionTask(ctx context.Context, id string, from, to ingest.TaskStatus, message string, retryCount int) (bool, error) {
	next, err := ingest.Transition(from, to)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_tasks
		SET status = $1, message = $2, retry_count = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		string(next), message, retryCount, s.now(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *TaskStore) RecordRetry(ctx context.Context, id string, retryCount int, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_tasks
		SET retry_count = $1, message = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		retryCount, message, s.now(), id, string(ingest.TaskStatusInProgress))
	if err != nil {
		return fmt.Errorf("record retry for task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s not in progress", id)
	}
	return nil
}

// ReapStale fails every IN_PROGRESS row older than cutoff in one statement.
// The status condition makes concurrent sweeps idempotent.
func (s *TaskStore) ReapStale(ctx context.Context, cutoff time.Time, note string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_tasks
		SET status = $1,
		    message = CASE WHEN message = '' THEN $2 ELSE message || '; ' || $2 END,
		    updated_at = $3
		WHERE status = $4 AND updated_at < $5`,
		string(ingest.TaskStatusFailed), note, s.now(), string(ingest.TaskStatusInProgress), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
