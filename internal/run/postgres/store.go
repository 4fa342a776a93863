// Package postgres implements the run store and session event log on top of a
// pgx connection pool. All status transitions are single-statement conditional
// updates so optimistic concurrency holds across processes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay/internal/event"
	"relay/internal/logging"
	"relay/internal/run"
)

const (
	taskTable  = "run_tasks"
	eventTable = "session_events"
)

// Store implements run.Store backed by Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ run.Store = (*Store)(nil)

// NewStore creates a Postgres-backed run store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("RunTaskStore"),
	}
}

// EnsureSchema creates the run task and session event tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + taskTable + ` (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'RUNNING',
    version         BIGINT NOT NULL DEFAULT 0,
    user_message_id TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_run_tasks_session_status
    ON ` + taskTable + ` (session_id, status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_run_tasks_stale
    ON ` + taskTable + ` (created_at) WHERE status = 'RUNNING'`,
		`CREATE TABLE IF NOT EXISTS ` + eventTable + ` (
    seq        BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    run_id     TEXT,
    event_type TEXT NOT NULL,
    content    JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session
    ON ` + eventTable + ` (session_id, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure run schema: %w", err)
		}
	}
	return nil
}

// Create inserts a new RUNNING task at version 0.
func (s *Store) Create(ctx context.Context, sessionID, userMessageID string) (*run.Task, error) {
	id := run.NewID()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+taskTable+` (id, session_id, status, version, user_message_id)
		 VALUES ($1, $2, $3, 0, NULLIF($4, ''))
		 RETURNING id, session_id, status, version, user_message_id, created_at, updated_at`,
		id, sessionID, string(run.StatusRunning), userMessageID,
	)
	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("create run task: %w", err)
	}
	return task, nil
}

// Get returns the task by id, or run.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*run.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, status, version, user_message_id, created_at, updated_at
		 FROM `+taskTable+` WHERE id = $1`,
		id,
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run task: %w", err)
	}
	return task, nil
}

// FindRunningBySession returns the most recently created RUNNING task for the session.
func (s *Store) FindRunningBySession(ctx context.Context, sessionID string) (*run.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, status, version, user_message_id, created_at, updated_at
		 FROM `+taskTable+`
		 WHERE session_id = $1 AND status = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		sessionID, string(run.StatusRunning),
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find running task: %w", err)
	}
	return task, nil
}

// UpdateStatus applies the versioned compare-and-swap as one conditional
// UPDATE. A zero-row result is resolved into ErrConflict or ErrNotFound by a
// follow-up existence check; the version itself is never re-read and retried.
func (s *Store) UpdateStatus(ctx context.Context, id string, expectedVersion int64, next run.Status) (*run.Task, error) {
	if err := run.ValidateTransition(next); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE `+taskTable+` SET
			status = $1, version = version + 1, updated_at = now()
		 WHERE id = $2 AND version = $3 AND status = $4
		 RETURNING id, session_id, status, version, user_message_id, created_at, updated_at`,
		string(next), id, expectedVersion, string(run.StatusRunning),
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, run.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	return task, nil
}

// ReapStale claims up to batchSize stale RUNNING tasks with FOR UPDATE SKIP
// LOCKED, flips each to SYSTEM_INTERRUPTED, and appends the termination event
// to the session event log in the same transaction. A reader therefore never
// observes the status change without its event, or the other way around.
func (s *Store) ReapStale(ctx context.Context, cutoff time.Time, batchSize int) ([]*run.Task, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reap tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	rows, err := tx.Query(ctx,
		`UPDATE `+taskTable+` SET
			status = $1, version = version + 1, updated_at = now()
		 WHERE id IN (
			SELECT id FROM `+taskTable+`
			WHERE status = $2 AND created_at < $3
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		 )
		 RETURNING id, session_id, status, version, user_message_id, created_at, updated_at`,
		string(run.StatusSystemInterrupted), string(run.StatusRunning), cutoff, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("claim stale tasks: %w", err)
	}
	claimed, err := scanTasks(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, task := range claimed {
		ev := run.TerminationEvent(task)
		if err := appendEvent(ctx, tx, ev); err != nil {
			return nil, fmt.Errorf("append termination event for %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reap tx: %w", err)
	}
	if len(claimed) > 0 {
		s.logger.Info("Reclaimed %d stale run task(s) older than %s", len(claimed), cutoff.Format(time.RFC3339))
	}
	return claimed, nil
}

// AppendSessionEvent persists an event to the durable session log outside any
// reap transaction. Wired as a bus subscriber for ordinary event persistence.
func (s *Store) AppendSessionEvent(ctx context.Context, ev event.Event) error {
	if err := appendEvent(ctx, s.pool, ev); err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

// SessionEvents returns the persisted events for a session in append order.
func (s *Store) SessionEvents(ctx context.Context, sessionID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_type, session_id, run_id, content, created_at
		 FROM `+eventTable+`
		 WHERE session_id = $1
		 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		var runID *string
		if err := rows.Scan(&ev.Type, &ev.SessionID, &runID, &ev.Content, &ev.Timestamp); err != nil {
			return events, fmt.Errorf("scan session event: %w", err)
		}
		if runID != nil {
			ev.RunID = *runID
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// execer abstracts the single Exec call shared by the pool and tx paths.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func appendEvent(ctx context.Context, db execer, ev event.Event) error {
	_, err := db.Exec(ctx,
		`INSERT INTO `+eventTable+` (session_id, run_id, event_type, content, created_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5)`,
		ev.SessionID, ev.RunID, ev.Type, ev.Content, ev.Timestamp,
	)
	return err
}

// pgxRows abstracts pgx row iteration for scanning.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanTask(row pgxRow) (*run.Task, error) {
	var task run.Task
	var status string
	var userMessageID *string
	if err := row.Scan(&task.ID, &task.SessionID, &status, &task.Version, &userMessageID, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.Status = run.Status(status)
	if userMessageID != nil {
		task.UserMessageID = *userMessageID
	}
	return &task, nil
}

func scanTasks(rows pgxRows) ([]*run.Task, error) {
	var tasks []*run.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return tasks, fmt.Errorf("scan run task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
