package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/bptl/internal/codec"
	"github.com/seantiz/bptl/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    kind             TEXT NOT NULL,
    topic_name       TEXT NOT NULL,
    status           TEXT NOT NULL,
    variables        TEXT,
    result_variables TEXT,
    last_error       TEXT,
    external_task_id TEXT UNIQUE,
    worker_id        TEXT,
    lock_expires_at  DATETIME,
    priority         INTEGER,
    retries_left     INTEGER,
    attempts         INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    finished_at      DATETIME
)`,
	`CREATE INDEX IF NOT EXISTS tasks_status ON tasks (status)`,
	`CREATE TABLE IF NOT EXISTS services (
    reference   TEXT PRIMARY KEY,
    api_type    TEXT NOT NULL,
    api_root    TEXT NOT NULL,
    auth_header TEXT
)`,
	`CREATE TABLE IF NOT EXISTS mappings (
    topic_name        TEXT PRIMARY KEY,
    handler_reference TEXT NOT NULL,
    active            INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS mapping_services (
    topic_name        TEXT NOT NULL,
    position          INTEGER NOT NULL,
    alias             TEXT NOT NULL,
    service_reference TEXT NOT NULL,
    PRIMARY KEY (topic_name, alias)
)`,
}

// addedColumns are columns introduced after the tables were first created.
// Databases that predate them get the column added on open.
var addedColumns = []struct{ table, column, decl string }{
	{"tasks", "attempts", "INTEGER NOT NULL DEFAULT 0"},
}

const taskColumns = `id, kind, topic_name, status, variables, result_variables, last_error,
	external_task_id, worker_id, lock_expires_at, priority, retries_left, attempts,
	created_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}
	for _, c := range addedColumns {
		if err := ensureColumn(db, c.table, c.column, c.decl); err != nil {
			db.Close()
			return nil, fmt.Errorf("add column %s.%s: %w", c.table, c.column, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func ensureColumn(db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + decl)
	return err
}

// Ping checks that the database still answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	if err := insertTask(ctx, s.db, t); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTaskByExternalID retrieves an engine task by the engine's identifier.
func (s *SQLiteStore) GetTaskByExternalID(ctx context.Context, externalID string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE external_task_id = ?", externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task by external id: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of tasks matching f ordered by created_at DESC,
// along with the total count of matching tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter, limit, offset int) ([]*model.Task, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Topic != "" {
		conds = append(conds, "topic_name = ?")
		args = append(args, f.Topic)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks"+where+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// ClaimEngineTask records a lease granted by the engine. A task seen for the
// first time is inserted and started. A failed task, or one left in_progress
// by a lease that lapsed, is reopened with the fresh variables. A performed
// task only takes over the new lease so its completion can be retried.
func (s *SQLiteStore) ClaimEngineTask(ctx context.Context, c EngineClaim) (*model.Task, ClaimOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	expires := c.LockExpiresAt.UTC()

	t, err := scanTask(tx.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE external_task_id = ?", c.ExternalTaskID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		retries := c.DefaultRetries
		if c.Retries != nil {
			retries = *c.Retries
		}
		t = &model.Task{
			ID:        model.NewTaskID(),
			Kind:      model.KindEngine,
			TopicName: c.TopicName,
			Status:    model.StatusInitial,
			Variables: c.Variables,
			Engine: &model.EngineClaim{
				ExternalTaskID: c.ExternalTaskID,
				WorkerID:       c.WorkerID,
				LockExpiresAt:  &expires,
				Priority:       c.Priority,
				RetriesLeft:    retries,
			},
			CreatedAt: now,
		}
		if err := advance(t, model.StatusInProgress, now); err != nil {
			return nil, "", err
		}
		if err := insertTask(ctx, tx, t); err != nil {
			return nil, "", fmt.Errorf("insert claimed task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, "", fmt.Errorf("commit claim: %w", err)
		}
		return t, ClaimNew, nil

	case err != nil:
		return nil, "", fmt.Errorf("get claimed task: %w", err)
	}

	outcome := ClaimReopened
	switch t.Status {
	case model.StatusCompleted:
		return nil, "", fmt.Errorf("claim %s: %w", c.ExternalTaskID, ErrAlreadyCompleted)
	case model.StatusPerformed:
		outcome = ClaimPerformed
	case model.StatusInProgress:
		t.LastError = "lock lost before completion"
		if err := advance(t, model.StatusFailed, now); err != nil {
			return nil, "", err
		}
		fallthrough
	case model.StatusFailed:
		if err := advance(t, model.StatusInitial, now); err != nil {
			return nil, "", err
		}
		fallthrough
	case model.StatusInitial:
		if err := advance(t, model.StatusInProgress, now); err != nil {
			return nil, "", err
		}
		t.Variables = c.Variables
		t.ResultVariables = nil
	}

	t.TopicName = c.TopicName
	if t.Engine == nil {
		t.Engine = &model.EngineClaim{ExternalTaskID: c.ExternalTaskID}
	}
	t.Engine.WorkerID = c.WorkerID
	t.Engine.LockExpiresAt = &expires
	t.Engine.Priority = c.Priority
	if c.Retries != nil {
		t.Engine.RetriesLeft = *c.Retries
	}

	if err := updateTask(ctx, tx, t); err != nil {
		return nil, "", fmt.Errorf("update claimed task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit claim: %w", err)
	}
	return t, outcome, nil
}

// MarkPerformed moves an in_progress task to performed and stores its result.
func (s *SQLiteStore) MarkPerformed(ctx context.Context, id string, result codec.Variables) error {
	return s.mutate(ctx, id, func(t *model.Task, now time.Time) error {
		if err := advance(t, model.StatusPerformed, now); err != nil {
			return err
		}
		t.ResultVariables = result
		return nil
	})
}

// MarkCompleted moves a performed task to completed.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(t *model.Task, now time.Time) error {
		return advance(t, model.StatusCompleted, now)
	})
}

// MarkFailed moves a task to failed and records lastError. retriesLeft
// replaces the engine task's retry counter when non-nil and counts the
// failure as one more attempt.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, lastError string, retriesLeft *int) error {
	return s.mutate(ctx, id, func(t *model.Task, now time.Time) error {
		if err := advance(t, model.StatusFailed, now); err != nil {
			return err
		}
		t.LastError = lastError
		if retriesLeft != nil && t.Engine != nil {
			t.Engine.RetriesLeft = max(*retriesLeft, 0)
			t.Engine.Attempts++
		}
		return nil
	})
}

// UpdateTaskStatus moves a task to status if the transition is allowed.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	return s.mutate(ctx, id, func(t *model.Task, now time.Time) error {
		return advance(t, status, now)
	})
}

// ExtendLease records a renewed lease for the in_progress task held by workerID.
func (s *SQLiteStore) ExtendLease(ctx context.Context, id, workerID string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET lock_expires_at = ? WHERE id = ? AND worker_id = ? AND status = ?",
		expiresAt.UTC(), id, workerID, model.StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

// GetTaskStats returns task counts grouped by status, topic and kind.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &TaskStats{}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE status = ? AND kind = ?",
		model.StatusPerformed, model.KindEngine,
	).Scan(&stats.Dangling); err != nil {
		return nil, fmt.Errorf("count dangling tasks: %w", err)
	}

	if stats.CountByStatus, err = countBy(ctx, tx, "status"); err != nil {
		return nil, err
	}
	if stats.CountByTopic, err = countBy(ctx, tx, "topic_name"); err != nil {
		return nil, err
	}
	if stats.CountByKind, err = countBy(ctx, tx, "kind"); err != nil {
		return nil, err
	}
	return stats, nil
}

func countBy(ctx context.Context, tx *sql.Tx, column string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return nil, fmt.Errorf("count tasks by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", column, err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return counts, nil
}

// mutate loads a task, applies fn and writes it back in one transaction.
func (s *SQLiteStore) mutate(ctx context.Context, id string, fn func(t *model.Task, now time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	if err := fn(t, time.Now().UTC()); err != nil {
		return err
	}
	if err := updateTask(ctx, tx, t); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task update: %w", err)
	}
	return nil
}

// advance applies one validated status transition to t in memory.
func advance(t *model.Task, to string, now time.Time) error {
	if !model.ValidTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to

	switch to {
	case model.StatusInitial:
		t.StartedAt = nil
		t.FinishedAt = nil
	case model.StatusInProgress:
		t.StartedAt = &now
	case model.StatusCompleted, model.StatusFailed:
		t.FinishedAt = &now
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertTask(ctx context.Context, db execer, t *model.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		args...,
	)
	return err
}

func updateTask(ctx context.Context, db execer, t *model.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	// Drop id from the front and append it for the WHERE clause.
	args = append(args[1:], t.ID)
	_, err = db.ExecContext(ctx,
		`UPDATE tasks SET
			kind = ?, topic_name = ?, status = ?, variables = ?, result_variables = ?, last_error = ?,
			external_task_id = ?, worker_id = ?, lock_expires_at = ?, priority = ?, retries_left = ?,
			attempts = ?, created_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		args...,
	)
	return err
}

func taskArgs(t *model.Task) ([]any, error) {
	vars, err := encodeVariables(t.Variables)
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}
	result, err := encodeVariables(t.ResultVariables)
	if err != nil {
		return nil, fmt.Errorf("encode result variables: %w", err)
	}

	var externalID, workerID, lockExpires, priority, retries any
	attempts := 0
	if t.Engine != nil {
		externalID = t.Engine.ExternalTaskID
		workerID = t.Engine.WorkerID
		lockExpires = nullTime(t.Engine.LockExpiresAt)
		priority = t.Engine.Priority
		retries = t.Engine.RetriesLeft
		attempts = t.Engine.Attempts
	}

	return []any{
		t.ID, t.Kind, t.TopicName, t.Status, vars, result, nullString(t.LastError),
		externalID, workerID, lockExpires, priority, retries, attempts,
		t.CreatedAt.UTC(), nullTime(t.StartedAt), nullTime(t.FinishedAt),
	}, nil
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                              model.Task
		vars, result, lastError        sql.NullString
		externalID, workerID           sql.NullString
		lockExpires, started, finished sql.NullTime
		priority, retries              sql.NullInt64
		attempts                       int
	)
	if err := row.Scan(
		&t.ID, &t.Kind, &t.TopicName, &t.Status, &vars, &result, &lastError,
		&externalID, &workerID, &lockExpires, &priority, &retries, &attempts,
		&t.CreatedAt, &started, &finished,
	); err != nil {
		return nil, err
	}

	var err error
	if t.Variables, err = decodeVariables(vars); err != nil {
		return nil, fmt.Errorf("decode variables of task %s: %w", t.ID, err)
	}
	if t.ResultVariables, err = decodeVariables(result); err != nil {
		return nil, fmt.Errorf("decode result variables of task %s: %w", t.ID, err)
	}
	t.LastError = lastError.String
	t.StartedAt = timePtr(started)
	t.FinishedAt = timePtr(finished)

	if t.Kind == model.KindEngine {
		t.Engine = &model.EngineClaim{
			ExternalTaskID: externalID.String,
			WorkerID:       workerID.String,
			LockExpiresAt:  timePtr(lockExpires),
			Priority:       int(priority.Int64),
			RetriesLeft:    int(retries.Int64),
			Attempts:       attempts,
		}
	}
	return &t, nil
}

func encodeVariables(v codec.Variables) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeVariables(s sql.NullString) (codec.Variables, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v codec.Variables
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
