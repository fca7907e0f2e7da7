package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type TaskStore struct {
	DB  *sqlx.DB
	now func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		owner TEXT NOT NULL DEFAULT '',
		lease_until BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);`,
}

// leaseColumns upgrades tables created before tasks carried an owner.
var leaseColumns = []string{
	`ALTER TABLE tasks ADD COLUMN owner TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE tasks ADD COLUMN lease_until BIGINT NOT NULL DEFAULT 0`,
}

const taskColumns = `id, prompt, status, result, error, owner, lease_until, created_at, updated_at`

// Open connects to postgres when dsn is a postgresql:// URL and to a sqlite
// file otherwise, then creates the schema.
func Open(ctx context.Context, dsn string, postgres bool) (*TaskStore, error) {
	driver := "sqlite"
	if postgres {
		driver = "postgres"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if !postgres {
		// sqlite allows a single writer; serialising through one connection
		// avoids SQLITE_BUSY when several tasks finish together.
		db.SetMaxOpenConns(1)
	}

	s := NewTaskStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewTaskStore(db *sqlx.DB) *TaskStore {
	return &TaskStore{DB: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *TaskStore) Migrate(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT owner, lease_until FROM tasks LIMIT 0`)
	if err == nil {
		return rows.Close()
	}
	for _, q := range leaseColumns {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("add lease columns: %w", err)
		}
	}
	return nil
}

func (s *TaskStore) Close() error {
	return s.DB.Close()
}

// Create records a running task held by owner until lease runs out.
func (s *TaskStore) Create(ctx context.Context, id, prompt, owner string, lease time.Duration) error {
	now := s.now()
	query := s.DB.Rebind(`INSERT INTO tasks (id, prompt, status, owner, lease_until, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.DB.ExecContext(ctx, query, id, prompt, StatusRunning, owner, now.Add(lease).UnixMilli(), now, now); err != nil {
		return fmt.Errorf("create task %s: %w", id, err)
	}
	return nil
}

// Renew extends the lease owner holds on a running task.
func (s *TaskStore) Renew(ctx context.Context, id, owner string, lease time.Duration) error {
	query := s.DB.Rebind(`UPDATE tasks SET lease_until = ? WHERE id = ? AND owner = ? AND status = ?`)
	res, err := s.DB.ExecContext(ctx, query, s.now().Add(lease).UnixMilli(), id, owner, StatusRunning)
	if err != nil {
		return fmt.Errorf("renew task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return nil
}

// Complete stores the final result and moves a running task to done.
func (s *TaskStore) Complete(ctx context.Context, id string, result []byte) error {
	return s.finish(ctx, id, StatusDone, sql.NullString{String: string(result), Valid: true}, sql.NullString{})
}

// Fail moves a running task to error, recording the failure message.
func (s *TaskStore) Fail(ctx context.Context, id string, message string) error {
	return s.finish(ctx, id, StatusError, sql.NullString{}, sql.NullString{String: message, Valid: true})
}

// FailExpired fails a running task only if its lease has run out, so a task
// whose owner is still alive is never taken from it.
func (s *TaskStore) FailExpired(ctx context.Context, id string, message string) error {
	now := s.now()
	query := s.DB.Rebind(`UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ? AND lease_until < ?`)
	res, err := s.DB.ExecContext(ctx, query, StatusError, message, now, id, StatusRunning, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != StatusRunning {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
	}
	return fmt.Errorf("%w: %s", ErrLeaseHeld, id)
}

func (s *TaskStore) finish(ctx context.Context, id, status string, result, errMsg sql.NullString) error {
	query := s.DB.Rebind(`UPDATE tasks SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`)
	res, err := s.DB.ExecContext(ctx, query, status, result, errMsg, s.now(), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing task from one that already finished.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
}

type taskRow struct {
	Task
	ResultText sql.NullString `db:"result"`
	ErrorText  sql.NullString `db:"error"`
}

func (s *TaskStore) Get(ctx context.Context, id string) (*Task, error) {
	var row taskRow
	query := s.DB.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`)
	if err := s.DB.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	task := row.Task
	if row.ResultText.Valid && row.ResultText.String != "" {
		task.Result = []byte(row.ResultText.String)
	}
	task.Error = row.ErrorText.String
	return &task, nil
}

// ListExpired returns running tasks whose lease has run out, oldest first.
// Their owner stopped renewing, so nothing will ever finish them.
func (s *TaskStore) ListExpired(ctx context.Context) ([]Task, error) {
	var rows []taskRow
	query := s.DB.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE status = ? AND lease_until < ? ORDER BY created_at`)
	if err := s.DB.SelectContext(ctx, &rows, query, StatusRunning, s.now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	tasks := make([]Task, 0, len(rows))
	for _, r := range rows {
		t := r.Task
		t.Error = r.ErrorText.String
		tasks = append(tasks, t)
	}
	return tasks, nil
}
