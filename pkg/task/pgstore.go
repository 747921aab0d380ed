package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const taskColumns = `id, name, description, priority, status, created_at, due_date, user_id`

// EnsureTable creates the users and tasks tables if they don't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id       BIGSERIAL PRIMARY KEY,
			name     TEXT NOT NULL,
			email    TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id          BIGSERIAL PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority    INTEGER NOT NULL DEFAULT 5,
			status      TEXT NOT NULL DEFAULT 'Active',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			due_date    TIMESTAMPTZ NOT NULL,
			user_id     BIGINT REFERENCES users(id) ON DELETE SET NULL
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id) WHERE user_id IS NOT NULL`)
	return err
}

// List returns every task in id order.
func (s *PgStore) List(ctx context.Context) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id int64) (*Task, error) {
	var t Task
	err := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Description, &t.Priority, &t.Status, &t.CreatedAt, &t.DueDate, &t.UserID)
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, mapErr(err))
	}
	return &t, nil
}

// Create validates and inserts a new task; the database assigns the ID.
func (s *PgStore) Create(ctx context.Context, t *Task) (*Task, error) {
	if err := Validate(*t); err != nil {
		return nil, err
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (name, description, priority, status, created_at, due_date, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		t.Name, t.Description, t.Priority, t.Status, t.CreatedAt, t.DueDate, t.UserID).Scan(&t.ID)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", mapErr(err))
	}
	return t, nil
}

// Replace overwrites every field of task id with t.
func (s *PgStore) Replace(ctx context.Context, id int64, t *Task) (*Task, error) {
	if t.ID != id {
		return nil, fmt.Errorf("replace task %d: id mismatch (%d): %w", id, t.ID, ErrConflict)
	}
	if err := Validate(*t); err != nil {
		return nil, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET name = $1, description = $2, priority = $3, status = $4,
			created_at = $5, due_date = $6, user_id = $7
		WHERE id = $8`,
		t.Name, t.Description, t.Priority, t.Status, t.CreatedAt, t.DueDate, t.UserID, id)
	if err != nil {
		return nil, fmt.Errorf("replace task %d: %w", id, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("replace task %d: %w", id, ErrNotFound)
	}
	return t, nil
}

// Delete removes a task.
func (s *PgStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete task %d: %w", id, ErrNotFound)
	}
	return nil
}

// mapErr translates driver errors into the package sentinels where one applies.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001": // unique_violation, serialization_failure
			return fmt.Errorf("%s: %w", pgErr.Message, ErrConflict)
		case "23503": // foreign_key_violation
			return &ValidationError{Message: "Unknown user."}
		}
	}
	return err
}

func scanTaskRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Task, error) {
	tasks := []Task{}
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Priority, &t.Status, &t.CreatedAt, &t.DueDate, &t.UserID); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}
