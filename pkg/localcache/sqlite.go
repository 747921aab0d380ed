// Package localcache stores the client's last known task list in a local
// SQLite file so it survives restarts and can stand in when the server is down.
package localcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"tasksync/pkg/task"
)

// DefaultKey is the snapshot key used by the task client.
const DefaultKey = "todoTasks"

// ErrCorrupt means the stored snapshot could not be decoded.
var ErrCorrupt = errors.New("corrupt cache snapshot")

// SQLite keeps one serialized task list per key.
type SQLite struct {
	db  *sql.DB
	key string
}

// Open opens (creating if needed) the cache file at path.
func Open(ctx context.Context, path, key string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	// one writer; whole-value overwrites never interleave
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			key   TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &SQLite{db: db, key: key}, nil
}

// Load returns the cached list, or an empty list when nothing is stored yet.
func (c *SQLite) Load(ctx context.Context) ([]task.Task, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM snapshots WHERE key = ?`, c.key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []task.Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", c.key, err)
	}
	var tasks []task.Task
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	return tasks, nil
}

// Save overwrites the stored list in a single statement.
func (c *SQLite) Save(ctx context.Context, tasks []task.Task) error {
	if tasks == nil {
		tasks = []task.Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		c.key, string(data))
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", c.key, err)
	}
	return nil
}

// Close closes the underlying database.
func (c *SQLite) Close() error {
	return c.db.Close()
}
