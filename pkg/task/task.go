package task

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Status values understood by clients. Anything else counts as not done.
const (
	StatusActive = "Active"
	StatusDone   = "Done"
)

// DefaultPriority is applied when a task arrives without one.
const DefaultPriority = 5

// Task is a single to-do item. Order is not a property of the task; clients own it.
type Task struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"` // 1..10
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	DueDate     time.Time `json:"dueDate"`
	UserID      *int64    `json:"userId,omitempty"`
}

// IsDone reports whether the task is completed.
func (t Task) IsDone() bool {
	return t.Status == StatusDone
}

var (
	ErrNotFound = errors.New("task not found")
	ErrConflict = errors.New("task conflict")
)

// ValidationError is a boundary rule violation with a message meant for the user.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validate enforces the boundary rules shared by the server and the client.
func Validate(t Task) error {
	if strings.TrimSpace(t.Name) == "" {
		return &ValidationError{Message: "Name is required."}
	}
	if t.Priority < 1 || t.Priority > 10 {
		return &ValidationError{Message: "Priority must be between 1 and 10."}
	}
	if !t.DueDate.After(t.CreatedAt) {
		return &ValidationError{Message: "DueDate must be after CreatedAt."}
	}
	return nil
}

// ApplyDefaults fills the fields a client may omit on create.
func ApplyDefaults(t *Task, now time.Time) {
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
}

// Store is the contract for task persistence.
type Store interface {
	List(ctx context.Context) ([]Task, error)
	Get(ctx context.Context, id int64) (*Task, error)
	Create(ctx context.Context, t *Task) (*Task, error)
	Replace(ctx context.Context, id int64, t *Task) (*Task, error)
	Delete(ctx context.Context, id int64) error
	EnsureTable(ctx context.Context) error
}
