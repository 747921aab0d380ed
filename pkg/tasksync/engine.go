// Package tasksync keeps a client's ordered task list consistent with the task
// store, a durable local cache, and realtime push events.
//
// The engine owns the list. Every change runs under a single lock (the
// engine's one logical thread): mutate, persist the whole list to the cache,
// then notify listeners. Calls to the task store and push channel happen
// outside the lock, so remote events and other user actions may interleave
// with them; the last write to land wins.
package tasksync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/pkg/localcache"
	"tasksync/pkg/push"
	"tasksync/pkg/task"
)

// ErrStorageFault wraps a failed cache write. It is the only failure the
// engine reports for list mutations.
var ErrStorageFault = errors.New("local cache write failed")

// TaskStore is the part of the task store the engine talks to.
type TaskStore interface {
	List(ctx context.Context) ([]task.Task, error)
	Create(ctx context.Context, t *task.Task) (*task.Task, error)
	Replace(ctx context.Context, id int64, t *task.Task) (*task.Task, error)
	Delete(ctx context.Context, id int64) error
}

// Cache is the durable local copy of the list: read whole, written whole.
type Cache interface {
	Load(ctx context.Context) ([]task.Task, error)
	Save(ctx context.Context, tasks []task.Task) error
}

// ChangeKind says what produced a Change.
type ChangeKind string

const (
	ChangeLoaded    ChangeKind = "loaded"
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeCompleted ChangeKind = "completed"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeReordered ChangeKind = "reordered"
	ChangeReverted  ChangeKind = "reverted"
)

// Change is delivered to listeners after every list mutation.
type Change struct {
	Kind   ChangeKind
	ID     int64       // affected task, 0 for whole-list changes
	Remote bool        // applied from a push event
	Tasks  []task.Task // the list after the change
	Err    error       // set when persisting the change failed
}

// Engine is the client-side owner of the ordered task list.
type Engine struct {
	store  TaskStore
	cache  Cache
	logger *log.Entry
	now    func() time.Time

	mu        sync.Mutex
	tasks     []task.Task
	channel   PushChannel
	listeners []func(Change)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *log.Entry) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now for create defaults.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine with an empty list. Call Load to populate it.
func New(store TaskStore, cache Cache, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		cache:  cache,
		logger: log.WithField("component", "tasksync"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnChange registers a listener. Listeners run with the engine locked and
// must not call back into the engine.
func (e *Engine) OnChange(fn func(Change)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Tasks returns a copy of the current list.
func (e *Engine) Tasks() []task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.tasks)
}

// Load fetches the server snapshot and merges it with the local cache. If the
// server is unreachable the cached list is used as is, and if the cache cannot
// be read either the current list is kept and nothing is written. Only a failed
// cache write is reported.
func (e *Engine) Load(ctx context.Context) ([]task.Task, error) {
	snapshot, fetchErr := e.store.List(ctx)
	if fetchErr != nil {
		e.logger.WithError(fetchErr).Warn("failed to fetch tasks, using local cache")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cached, ok := e.readCache(ctx)
	switch {
	case fetchErr != nil && !ok:
		// neither source answered; the cache on disk is still the best copy
		e.logger.Warn("no task source available, keeping current list")
		e.notify(Change{Kind: ChangeLoaded, Tasks: clone(e.tasks)})
		return clone(e.tasks), nil
	case fetchErr != nil:
		e.tasks = Dedupe(cached)
	default:
		e.tasks = Merge(cached, snapshot)
	}
	err := e.commit(context.WithoutCancel(ctx), Change{Kind: ChangeLoaded})
	return clone(e.tasks), err
}

// readCache returns the cached list. ok is false only when the cache could not
// be read at all; a corrupt cache reads as empty.
func (e *Engine) readCache(ctx context.Context) (tasks []task.Task, ok bool) {
	cached, err := e.cache.Load(ctx)
	switch {
	case errors.Is(err, localcache.ErrCorrupt):
		e.logger.WithError(err).Debug("discarding corrupt cache")
		return nil, true
	case err != nil:
		e.logger.WithError(err).Warn("failed to read cache")
		return nil, false
	}
	return cached, true
}

// Complete marks a task done locally, then on the server. If the server call
// fails the previous status is restored.
func (e *Engine) Complete(ctx context.Context, id int64) error {
	bg := context.WithoutCancel(ctx)

	e.mu.Lock()
	i := indexOf(e.tasks, id)
	if i < 0 {
		e.mu.Unlock()
		return nil
	}
	prev := e.tasks[i].Status
	e.tasks[i].Status = task.StatusDone
	updated := e.tasks[i]
	if err := e.commit(bg, Change{Kind: ChangeCompleted, ID: id}); err != nil {
		e.tasks[i].Status = prev
		e.notify(Change{Kind: ChangeReverted, ID: id, Tasks: clone(e.tasks), Err: err})
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	if _, err := e.store.Replace(ctx, id, &updated); err != nil {
		e.logger.WithError(err).WithField("task", id).Error("complete failed, reverting")
		e.mu.Lock()
		defer e.mu.Unlock()
		if i := indexOf(e.tasks, id); i >= 0 {
			e.tasks[i].Status = prev
			return e.commit(bg, Change{Kind: ChangeReverted, ID: id})
		}
	}
	return nil
}

// Delete removes a task locally, then on the server. A failed server delete is
// only logged; the task stays removed locally.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	e.mu.Lock()
	if i := indexOf(e.tasks, id); i >= 0 {
		e.tasks = slices.Delete(e.tasks, i, i+1)
		if err := e.commit(context.WithoutCancel(ctx), Change{Kind: ChangeDeleted, ID: id}); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	if err := e.store.Delete(ctx, id); err != nil {
		e.logger.WithError(err).WithField("task", id).Error("delete failed")
	}
	return nil
}

// Create validates t, creates it on the server, and appends the stored task
// unless a push echo already added it. Validation and server errors are returned
// so the caller can show them.
func (e *Engine) Create(ctx context.Context, t task.Task) (task.Task, error) {
	task.ApplyDefaults(&t, e.now())
	if err := task.Validate(t); err != nil {
		return task.Task{}, err
	}
	created, err := e.store.Create(ctx, &t)
	if err != nil {
		var ve *task.ValidationError
		if !errors.As(err, &ve) {
			e.logger.WithError(err).Error("create failed")
		}
		return task.Task{}, fmt.Errorf("create task: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if i := indexOf(e.tasks, created.ID); i >= 0 {
		e.tasks[i] = *created
	} else {
		e.tasks = append(e.tasks, *created)
	}
	return *created, e.commit(context.WithoutCancel(ctx), Change{Kind: ChangeCreated, ID: created.ID})
}

// Update replaces a task locally, then on the server, restoring the previous
// copy on failure. A validation rejection is returned; transport failures are
// only logged.
func (e *Engine) Update(ctx context.Context, t task.Task) error {
	if err := task.Validate(t); err != nil {
		return err
	}
	bg := context.WithoutCancel(ctx)

	e.mu.Lock()
	i := indexOf(e.tasks, t.ID)
	if i < 0 {
		e.mu.Unlock()
		return nil
	}
	prev := e.tasks[i]
	e.tasks[i] = t
	if err := e.commit(bg, Change{Kind: ChangeUpdated, ID: t.ID}); err != nil {
		e.tasks[i] = prev
		e.notify(Change{Kind: ChangeReverted, ID: t.ID, Tasks: clone(e.tasks), Err: err})
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	_, err := e.store.Replace(ctx, t.ID, &t)
	if err == nil {
		return nil
	}
	e.logger.WithError(err).WithField("task", t.ID).Error("update failed, reverting")

	e.mu.Lock()
	defer e.mu.Unlock()
	if i := indexOf(e.tasks, t.ID); i >= 0 {
		e.tasks[i] = prev
		if serr := e.commit(bg, Change{Kind: ChangeReverted, ID: t.ID}); serr != nil {
			return serr
		}
	}
	var ve *task.ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return nil
}

// Reorder moves the visible tasks into the given order ahead of the rest and
// tells the other clients about the new full order.
func (e *Engine) Reorder(ctx context.Context, visibleIDs []int64) error {
	e.mu.Lock()
	e.tasks = Reorder(e.tasks, visibleIDs)
	ids := IDs(e.tasks)
	ch := e.channel
	if err := e.commit(context.WithoutCancel(ctx), Change{Kind: ChangeReordered}); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	if ch != nil {
		if err := ch.Publish(ctx, push.TasksReordered, ids); err != nil {
			e.logger.WithError(err).Warn("failed to broadcast reorder")
		}
	}
	return nil
}

// commit persists the list and notifies listeners. Callers hold e.mu.
func (e *Engine) commit(ctx context.Context, c Change) error {
	snapshot := clone(e.tasks)
	var err error
	if serr := e.cache.Save(ctx, snapshot); serr != nil {
		err = fmt.Errorf("%w: %w", ErrStorageFault, serr)
		e.logger.WithError(serr).WithField("change", c.Kind).Error("failed to persist task list")
	}
	c.Tasks = snapshot
	c.Err = err
	e.notify(c)
	return err
}

// notify delivers c without touching the cache. Callers hold e.mu.
func (e *Engine) notify(c Change) {
	for _, fn := range e.listeners {
		fn(c)
	}
}
