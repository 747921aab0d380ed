package tasksync

import (
	"context"
	"encoding/json"
	"slices"

	"tasksync/pkg/push"
	"tasksync/pkg/task"
)

// PushChannel is the realtime channel the engine listens and publishes on.
// *push.Client satisfies it.
type PushChannel interface {
	Subscribe(event string, h push.Handler)
	Publish(ctx context.Context, event string, payload any) error
	OnState(fn func(push.State))
}

// Attach subscribes the engine to ch and uses it to broadcast reorders.
// A reconnect triggers a full Load to pick up anything missed while offline.
func (e *Engine) Attach(ch PushChannel) {
	e.mu.Lock()
	e.channel = ch
	e.mu.Unlock()

	// apply errors are storage faults; they already reach listeners via Change.Err
	ch.Subscribe(push.TaskCreated, func(p json.RawMessage) {
		var t task.Task
		if err := json.Unmarshal(p, &t); err != nil {
			e.logger.WithError(err).Warn("malformed TaskCreated payload")
			return
		}
		_ = e.ApplyCreated(context.Background(), t)
	})
	ch.Subscribe(push.TaskUpdated, func(p json.RawMessage) {
		var t task.Task
		if err := json.Unmarshal(p, &t); err != nil {
			e.logger.WithError(err).Warn("malformed TaskUpdated payload")
			return
		}
		_ = e.ApplyUpdated(context.Background(), t)
	})
	ch.Subscribe(push.TaskDeleted, func(p json.RawMessage) {
		var id push.ID
		if err := json.Unmarshal(p, &id); err != nil {
			e.logger.WithError(err).Warn("malformed TaskDeleted payload")
			return
		}
		_ = e.ApplyDeleted(context.Background(), int64(id))
	})
	ch.Subscribe(push.TasksReordered, func(p json.RawMessage) {
		var ids push.IDList
		if err := json.Unmarshal(p, &ids); err != nil {
			e.logger.WithError(err).Warn("malformed TasksReordered payload")
			return
		}
		_ = e.ApplyReordered(context.Background(), ids)
	})
	ch.OnState(e.handleState)
}

func (e *Engine) handleState(s push.State) {
	switch s {
	case push.Connected:
		e.logger.Info("push channel connected")
	case push.Reconnecting:
		e.logger.Warn("push channel reconnecting")
	case push.Reconnected:
		e.logger.Info("push channel reconnected, syncing tasks from server")
		if _, err := e.Load(context.Background()); err != nil {
			e.logger.WithError(err).Error("reload after reconnect failed")
		}
	case push.Closed:
		e.logger.Warn("push channel closed")
	}
}

// ApplyCreated appends t unless a task with its id is already known.
func (e *Engine) ApplyCreated(ctx context.Context, t task.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if indexOf(e.tasks, t.ID) >= 0 {
		return nil
	}
	e.tasks = append(e.tasks, t)
	return e.commit(ctx, Change{Kind: ChangeCreated, ID: t.ID, Remote: true})
}

// ApplyUpdated replaces the task with t's id, or appends t if it is unknown.
// An update for a task deleted locally therefore brings it back.
func (e *Engine) ApplyUpdated(ctx context.Context, t task.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := indexOf(e.tasks, t.ID); i >= 0 {
		e.tasks[i] = t
	} else {
		e.tasks = append(e.tasks, t)
	}
	return e.commit(ctx, Change{Kind: ChangeUpdated, ID: t.ID, Remote: true})
}

// ApplyDeleted removes the task with id if present.
func (e *Engine) ApplyDeleted(ctx context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := indexOf(e.tasks, id)
	if i < 0 {
		return nil
	}
	e.tasks = slices.Delete(e.tasks, i, i+1)
	return e.commit(ctx, Change{Kind: ChangeDeleted, ID: id, Remote: true})
}

// ApplyReordered adopts another client's order: ids first, unmentioned tasks after.
func (e *Engine) ApplyReordered(ctx context.Context, ids []int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = Reorder(e.tasks, ids)
	return e.commit(ctx, Change{Kind: ChangeReordered, Remote: true})
}
