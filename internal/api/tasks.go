package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tasksync/pkg/push"
	"tasksync/pkg/task"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	t.ID = 0
	task.ApplyDefaults(&t, time.Now().UTC())
	if err := task.Validate(t); err != nil {
		writeStoreError(w, err)
		return
	}
	result, err := s.tasks.Create(r.Context(), &t)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(r.Context(), push.TaskCreated, result)
	writeJSON(w, 201, result)
}

func (s *Server) handleTaskReplace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	result, err := s.tasks.Replace(r.Context(), id, &t)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(r.Context(), push.TaskUpdated, result)
	w.WriteHeader(204)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.tasks.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(r.Context(), push.TaskDeleted, id)
	w.WriteHeader(204)
}

// broadcast tells every connected client about a stored change. The change is
// already committed, so a failure here is only logged.
func (s *Server) broadcast(ctx context.Context, event string, payload any) {
	if err := s.hub.BroadcastEvent(context.WithoutCancel(ctx), event, payload); err != nil {
		s.logger.WithError(err).WithField("event", event).Warn("broadcast failed")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, 400, "invalid task id")
		return 0, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	var ve *task.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, 400, ve.Message)
	case errors.Is(err, task.ErrNotFound):
		writeError(w, 404, err.Error())
	case errors.Is(err, task.ErrConflict):
		writeError(w, 409, err.Error())
	default:
		writeError(w, 500, err.Error())
	}
}
