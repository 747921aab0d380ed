package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/felixge/httpsnoop"
	log "github.com/sirupsen/logrus"

	"tasksync/pkg/push"
	"tasksync/pkg/task"
)

// Server is the HTTP API server.
type Server struct {
	tasks  task.Store
	hub    *push.Hub
	logger *log.Entry
	mux    *http.ServeMux
}

// New creates a new Server. Every task mutation is broadcast on hub.
func New(tasks task.Store, hub *push.Hub, logger *log.Entry) *Server {
	s := &Server{
		tasks:  tasks,
		hub:    hub,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := httpsnoop.CaptureMetrics(s.mux, w, r)
	entry := s.logger.WithFields(log.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   m.Code,
		"duration": m.Duration,
	})
	if m.Code >= 500 {
		entry.Warn("handled")
	} else {
		entry.Debug("handled")
	}
}

func (s *Server) routes() {
	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	s.mux.HandleFunc("POST /api/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("PUT /api/tasks/{id}", s.handleTaskReplace)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleTaskDelete)

	// Push
	s.mux.HandleFunc("GET /tasksHub", s.hub.ServeWS)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// Static files (Gio WASM UI)
	wasmDir := os.Getenv("WASM_DIR")
	if wasmDir == "" {
		wasmDir = filepath.Join(".", "web")
	}
	s.mux.Handle("GET /", http.FileServer(http.Dir(wasmDir)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context())
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	var done int
	for _, t := range tasks {
		if t.IsDone() {
			done++
		}
	}
	writeJSON(w, 200, map[string]any{
		"tasks":       len(tasks),
		"done":        done,
		"connections": s.hub.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("write json")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
