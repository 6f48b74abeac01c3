// Package api exposes the job tracking service over HTTP and WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kvadmin/internal/models"
	"kvadmin/internal/service"
	"kvadmin/internal/store"
	"kvadmin/internal/telemetry"
)

// Executor runs submitted jobs and stops them on cancel. The daemon wires
// the bulk runner in here; a tracker-only deployment leaves it nil, so
// submit only records the job and cancel only flips its state.
type Executor interface {
	Dispatch(job models.Job)
	Cancel(jobID string) bool
}

// ActorFunc resolves the acting identity of a request for the audit trail.
type ActorFunc func(r *http.Request) string

// HeaderActor reads the actor from the X-Actor header, defaulting to
// "anonymous".
func HeaderActor(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "anonymous"
}

// Server handles the kvadmin HTTP API.
type Server struct {
	tracker *service.Tracker
	exec    Executor
	actor   ActorFunc
	logger  *slog.Logger
}

// NewServer builds the API server. exec may be nil.
func NewServer(tracker *service.Tracker, exec Executor, actor ActorFunc, logger *slog.Logger) *Server {
	if actor == nil {
		actor = HeaderActor
	}
	return &Server{tracker: tracker, exec: exec, actor: actor, logger: logger}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Get("/{id}/events", s.handleEvents)
		r.Get("/{id}/watch", s.handleWatch)
	})

	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.tracker.Submit(r.Context(), req, s.actor(r))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.exec != nil {
		s.exec.Dispatch(job)
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseJobQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := s.tracker.List(r.Context(), q)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.tracker.Cancel(r.Context(), id, s.actor(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if s.exec != nil {
		s.exec.Cancel(id)
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.tracker.Get(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	events, err := s.tracker.Timeline(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// parseJobQuery maps the list endpoint's query string onto a JobQuery.
func parseJobQuery(r *http.Request) (models.JobQuery, error) {
	q := models.JobQuery{
		IDContains: r.URL.Query().Get("id_contains"),
		SortBy:     r.URL.Query().Get("sort_by"),
		SortOrder:  r.URL.Query().Get("sort_order"),
	}

	if v := r.URL.Query().Get("status"); v != "" {
		status := models.JobStatus(v)
		if !status.Valid() {
			return q, errors.New("unknown status filter")
		}
		q.Status = &status
	}
	if v := r.URL.Query().Get("operation_type"); v != "" {
		op := models.OperationType(v)
		if !op.Valid() {
			return q, errors.New("unknown operation_type filter")
		}
		q.Operation = &op
	}
	if v := r.URL.Query().Get("namespace_id"); v != "" {
		q.Namespace = &v
	}
	if v := r.URL.Query().Get("min_errors"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, errors.New("min_errors must be an integer")
		}
		q.MinErrors = &n
	}
	if v := r.URL.Query().Get("started_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errors.New("started_from must be RFC 3339")
		}
		q.StartedFrom = &t
	}
	if v := r.URL.Query().Get("started_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errors.New("started_to must be RFC 3339")
		}
		q.StartedTo = &t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, errors.New("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, errors.New("offset must be a non-negative integer")
		}
		q.Offset = n
	}
	return q, nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, "job is already in a terminal status")
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
