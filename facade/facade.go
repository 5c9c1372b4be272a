// Package facade implements the minimal HTTP CRUD surface around the
// Durable Store and Task Registry: create/list/fetch/delete a task, and
// fetch a point-in-time state snapshot. It does not itself stream
// events — that is the Push-Stream Session's job (see package stream).
package facade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/ratchet/event"
	"github.com/GoCodeAlone/ratchet/registry"
	"github.com/GoCodeAlone/ratchet/store"
)

// Handlers bundles the facade's dependencies.
type Handlers struct {
	Store    store.Store
	Registry *registry.Registry
	Logger   *slog.Logger
}

// New constructs Handlers.
func New(st store.Store, reg *registry.Registry, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{Store: st, Registry: reg, Logger: logger}
}

// Router builds the chi router for the CRUD surface. The caller mounts
// this alongside the stream package's own handler for /stream/{task_id}.
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/api/tasks", h.listTasks)
	r.Post("/api/tasks", h.createTask)
	r.Get("/api/tasks/{id}", h.getTask)
	r.Patch("/api/tasks/{id}", h.updateTask)
	r.Delete("/api/tasks/{id}", h.deleteTask)
	r.Get("/api/tasks/{id}/state", h.getTaskState)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type createTaskRequest struct {
	Title       string `json:"title"`
	InputPrompt string `json:"input_prompt"`
	Start       bool   `json:"start"`
}

// createTask creates a durable task record. If start is true, it also
// launches the Worker immediately via the Registry; otherwise the task
// sits PENDING until a stream session connects to it (see
// stream.Session.Serve, which starts on first connect).
func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.InputPrompt == "" {
		writeError(w, http.StatusBadRequest, "input_prompt is required")
		return
	}

	id := uuid.NewString()
	t, err := h.Store.CreateTask(r.Context(), id, req.Title, req.InputPrompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Start {
		if err := h.Registry.Start(r.Context(), t.ID, t.InputPrompt); err != nil && !errors.Is(err, registry.ErrAlreadyRunning) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{}

	if s := q.Get("status"); s != "" {
		st := event.Status(s)
		filter.Status = &st
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.Store.FetchTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// getTaskState returns the live in-memory snapshot if the Registry is
// currently tracking the task, falling back to a snapshot derived from
// the durable record for tasks that have already exited the Registry.
func (h *Handlers) getTaskState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if snap, ok := h.Registry.StateSnapshot(id); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	t, err := h.Store.FetchTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, event.TaskState{
		TaskID:      t.ID,
		Status:      t.Status,
		Progress:    progressFor(t.Status),
		LastMessage: t.ResultSummary,
		StartedAt:   t.CreatedAt,
	})
}

func progressFor(status event.Status) float64 {
	if status == event.StatusSucceeded {
		return 1.0
	}
	return 0
}

// updateTask patches a task's title and/or status. Either field may be
// omitted, but at least one must be present.
func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Title         *string      `json:"title"`
		Status        event.Status `json:"status"`
		ResultSummary string       `json:"result_summary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Title == nil && req.Status == "" {
		writeError(w, http.StatusBadRequest, "title or status is required")
		return
	}
	if req.Title != nil {
		if err := h.Store.UpdateTaskTitle(r.Context(), id, *req.Title); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if req.Status != "" {
		if err := h.Store.UpdateTaskStatus(r.Context(), id, req.Status, req.ResultSummary); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	t, err := h.Store.FetchTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// deleteTask stops any running Worker for the task, then removes its
// durable record and cascades to its events and agent runs.
func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.Registry.Stop(id)
	if err := h.Store.DeleteTask(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
