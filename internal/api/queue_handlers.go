package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/votoclaro/electsync/internal/models"
	"github.com/votoclaro/electsync/internal/queue"
)

// TaskQueue is the read and override surface of the retry queue.
type TaskQueue interface {
	List(ctx context.Context, filter models.TaskFilter) ([]models.QueueTask, error)
	Stats(ctx context.Context) ([]models.QueueStats, error)
	Requeue(ctx context.Context, id string) (*models.QueueTask, error)
}

// QueueHandler serves the /api/queue endpoints.
type QueueHandler struct {
	queue  TaskQueue
	logger *slog.Logger
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(q TaskQueue, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{queue: q, logger: logger}
}

// ListTasks handles GET /api/queue/tasks?status=&source=&limit=.
func (h *QueueHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	filter := models.TaskFilter{Source: r.URL.Query().Get("source"), Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := models.ParseTaskStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown task status %q", raw)
			return
		}
		filter.Status = status
	}

	tasks, err := h.queue.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list queue tasks", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list queue tasks")
		return
	}
	if tasks == nil {
		tasks = []models.QueueTask{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

// Stats handles GET /api/queue/stats.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to load queue stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load queue stats")
		return
	}
	if stats == nil {
		stats = []models.QueueStats{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": stats})
}

// Requeue handles POST /api/queue/tasks/{id}/requeue.
func (h *QueueHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := h.queue.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task %s not found", id)
	case errors.Is(err, queue.ErrNotRequeueable):
		writeError(w, http.StatusConflict, "%v", err)
	case err != nil:
		h.logger.Error("failed to requeue task", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to requeue task")
	default:
		writeJSON(w, http.StatusOK, task)
	}
}
