package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/httpx"
	"github.com/monetahq/moneta/internal/scheduler"
)

// TaskHandlers serves task-run lookups. Async operations (reconcile,
// manual job triggers) hand back a task id; clients poll it here.
type TaskHandlers struct {
	store *scheduler.TaskStore
	log   zerolog.Logger
}

// NewTaskHandlers creates the task lookup handlers.
func NewTaskHandlers(store *scheduler.TaskStore, log zerolog.Logger) *TaskHandlers {
	return &TaskHandlers{
		store: store,
		log:   log.With().Str("handler", "tasks").Logger(),
	}
}

// taskResponse is a TaskRun plus its decoded result payload.
type taskResponse struct {
	*scheduler.TaskRun
	Result map[string]interface{} `json:"result,omitempty"`
}

// HandleGetTask returns one task run by id.
// GET /tasks/{id}
func (h *TaskHandlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httpx.WriteError(w, r, h.log, domain.NewValidationError(domain.CodeInvalidRequest, "task id is required"))
		return
	}

	run, err := h.store.Get(id)
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	if run == nil {
		httpx.WriteError(w, r, h.log, domain.NewNotFoundError("task not found: "+id))
		return
	}

	resp := taskResponse{TaskRun: run}
	if result, err := run.ResultMap(); err != nil {
		h.log.Warn().Err(err).Str("task_id", id).Msg("Failed to decode task result")
	} else {
		resp.Result = result
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}
