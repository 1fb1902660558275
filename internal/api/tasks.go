package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/bptl/internal/dispatch"
	"github.com/seantiz/bptl/internal/model"
	"github.com/seantiz/bptl/internal/store"
)

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)

	q := r.URL.Query()
	filter := store.TaskFilter{
		Status: q.Get("status"),
		Topic:  q.Get("topic"),
		Kind:   q.Get("kind"),
	}

	tasks, total, err := s.store.ListTasks(r.Context(), filter, limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

// handleCompleteTask retries the engine completion of a performed task.
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.orch.CompleteTask(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	case errors.Is(err, dispatch.ErrNotPerformed):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, dispatch.ErrNoEngine):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("complete task", "task_id", id, "error", err)
		s.writeJSON(w, http.StatusBadGateway, workUnitError{
			Error:    err.Error(),
			Category: dispatch.CategoryOf(err),
			TaskID:   id,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}
