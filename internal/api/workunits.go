package api

import (
	"encoding/json"
	"net/http"

	"github.com/seantiz/bptl/internal/dispatch"
)

// workUnitRequest is the JSON body for POST /v1/work-units.
type workUnitRequest struct {
	Topic string         `json:"topic"`
	Vars  map[string]any `json:"vars"`
}

// workUnitResponse echoes the input alongside the handler's result.
type workUnitResponse struct {
	Topic      string         `json:"topic"`
	Vars       map[string]any `json:"vars"`
	ResultVars map[string]any `json:"resultVars"`
}

// workUnitError is the error body of POST /v1/work-units.
type workUnitError struct {
	Error    string            `json:"error"`
	Category dispatch.Category `json:"category"`
	TaskID   string            `json:"task_id,omitempty"`
}

func (s *Server) handleSubmitWorkUnit(w http.ResponseWriter, r *http.Request) {
	var req workUnitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, workUnitError{
			Error:    "invalid JSON body",
			Category: dispatch.CategoryConfiguration,
		})
		return
	}

	if req.Topic == "" {
		s.writeJSON(w, http.StatusBadRequest, workUnitError{
			Error:    "topic is required",
			Category: dispatch.CategoryConfiguration,
		})
		return
	}
	if req.Vars == nil {
		req.Vars = map[string]any{}
	}

	task, result, err := s.orch.SubmitDirect(r.Context(), req.Topic, req.Vars)
	if err != nil {
		category := dispatch.CategoryOf(err)
		resp := workUnitError{Error: err.Error(), Category: category}
		if task != nil {
			resp.TaskID = task.ID
		}
		if category.HTTPStatus() >= http.StatusInternalServerError {
			s.logger.Error("work unit failed", "topic", req.Topic, "error", err)
		}
		s.writeJSON(w, category.HTTPStatus(), resp)
		return
	}

	w.Header().Set("Location", "/v1/tasks/"+task.ID)
	s.writeJSON(w, http.StatusCreated, workUnitResponse{
		Topic:      req.Topic,
		Vars:       req.Vars,
		ResultVars: result,
	})
}
