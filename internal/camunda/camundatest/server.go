package camundatest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/bptl/internal/camunda"
	"github.com/seantiz/bptl/internal/codec"
)

// Handler serves the engine over the external task REST protocol, so the
// HTTP client can be exercised against it.
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/external-task/fetchAndLock", e.handleFetchAndLock)
	r.Post("/external-task/{id}/extendLock", e.handleExtendLock)
	r.Post("/external-task/{id}/complete", e.handleComplete)
	r.Post("/external-task/{id}/failure", e.handleFailure)
	return r
}

type fetchRequest struct {
	WorkerID string `json:"workerId"`
	MaxTasks int    `json:"maxTasks"`
	Topics   []struct {
		TopicName    string `json:"topicName"`
		LockDuration int64  `json:"lockDuration"`
	} `json:"topics"`
}

type lockedTask struct {
	ID                 string          `json:"id"`
	TopicName          string          `json:"topicName"`
	WorkerID           string          `json:"workerId"`
	LockExpirationTime string          `json:"lockExpirationTime"`
	Priority           int             `json:"priority"`
	Retries            *int            `json:"retries"`
	Variables          codec.Variables `json:"variables"`
}

func (e *Engine) handleFetchAndLock(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEngineError(w, http.StatusBadRequest, "InvalidRequestException", err.Error())
		return
	}

	out := []lockedTask{}
	remaining := req.MaxTasks
	for _, topic := range req.Topics {
		if remaining <= 0 {
			break
		}
		claims, err := e.FetchAndLock(r.Context(), req.WorkerID, topic.TopicName, remaining,
			time.Duration(topic.LockDuration)*time.Millisecond)
		if err != nil {
			writeFromError(w, err)
			return
		}
		remaining -= len(claims)
		for _, c := range claims {
			vars := c.Variables
			if vars == nil {
				vars = codec.Variables{}
			}
			out = append(out, lockedTask{
				ID:                 c.ExternalTaskID,
				TopicName:          c.TopicName,
				WorkerID:           c.WorkerID,
				LockExpirationTime: c.LockExpiresAt.Format(codec.DateLayout),
				Priority:           c.Priority,
				Retries:            c.Retries,
				Variables:          vars,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (e *Engine) handleExtendLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID    string `json:"workerId"`
		NewDuration int64  `json:"newDuration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEngineError(w, http.StatusBadRequest, "InvalidRequestException", err.Error())
		return
	}
	err := e.ExtendLock(r.Context(), chi.URLParam(r, "id"), req.WorkerID, time.Duration(req.NewDuration)*time.Millisecond)
	writeFromError(w, err)
}

func (e *Engine) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID  string          `json:"workerId"`
		Variables codec.Variables `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEngineError(w, http.StatusBadRequest, "InvalidRequestException", err.Error())
		return
	}
	err := e.Complete(r.Context(), chi.URLParam(r, "id"), req.WorkerID, req.Variables)
	writeFromError(w, err)
}

func (e *Engine) handleFailure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID     string `json:"workerId"`
		ErrorMessage string `json:"errorMessage"`
		ErrorDetails string `json:"errorDetails"`
		Retries      int    `json:"retries"`
		RetryTimeout int64  `json:"retryTimeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEngineError(w, http.StatusBadRequest, "InvalidRequestException", err.Error())
		return
	}
	err := e.ReportFailure(r.Context(), chi.URLParam(r, "id"), req.WorkerID, camunda.Failure{
		Message:      req.ErrorMessage,
		Details:      req.ErrorDetails,
		RetriesLeft:  req.Retries,
		RetryTimeout: time.Duration(req.RetryTimeout) * time.Millisecond,
	})
	writeFromError(w, err)
}

// writeFromError answers with 204 on success and with the status the real
// engine uses for each failure otherwise.
func writeFromError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, camunda.ErrLockNotOwned):
		writeEngineError(w, http.StatusBadRequest, "BadUserRequestException",
			"External task cannot be completed by worker. It is locked by worker another-worker.")
	case errors.Is(err, camunda.ErrLockExpired):
		writeEngineError(w, http.StatusNotFound, "RestException", err.Error())
	case camunda.IsTransport(err):
		writeEngineError(w, http.StatusServiceUnavailable, "ProcessEngineException", err.Error())
	default:
		writeEngineError(w, http.StatusInternalServerError, "ProcessEngineException", err.Error())
	}
}

func writeEngineError(w http.ResponseWriter, status int, typ, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"type": typ, "message": msg})
}
