package api

import (
	"context"
	"net/http"
	"time"
)

const pingTimeout = 2 * time.Second

type healthResponse struct {
	Status   string `json:"status"`
	WorkerID string `json:"worker_id,omitempty"`
	Handlers int    `json:"handlers"`
	Error    string `json:"error,omitempty"`
}

// handleHealthz reports 503 while the task store is unreachable, since no
// claim or completion can be recorded then.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		WorkerID: s.orch.WorkerID(),
		Handlers: len(s.registry.List()),
	}

	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check: store unreachable", "error", err)
		resp.Status = "degraded"
		resp.Error = "store unreachable"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByTopic  map[string]int `json:"by_topic"`
	ByKind   map[string]int `json:"by_kind"`
	Dangling int            `json:"dangling"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:    st.Total,
		ByStatus: st.CountByStatus,
		ByTopic:  st.CountByTopic,
		ByKind:   st.CountByKind,
		Dangling: st.Dangling,
	})
}
