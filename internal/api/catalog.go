package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/bptl/internal/model"
	"github.com/seantiz/bptl/internal/store"
)

// mappingResponse is a mapping plus the outcome of validating it against
// its handler.
type mappingResponse struct {
	*model.HandlerMapping
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.store.ListMappings(r.Context())
	if err != nil {
		s.logger.Error("list mappings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list mappings")
		return
	}

	out := make([]mappingResponse, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, s.describeMapping(m))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")

	m, err := s.store.GetMapping(r.Context(), topic)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "mapping not found")
		return
	}
	if err != nil {
		s.logger.Error("get mapping", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get mapping")
		return
	}

	s.writeJSON(w, http.StatusOK, s.describeMapping(m))
}

func (s *Server) describeMapping(m *model.HandlerMapping) mappingResponse {
	resp := mappingResponse{HandlerMapping: m, Valid: true}
	if err := s.registry.ValidateMapping(m); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
	}
	return resp
}
