package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListTools serves the aggregated, access-filtered tool catalog.
// An optional ?q= ranks the flat list by relevance instead of
// registration order.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.controller.AggregateTools(r.Context(), principalFrom(r.Context()), r.URL.Query().Get("q"))
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, catalog)
}

func (s *Server) handleServerTools(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.controller.ProviderTools(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, catalog)
}
