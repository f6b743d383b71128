package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agenticwork/mcp-proxy/internal/platform"
)

// handleEmbeddings forwards an embedding request to the platform API,
// which owns provider selection. Upstream errors pass through with
// their original status.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req platform.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Input == nil {
		s.writeError(w, http.StatusBadRequest, "Input is required")
		return
	}

	body, status, err := s.controller.Embeddings(r.Context(), &req)
	if err != nil {
		s.logger.Errorw("Cannot reach embeddings endpoint", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "Embedding service unavailable - cannot connect to API")
		return
	}
	if status != http.StatusOK {
		s.logger.Errorw("Embedding generation failed", "status", status)
		s.writeError(w, status, fmt.Sprintf("Embedding generation failed: %s", body))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Errorw("Failed to write embeddings response", "error", err)
	}
}
