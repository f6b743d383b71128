package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agenticwork/mcp-proxy/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Health())
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Statuses())
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	result, err := s.controller.AddProvider(r.Context(), raw)
	if err != nil {
		s.logger.Warnw("Rejected dynamic server config", "error", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Infow("Added new MCP server", "server", result.Name)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "server": result})
}

// lifecycle runs one provider lifecycle operation and writes the
// uniform confirmation payload.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, verb string, op func(ctx context.Context, name string) error) {
	name := chi.URLParam(r, "id")
	if err := op(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrUnknownProvider) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Errorw("Server lifecycle operation failed",
			"server", name, "action", verb, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Infow("Server lifecycle operation", "server", name, "action", verb)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Server %s %s", name, verb),
	})
}

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "started", s.controller.StartProvider)
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "stopped", s.controller.StopProvider)
}

func (s *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "restarted", s.controller.RestartProvider)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "deleted", s.controller.RemoveProvider)
}

func (s *Server) handleSetServerEnabled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "id")

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "Body must be {\"enabled\": true|false}")
		return
	}

	pr := principalFrom(r.Context())
	if !pr.IsAdmin {
		s.writeError(w, http.StatusForbidden, "Admin privileges required to enable/disable MCP servers")
		return
	}

	change, err := s.controller.SetProviderEnabled(r.Context(), name, *req.Enabled)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownProvider) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Errorw("Failed to set enabled state", "server", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Infow("Server enabled state changed",
		"server", name, "enabled", *req.Enabled, "user", pr.Name)
	s.writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*registry.EnabledChange
	}{true, change})
}

func (s *Server) handleGetServerEnabled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "id")
	enabled, err := s.controller.ProviderEnabled(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"server_id": name, "enabled": enabled})
}

func (s *Server) handleEnabledStates(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": s.controller.EnabledStates()})
}
