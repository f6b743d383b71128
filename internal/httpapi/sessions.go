package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

const sessionCookie = "mcp_session"

type userSessionStartRequest struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	AccessToken string `json:"access_token"`
}

func (s *Server) handleStartUserSession(w http.ResponseWriter, r *http.Request) {
	var req userSessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	result, err := s.controller.StartUserSession(r.Context(), req.UserID, req.Email, req.AccessToken)
	if err != nil {
		s.logger.Errorw("Failed to start user session", "user", req.UserID, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStopUserSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	stopped := s.controller.StopUserSession(r.Context(), req.UserID)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": stopped, "user_id": req.UserID})
}

func (s *Server) handleListUserSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.controller.UserSessions()
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleUserSessionDetail(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	detail, ok := s.controller.UserSession(userID)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("No session found for user %s", userID))
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

// OAuth login flow for the inspector UI.

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.controller.BeginLogin(r.Context())
	if err != nil {
		s.logger.Errorw("Failed to initiate login", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		s.logger.Errorw("OAuth error returned by IdP", "error", errParam)
		http.Redirect(w, r, "/?error="+url.QueryEscape(errParam), http.StatusFound)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		s.writeError(w, http.StatusBadRequest, "Missing code or state parameter")
		return
	}

	sessionID, ws, err := s.controller.CompleteLogin(r.Context(), code, state)
	if err != nil {
		s.logger.Errorw("OAuth callback failed", "error", err)
		http.Redirect(w, r, "/?error=auth_failed", http.StatusFound)
		return
	}

	s.logger.Infow("Login completed", "user", ws.UserID, "email", ws.Email)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   86400,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	ws, err := s.controller.CurrentUser(r.Context(), cookie.Value)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Invalid or expired session")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   ws.UserID,
		"email":     ws.Email,
		"name":      ws.Name,
		"tenant_id": ws.TenantID,
	})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if err := s.controller.Logout(r.Context(), cookie.Value); err != nil {
			s.logger.Errorw("Logout failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleManualSession starts a user session from an externally obtained
// token, bypassing the browser flow. Intended for testing.
func (s *Server) handleManualSession(w http.ResponseWriter, r *http.Request) {
	var req userSessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.UserID == "" || req.AccessToken == "" {
		s.writeError(w, http.StatusBadRequest, "user_id and access_token are required")
		return
	}
	result, err := s.controller.StartUserSession(r.Context(), req.UserID, req.Email, req.AccessToken)
	if err != nil {
		s.logger.Errorw("Failed to create manual session", "user", req.UserID, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Infow("Manual session created", "email", req.Email)
	s.writeJSON(w, http.StatusOK, result)
}
