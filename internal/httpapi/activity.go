package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/agenticwork/mcp-proxy/internal/storage"
)

// handleActivity serves the local audit trail. Admin only: the records
// carry other users' tool arguments.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	pr := principalFrom(r.Context())
	if !pr.IsAdmin {
		s.writeError(w, http.StatusForbidden, "Admin privileges required to view activity records")
		return
	}

	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	filter := storage.AuditFilter{
		Type:     q.Get("type"),
		UserID:   q.Get("user"),
		Provider: q.Get("server"),
		Tool:     q.Get("tool"),
		Status:   q.Get("status"),
		Limit:    limit,
		Offset:   offset,
	}
	if v := q.Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartTime = ts
		}
	}
	if v := q.Get("until"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndTime = ts
		}
	}

	records, total, err := s.controller.Activity(filter)
	if err != nil {
		s.logger.Errorw("Failed to list activity records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list activity records")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
