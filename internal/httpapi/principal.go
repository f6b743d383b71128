package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agenticwork/mcp-proxy/internal/auth"
)

// Headers carrying caller credentials.
const (
	headerIDToken = "X-Azure-ID-Token"
	headerAPIKey  = "X-Api-Key"
)

type contextKey int

const principalKey contextKey = 0

// principalMiddleware authenticates the bearer token and stores the
// resulting principal in the request context. A request without
// credentials resolves to the local operator, so only presented-but-bad
// tokens are rejected here.
func (s *Server) principalMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pr, err := s.controller.Authenticate(r.Context(), bearerToken(r))
			if err != nil {
				var groupErr *auth.GroupMembershipError
				switch {
				case errors.As(err, &groupErr):
					s.writeError(w, http.StatusForbidden, groupErr.Message())
				case errors.Is(err, auth.ErrTokenExpired):
					s.writeError(w, http.StatusUnauthorized, "Token expired")
				default:
					s.writeError(w, http.StatusUnauthorized, fmt.Sprintf("Token validation failed: %v", err))
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), pr)))
		})
	}
}

func withPrincipal(ctx context.Context, pr *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey, pr)
}

func principalFrom(ctx context.Context) *auth.Principal {
	pr, _ := ctx.Value(principalKey).(*auth.Principal)
	return pr
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// requestAPIKey returns the platform API key the caller presented, for
// injection into serverless tool arguments.
func requestAPIKey(r *http.Request) string {
	if key := r.Header.Get(headerAPIKey); key != "" {
		return key
	}
	return bearerToken(r)
}
