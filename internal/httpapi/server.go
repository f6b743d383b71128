// Package httpapi exposes the proxy over HTTP: the JSON-RPC call
// surface, provider management, tool catalogs, user-session fleet
// control and the OAuth login flow for the built-in inspector UI.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/auth"
	"github.com/agenticwork/mcp-proxy/internal/config"
	"github.com/agenticwork/mcp-proxy/internal/observability"
	"github.com/agenticwork/mcp-proxy/internal/platform"
	"github.com/agenticwork/mcp-proxy/internal/registry"
	"github.com/agenticwork/mcp-proxy/internal/server"
	"github.com/agenticwork/mcp-proxy/internal/storage"
	"github.com/agenticwork/mcp-proxy/internal/usersession"
)

const requestTimeout = 60 * time.Second

// ServerController is the core surface the HTTP facade drives.
// *server.Server implements it.
type ServerController interface {
	// Identity
	Authenticate(ctx context.Context, token string) (*auth.Principal, error)

	// Health and provider management
	Health() *server.Health
	Statuses() map[string]registry.ServerStatus
	AddProvider(ctx context.Context, raw map[string]any) (*registry.AddResult, error)
	RemoveProvider(ctx context.Context, name string) error
	StartProvider(ctx context.Context, name string) error
	StopProvider(ctx context.Context, name string) error
	RestartProvider(ctx context.Context, name string) error
	SetProviderEnabled(ctx context.Context, name string, enabled bool) (*registry.EnabledChange, error)
	ProviderEnabled(name string) (bool, error)
	EnabledStates() map[string]bool

	// Tool execution and catalogs
	CallTool(ctx context.Context, pr *auth.Principal, call *server.ToolCall) (*server.CallOutcome, error)
	AggregateTools(ctx context.Context, pr *auth.Principal, query string) (*server.ToolsCatalog, error)
	ProviderTools(ctx context.Context, name string) (*server.ProviderCatalog, error)

	// Per-user session fleet
	StartUserSession(ctx context.Context, userID, email, accessToken string) (*usersession.StartResult, error)
	StopUserSession(ctx context.Context, userID string) bool
	UserSessions() []usersession.SessionInfo
	UserSession(userID string) (*usersession.SessionDetail, bool)

	// OAuth login flow
	BeginLogin(ctx context.Context) (string, error)
	CompleteLogin(ctx context.Context, code, state string) (string, *storage.WebSession, error)
	CurrentUser(ctx context.Context, sessionID string) (*storage.WebSession, error)
	Logout(ctx context.Context, sessionID string) error

	// Audit trail and embeddings passthrough
	Activity(filter storage.AuditFilter) ([]*storage.AuditRecord, int, error)
	Embeddings(ctx context.Context, req *platform.EmbeddingRequest) (json.RawMessage, int, error)
}

// Server provides the HTTP API endpoints with a chi router.
type Server struct {
	controller    ServerController
	cfg           *config.Config
	logger        *zap.SugaredLogger
	httpLogger    *zap.Logger
	router        *chi.Mux
	observability *observability.Manager
}

// NewServer assembles the router. The returned Server is an
// http.Handler ready to be mounted.
func NewServer(controller ServerController, cfg *config.Config, logger *zap.SugaredLogger, obs *observability.Manager) *Server {
	s := &Server{
		controller:    controller,
		cfg:           cfg,
		logger:        logger,
		httpLogger:    logger.Desugar().Named("http"),
		router:        chi.NewRouter(),
		observability: obs,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	if s.observability != nil {
		s.router.Use(s.observability.HTTPMiddleware())
	}
	s.router.Use(s.httpLoggingMiddleware())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	// CORS headers for browser access
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, X-Azure-ID-Token")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	s.router.Get("/health", s.handleHealth)
	if s.observability != nil {
		if h := s.observability.MetricsHandler(); h != nil {
			s.router.Handle("/metrics", h)
		}
	}

	// Routes that act on behalf of an authenticated caller.
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(s.principalMiddleware())

		r.Post("/mcp", s.handleProxyRequest)
		r.Post("/mcp/tool", s.handleToolCall)
		r.Post("/call", s.handleDirectCall)

		r.Get("/tools", s.handleListTools)
		r.Get("/v1/mcp/tools", s.handleListTools)
		r.Get("/servers/{id}/tools", s.handleServerTools)
		r.Patch("/servers/{id}/enabled", s.handleSetServerEnabled)

		r.Get("/api/activity", s.handleActivity)
	})

	// Management and session surface. Callers without credentials act
	// as the local operator, so these need no principal of their own.
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/servers", s.handleListServers)
		r.Post("/servers", s.handleAddServer)
		r.Get("/servers/enabled", s.handleEnabledStates)
		r.Get("/servers/{id}/enabled", s.handleGetServerEnabled)
		r.Post("/servers/{id}/start", s.handleStartServer)
		r.Post("/servers/{id}/stop", s.handleStopServer)
		r.Post("/servers/{id}/restart", s.handleRestartServer)
		r.Delete("/servers/{id}", s.handleDeleteServer)

		r.Post("/user-sessions/start", s.handleStartUserSession)
		r.Post("/user-sessions/stop", s.handleStopUserSession)
		r.Get("/user-sessions", s.handleListUserSessions)
		r.Get("/user-sessions/{userID}", s.handleUserSessionDetail)

		r.Get("/auth/login", s.handleAuthLogin)
		r.Get("/auth/callback", s.handleAuthCallback)
		r.Get("/auth/me", s.handleAuthMe)
		r.Post("/auth/logout", s.handleAuthLogout)
		r.Post("/auth/manual-session", s.handleManualSession)

		r.Post("/v1/embeddings", s.handleEmbeddings)
	})

	// The inspector UI is a catch-all so its asset paths resolve.
	if s.cfg.Inspector != nil && s.cfg.Inspector.Enabled {
		proxy := s.inspectorProxy()
		s.router.Get("/", proxy)
		s.router.Get("/*", proxy)
	}
}

// httpLoggingMiddleware logs every request to the http logger with its
// final status and duration.
func (s *Server) httpLoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			s.httpLogger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("status", ww.statusCode),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"detail": message})
}

// writePipelineError maps a kind-tagged pipeline failure to its HTTP
// status. Every handler that drives the call pipeline funnels errors
// through here so the mapping lives in one place.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var perr *server.Error
	if errors.As(err, &perr) {
		s.writeError(w, kindStatus(perr.Kind), perr.Message)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func kindStatus(kind server.Kind) int {
	switch kind {
	case server.KindValidation:
		return http.StatusBadRequest
	case server.KindAccessDenied:
		return http.StatusForbidden
	case server.KindUnknownProvider:
		return http.StatusNotFound
	case server.KindUnavailable:
		return http.StatusServiceUnavailable
	case server.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
