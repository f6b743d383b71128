// Package server assembles the proxy: the provider registry and its
// catalogs, the per-user session fleet, the authentication and policy
// pipeline, audit, stores and observability. The HTTP facade calls
// into this type only; nothing here knows about routing or JSON
// shapes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/audit"
	"github.com/agenticwork/mcp-proxy/internal/auth"
	"github.com/agenticwork/mcp-proxy/internal/config"
	"github.com/agenticwork/mcp-proxy/internal/index"
	"github.com/agenticwork/mcp-proxy/internal/observability"
	"github.com/agenticwork/mcp-proxy/internal/platform"
	"github.com/agenticwork/mcp-proxy/internal/provider"
	"github.com/agenticwork/mcp-proxy/internal/registry"
	"github.com/agenticwork/mcp-proxy/internal/storage"
	"github.com/agenticwork/mcp-proxy/internal/usersession"
)

// Version is reported by the health endpoint and stamped on traces.
const Version = "2.0.0"

// TokenExchanger swaps a user assertion for a downstream access token.
// Satisfied by auth.Exchanger.
type TokenExchanger interface {
	Exchange(ctx context.Context, assertion, scope string) (string, error)
}

// Server owns every long-lived component of the proxy.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store    *storage.Store
	bolt     *storage.BoltStore
	registry *registry.Manager
	fleet    *usersession.Fleet
	platform *platform.Client
	auth     *auth.Authenticator
	policy   *auth.PolicyEngine
	login    *auth.LoginService
	audit    *audit.Dispatcher
	index    *index.Index
	obs      *observability.Manager

	exchanger TokenExchanger

	// catalog holds the in-memory tool catalogs, seeded from the bolt
	// cache and refreshed on provider transitions.
	catalog catalogCache

	startTime time.Time

	// appCtx outlives every HTTP request and is only cancelled on
	// shutdown; background loops and child supervision hang off it.
	appCtx    context.Context
	appCancel context.CancelFunc

	mu         sync.Mutex
	httpServer *http.Server
	shutdown   bool
}

// New constructs the server and registers the built-in providers.
// Nothing is started; call Start.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	appCtx, appCancel := context.WithCancel(context.Background())

	store, err := storage.NewStore(cfg.Redis, logger.Sugar())
	if err != nil {
		appCancel()
		return nil, fmt.Errorf("failed to connect key-value store: %w", err)
	}

	bolt, err := storage.NewBoltStore(cfg.DataDir, logger.Sugar())
	if err != nil {
		store.Close()
		appCancel()
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	idx, err := index.New(logger.Named("index"))
	if err != nil {
		bolt.Close()
		store.Close()
		appCancel()
		return nil, fmt.Errorf("failed to build tool index: %w", err)
	}

	obs, err := observability.NewManager(cfg.Telemetry, Version, logger.Sugar())
	if err != nil {
		idx.Close()
		bolt.Close()
		store.Close()
		appCancel()
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	pc := platform.NewClient(cfg.Platform, logger.Sugar())

	var azure *auth.AzureVerifier
	if cfg.Auth.Enabled {
		azure, err = auth.NewAzureVerifier(appCtx, auth.AzureVerifierConfig{
			TenantID:    cfg.Auth.TenantID,
			ClientID:    cfg.Auth.ClientID,
			UserGroups:  cfg.Auth.AuthorizedGroups,
			AdminGroups: cfg.Auth.AdminGroups,
		}, logger.Sugar())
		if err != nil {
			idx.Close()
			bolt.Close()
			store.Close()
			appCancel()
			return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
		}
	}
	local := auth.NewLocalVerifier(cfg.Auth.SharedSecret, logger.Sugar())

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		bolt:      bolt,
		index:     idx,
		obs:       obs,
		platform:  pc,
		auth:      auth.NewAuthenticator(cfg.Auth, pc, local, azure, logger.Sugar()),
		policy:    auth.NewPolicyEngine(pc, logger.Sugar()),
		login:     auth.NewLoginService(cfg.Auth, store, logger.Sugar()),
		exchanger: auth.NewExchanger(cfg.Auth, logger.Sugar()),
		audit:     audit.NewDispatcher(pc, bolt, obs, logger.Named("audit")),
		startTime: time.Now(),
		appCtx:    appCtx,
		appCancel: appCancel,
	}
	s.catalog.tools = make(map[string][]mcp.Tool)

	s.registry = registry.NewManager(store, logger.Named("registry"),
		provider.WithCallTimeout(cfg.CallTimeout))
	s.registry.RegisterBuiltins(registry.BuiltinSpecs())
	for _, p := range s.registry.Providers() {
		s.watchProvider(p)
	}

	s.fleet = usersession.NewFleet(usersession.Config{
		TenantID:      cfg.Auth.TenantID,
		ClientID:      cfg.Auth.ClientID,
		ClientSecret:  cfg.Auth.ClientSecret,
		MaxIdle:       cfg.Sessions.MaxIdle,
		SweepInterval: cfg.Sessions.SweepInterval,
		StartDelay:    cfg.Sessions.StartDelay,
	}, logger.Named("usersession"))

	return s, nil
}

// Start brings the proxy up: hydrates persisted enabled flags, spawns
// the enabled providers, warms the tool catalogs, starts the session
// sweeper and serves the HTTP API. Blocks until the listener closes.
func (s *Server) Start(ctx context.Context, handler http.Handler) error {
	s.logger.Info("starting mcp-proxy",
		zap.String("version", Version),
		zap.String("listen", s.cfg.Listen),
		zap.Int("providers", len(s.registry.Names())))

	go func() {
		<-ctx.Done()
		if err := s.Shutdown(); err != nil {
			s.logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	s.registry.HydrateEnabled(s.appCtx)
	s.registry.StartAll(s.appCtx)
	s.warmCatalogs(s.appCtx)

	s.fleet.StartSweeper()
	go s.audit.RetentionLoop(s.appCtx)
	go s.observabilityLoop()

	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info("http api listening", zap.String("addr", s.cfg.Listen))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the listener, the background loops, every child
// process and the stores, in that order. Safe to call twice.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	httpServer := s.httpServer
	s.mu.Unlock()

	s.logger.Info("shutting down mcp-proxy")

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http server forced close", zap.Error(err))
			httpServer.Close()
		}
		cancel()
	}

	s.appCancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.fleet.Shutdown(stopCtx)
	s.registry.StopAll(stopCtx)

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if err := s.audit.Flush(flushCtx); err != nil {
		s.logger.Warn("audit flush incomplete", zap.Error(err))
	}

	if err := s.obs.Close(stopCtx); err != nil {
		s.logger.Warn("failed to close tracing", zap.Error(err))
	}
	if err := s.index.Close(); err != nil {
		s.logger.Warn("failed to close tool index", zap.Error(err))
	}
	if err := s.bolt.Close(); err != nil {
		s.logger.Warn("failed to close local store", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close key-value store", zap.Error(err))
	}

	s.logger.Info("mcp-proxy shutdown complete")
	return nil
}

// Observability exposes the metrics/tracing manager for the HTTP
// facade's middleware and /metrics mount.
func (s *Server) Observability() *observability.Manager {
	return s.obs
}

// Authenticate classifies the presented bearer token into a principal.
func (s *Server) Authenticate(ctx context.Context, token string) (*auth.Principal, error) {
	return s.auth.Authenticate(ctx, token)
}

// watchProvider hooks a provider's state transitions into catalog
// maintenance and the provider-state metrics.
func (s *Server) watchProvider(p *provider.Provider) {
	name := p.Name()
	p.State().SetChangeCallback(func(_, newStatus provider.Status, _ provider.StatusInfo) {
		s.updateProviderMetrics()
		if newStatus == provider.StatusRunning {
			// The callback fires inside the starting goroutine; the
			// catalog fetch must not block it.
			go s.refreshCatalog(s.appCtx, name)
		}
	})
}

// Health reports the aggregate service state.
type Health struct {
	Status      string        `json:"status"`
	Service     string        `json:"service"`
	Version     string        `json:"version"`
	Servers     HealthServers `json:"servers"`
	AuthEnabled bool          `json:"auth_enabled"`
	TenantID    string        `json:"tenant_id"`
}

// HealthServers summarizes the provider table for the health payload.
type HealthServers struct {
	Total    int                              `json:"total"`
	Running  int                              `json:"running"`
	Statuses map[string]registry.ServerStatus `json:"statuses"`
}

// Health returns the aggregate health payload: healthy while at least
// one provider is running, degraded otherwise.
func (s *Server) Health() *Health {
	statuses := s.registry.Statuses()
	running := 0
	for _, st := range statuses {
		if st.Status == provider.StatusRunning {
			running++
		}
	}
	status := "healthy"
	if running == 0 {
		status = "degraded"
	}
	return &Health{
		Status:  status,
		Service: "mcp-proxy",
		Version: Version,
		Servers: HealthServers{
			Total:    len(statuses),
			Running:  running,
			Statuses: statuses,
		},
		AuthEnabled: s.cfg.Auth.Enabled,
		TenantID:    s.cfg.Auth.TenantID,
	}
}

// Statuses returns the per-provider status map.
func (s *Server) Statuses() map[string]registry.ServerStatus {
	return s.registry.Statuses()
}

// AddProvider registers a provider from a dynamic payload, hooks its
// transitions and warms its catalog when it came up running.
func (s *Server) AddProvider(ctx context.Context, raw map[string]any) (*registry.AddResult, error) {
	result, err := s.registry.AddServer(ctx, raw)
	if err != nil {
		return nil, err
	}
	if p, ok := s.registry.Get(result.Name); ok {
		s.watchProvider(p)
		if p.Status() == provider.StatusRunning {
			go s.refreshCatalog(s.appCtx, result.Name)
		}
	}
	s.updateProviderMetrics()
	return result, nil
}

// RemoveProvider stops and removes a provider and drops its catalog.
func (s *Server) RemoveProvider(ctx context.Context, name string) error {
	if err := s.registry.Remove(ctx, name); err != nil {
		return err
	}
	s.invalidateCatalog(name)
	s.updateProviderMetrics()
	return nil
}

// StartProvider starts a registered provider.
func (s *Server) StartProvider(ctx context.Context, name string) error {
	return s.registry.Start(ctx, name)
}

// StopProvider stops a registered provider. Stopping a stopped
// provider succeeds.
func (s *Server) StopProvider(ctx context.Context, name string) error {
	return s.registry.Stop(ctx, name)
}

// RestartProvider bounces a registered provider.
func (s *Server) RestartProvider(ctx context.Context, name string) error {
	return s.registry.Restart(ctx, name)
}

// SetProviderEnabled flips and persists the enabled flag, reconciling
// the child process.
func (s *Server) SetProviderEnabled(ctx context.Context, name string, enabled bool) (*registry.EnabledChange, error) {
	return s.registry.SetEnabled(ctx, name, enabled)
}

// ProviderEnabled reports one provider's enabled flag.
func (s *Server) ProviderEnabled(name string) (bool, error) {
	return s.registry.Enabled(name)
}

// EnabledStates reports every provider's enabled flag.
func (s *Server) EnabledStates() map[string]bool {
	return s.registry.EnabledStates()
}

// StartUserSession creates or reuses the caller's isolated session.
func (s *Server) StartUserSession(ctx context.Context, userID, email, accessToken string) (*usersession.StartResult, error) {
	result, err := s.fleet.Start(ctx, userID, email, accessToken)
	if err == nil {
		s.obs.SetUserSessions(len(s.fleet.List()))
	}
	return result, err
}

// StopUserSession terminates the user's isolated session, reporting
// whether one existed.
func (s *Server) StopUserSession(ctx context.Context, userID string) bool {
	stopped := s.fleet.Stop(ctx, userID)
	s.obs.SetUserSessions(len(s.fleet.List()))
	return stopped
}

// UserSessions lists every live session.
func (s *Server) UserSessions() []usersession.SessionInfo {
	return s.fleet.List()
}

// UserSession returns the detail view of one user's session.
func (s *Server) UserSession(userID string) (*usersession.SessionDetail, bool) {
	return s.fleet.Describe(userID)
}

// BeginLogin starts the PKCE flow and returns the IdP authorize URL.
func (s *Server) BeginLogin(ctx context.Context) (string, error) {
	return s.login.BeginLogin(ctx)
}

// CompleteLogin redeems the authorization code, persists the web
// session and eagerly starts the user's provider session. The eager
// start is best effort; login succeeds without it.
func (s *Server) CompleteLogin(ctx context.Context, code, state string) (string, *storage.WebSession, error) {
	sessionID, ws, err := s.login.CompleteLogin(ctx, code, state)
	if err != nil {
		return "", nil, err
	}
	if _, err := s.StartUserSession(ctx, ws.UserID, ws.Email, ws.AccessToken); err != nil {
		s.logger.Warn("failed to start user session after login",
			zap.String("user", ws.UserID), zap.Error(err))
	}
	return sessionID, ws, nil
}

// CurrentUser resolves a web session id to its session record.
func (s *Server) CurrentUser(ctx context.Context, sessionID string) (*storage.WebSession, error) {
	return s.login.CurrentUser(ctx, sessionID)
}

// Logout deletes the web session and stops the user's provider
// session. Unknown sessions log out cleanly.
func (s *Server) Logout(ctx context.Context, sessionID string) error {
	if ws, err := s.login.CurrentUser(ctx, sessionID); err == nil {
		s.StopUserSession(ctx, ws.UserID)
	}
	return s.login.Logout(ctx, sessionID)
}

// Activity lists locally stored audit records, newest first.
func (s *Server) Activity(filter storage.AuditFilter) ([]*storage.AuditRecord, int, error) {
	return s.bolt.ListAudits(filter)
}

// Embeddings forwards an embedding request to the platform and returns
// its response verbatim along with the upstream status.
func (s *Server) Embeddings(ctx context.Context, req *platform.EmbeddingRequest) (json.RawMessage, int, error) {
	return s.platform.Embeddings(ctx, req)
}

// observabilityLoop refreshes the gauges that have no natural update
// point: uptime, provider states, session count, index size.
func (s *Server) observabilityLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.obs.UpdateMetrics()
			s.updateProviderMetrics()
			s.obs.SetUserSessions(len(s.fleet.List()))
			if n, err := s.index.DocCount(); err == nil {
				s.obs.SetIndexSize(n)
			}
		case <-s.appCtx.Done():
			return
		}
	}
}

func (s *Server) updateProviderMetrics() {
	counts := make(map[string]int)
	for _, st := range s.registry.Statuses() {
		counts[st.Status.String()]++
	}
	s.obs.SetProviderStats(counts)
}
