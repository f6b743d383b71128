package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/auth"
	"github.com/agenticwork/mcp-proxy/internal/config"
	"github.com/agenticwork/mcp-proxy/internal/jsonrpc"
	"github.com/agenticwork/mcp-proxy/internal/platform"
	"github.com/agenticwork/mcp-proxy/internal/provider"
	"github.com/agenticwork/mcp-proxy/internal/registry"
	"github.com/agenticwork/mcp-proxy/internal/server"
	"github.com/agenticwork/mcp-proxy/internal/storage"
	"github.com/agenticwork/mcp-proxy/internal/usersession"
)

// mockController scripts the core surface so handler behavior can be
// tested without a running proxy. Unset function fields fall back to
// permissive defaults; captured arguments are recorded for assertions.
type mockController struct {
	mu sync.Mutex

	principal *auth.Principal
	authErr   error
	lastToken string

	health        *server.Health
	statuses      map[string]registry.ServerStatus
	enabledStates map[string]bool

	callFn        func(call *server.ToolCall) (*server.CallOutcome, error)
	lastCall      *server.ToolCall
	lastPrincipal *auth.Principal

	aggregateFn   func(pr *auth.Principal, query string) (*server.ToolsCatalog, error)
	lastQuery     string
	serverToolsFn func(name string) (*server.ProviderCatalog, error)

	addFn        func(raw map[string]any) (*registry.AddResult, error)
	lifecycleErr error
	actions      []string

	setEnabledFn      func(name string, enabled bool) (*registry.EnabledChange, error)
	providerEnabledFn func(name string) (bool, error)

	startSessionFn func(userID, email, token string) (*usersession.StartResult, error)
	stopSessionFn  func(userID string) bool
	stoppedUsers   []string
	sessions       []usersession.SessionInfo
	sessionDetail  *usersession.SessionDetail

	beginLoginURL   string
	beginLoginErr   error
	completeLoginFn func(code, state string) (string, *storage.WebSession, error)
	currentUserFn   func(sessionID string) (*storage.WebSession, error)
	logoutErr       error
	loggedOut       []string

	activityFn func(filter storage.AuditFilter) ([]*storage.AuditRecord, int, error)
	lastFilter storage.AuditFilter

	embeddingsFn func(req *platform.EmbeddingRequest) (json.RawMessage, int, error)
}

func adminPrincipal() *auth.Principal {
	return &auth.Principal{
		UserID:  "system-admin",
		Name:    "System Admin",
		Email:   "admin@local",
		Groups:  []string{"system-admins"},
		IsAdmin: true,
		Method:  auth.MethodLocalAdmin,
	}
}

func nonAdminPrincipal() *auth.Principal {
	return &auth.Principal{
		UserID: "user-1",
		Name:   "Dev User",
		Email:  "dev@agenticwork.io",
		Groups: []string{"eng"},
		Method: auth.MethodAzureAD,
		Token:  "user-access-token",
	}
}

func echoOutcome(call *server.ToolCall) *server.CallOutcome {
	target := call.Server
	if target == "" {
		target = "alpha"
	}
	return &server.CallOutcome{
		Server: target,
		Response: &jsonrpc.Response{
			JSONRPC: "2.0",
			ID:      call.ID,
			Result:  json.RawMessage(`{"ok":true}`),
		},
		Elapsed: 5 * time.Millisecond,
	}
}

func (c *mockController) Authenticate(_ context.Context, token string) (*auth.Principal, error) {
	c.mu.Lock()
	c.lastToken = token
	c.mu.Unlock()
	if c.authErr != nil {
		return nil, c.authErr
	}
	if c.principal != nil {
		return c.principal, nil
	}
	return adminPrincipal(), nil
}

func (c *mockController) Health() *server.Health {
	if c.health != nil {
		return c.health
	}
	return &server.Health{Status: "healthy", Service: "mcp-proxy", Version: server.Version}
}

func (c *mockController) Statuses() map[string]registry.ServerStatus {
	return c.statuses
}

func (c *mockController) AddProvider(_ context.Context, raw map[string]any) (*registry.AddResult, error) {
	if c.addFn != nil {
		return c.addFn(raw)
	}
	return &registry.AddResult{
		Name:      "dynamic",
		Status:    provider.StatusRunning,
		Command:   []string{"python", "server.py"},
		Enabled:   true,
		Transport: "stdio",
	}, nil
}

func (c *mockController) record(action, name string) error {
	c.mu.Lock()
	c.actions = append(c.actions, action+":"+name)
	c.mu.Unlock()
	return c.lifecycleErr
}

func (c *mockController) RemoveProvider(_ context.Context, name string) error {
	return c.record("remove", name)
}

func (c *mockController) StartProvider(_ context.Context, name string) error {
	return c.record("start", name)
}

func (c *mockController) StopProvider(_ context.Context, name string) error {
	return c.record("stop", name)
}

func (c *mockController) RestartProvider(_ context.Context, name string) error {
	return c.record("restart", name)
}

func (c *mockController) SetProviderEnabled(_ context.Context, name string, enabled bool) (*registry.EnabledChange, error) {
	if c.setEnabledFn != nil {
		return c.setEnabledFn(name, enabled)
	}
	return &registry.EnabledChange{Server: name, Enabled: enabled, Previous: !enabled, Action: "no_change"}, nil
}

func (c *mockController) ProviderEnabled(name string) (bool, error) {
	if c.providerEnabledFn != nil {
		return c.providerEnabledFn(name)
	}
	return true, nil
}

func (c *mockController) EnabledStates() map[string]bool {
	return c.enabledStates
}

func (c *mockController) CallTool(_ context.Context, pr *auth.Principal, call *server.ToolCall) (*server.CallOutcome, error) {
	c.mu.Lock()
	c.lastPrincipal = pr
	c.lastCall = call
	c.mu.Unlock()
	if c.callFn != nil {
		return c.callFn(call)
	}
	return echoOutcome(call), nil
}

func (c *mockController) AggregateTools(_ context.Context, pr *auth.Principal, query string) (*server.ToolsCatalog, error) {
	c.mu.Lock()
	c.lastPrincipal = pr
	c.lastQuery = query
	c.mu.Unlock()
	if c.aggregateFn != nil {
		return c.aggregateFn(pr, query)
	}
	return &server.ToolsCatalog{Tools: []map[string]any{}, ByServer: map[string][]mcp.Tool{}}, nil
}

func (c *mockController) ProviderTools(_ context.Context, name string) (*server.ProviderCatalog, error) {
	if c.serverToolsFn != nil {
		return c.serverToolsFn(name)
	}
	return &server.ProviderCatalog{Server: name, Tools: []mcp.Tool{}}, nil
}

func (c *mockController) StartUserSession(_ context.Context, userID, email, token string) (*usersession.StartResult, error) {
	if c.startSessionFn != nil {
		return c.startSessionFn(userID, email, token)
	}
	return &usersession.StartResult{
		Status:    "created",
		UserID:    userID,
		Email:     email,
		Tools:     []mcp.Tool{},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		PID:       4321,
	}, nil
}

func (c *mockController) StopUserSession(_ context.Context, userID string) bool {
	c.mu.Lock()
	c.stoppedUsers = append(c.stoppedUsers, userID)
	c.mu.Unlock()
	if c.stopSessionFn != nil {
		return c.stopSessionFn(userID)
	}
	return true
}

func (c *mockController) UserSessions() []usersession.SessionInfo {
	return c.sessions
}

func (c *mockController) UserSession(userID string) (*usersession.SessionDetail, bool) {
	if c.sessionDetail != nil && c.sessionDetail.UserID == userID {
		return c.sessionDetail, true
	}
	return nil, false
}

func (c *mockController) BeginLogin(context.Context) (string, error) {
	if c.beginLoginErr != nil {
		return "", c.beginLoginErr
	}
	if c.beginLoginURL != "" {
		return c.beginLoginURL, nil
	}
	return "https://login.microsoftonline.com/common/oauth2/v2.0/authorize?client_id=test", nil
}

func (c *mockController) CompleteLogin(_ context.Context, code, state string) (string, *storage.WebSession, error) {
	if c.completeLoginFn != nil {
		return c.completeLoginFn(code, state)
	}
	return "", nil, fmt.Errorf("unexpected CompleteLogin(%q, %q)", code, state)
}

func (c *mockController) CurrentUser(_ context.Context, sessionID string) (*storage.WebSession, error) {
	if c.currentUserFn != nil {
		return c.currentUserFn(sessionID)
	}
	return nil, fmt.Errorf("no session %s", sessionID)
}

func (c *mockController) Logout(_ context.Context, sessionID string) error {
	c.mu.Lock()
	c.loggedOut = append(c.loggedOut, sessionID)
	c.mu.Unlock()
	return c.logoutErr
}

func (c *mockController) Activity(filter storage.AuditFilter) ([]*storage.AuditRecord, int, error) {
	c.mu.Lock()
	c.lastFilter = filter
	c.mu.Unlock()
	if c.activityFn != nil {
		return c.activityFn(filter)
	}
	return []*storage.AuditRecord{}, 0, nil
}

func (c *mockController) Embeddings(_ context.Context, req *platform.EmbeddingRequest) (json.RawMessage, int, error) {
	if c.embeddingsFn != nil {
		return c.embeddingsFn(req)
	}
	return json.RawMessage(`{"data":[]}`), 200, nil
}

func newTestAPI(t *testing.T, ctrl *mockController) *Server {
	t.Helper()
	return NewServer(ctrl, config.DefaultConfig(), zap.NewNop().Sugar(), nil)
}

func doRequest(t *testing.T, api *Server, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func doJSON(t *testing.T, api *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(t, api, method, path, body, nil)
}

func doRaw(t *testing.T, api *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "body: %s", rec.Body.String())
}

func errorDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeJSON(t, rec, &body)
	return body["detail"]
}
