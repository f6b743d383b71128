package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/mcp-proxy/internal/auth"
	"github.com/agenticwork/mcp-proxy/internal/storage"
)

type stubExchanger struct {
	token     string
	err       error
	assertion string
	calls     int
}

func (f *stubExchanger) Exchange(_ context.Context, assertion, _ string) (string, error) {
	f.calls++
	f.assertion = assertion
	return f.token, f.err
}

// echoedParams decodes the helper child's echo result back into the
// params it received.
func echoedParams(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var result struct {
		Echoed map[string]any `json:"echoed"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	return result.Echoed
}

func echoedArguments(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	args, _ := echoedParams(t, raw)["arguments"].(map[string]any)
	return args
}

func localAdmin(t *testing.T, s *Server) *auth.Principal {
	t.Helper()
	pr, err := s.Authenticate(context.Background(), "")
	require.NoError(t, err)
	return pr
}

// waitForAudit polls the local activity store until a record matches.
func waitForAudit(t *testing.T, s *Server, filter storage.AuditFilter) *storage.AuditRecord {
	t.Helper()
	var found *storage.AuditRecord
	require.Eventually(t, func() bool {
		records, _, err := s.Activity(filter)
		if err != nil || len(records) == 0 {
			return false
		}
		found = records[0]
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return found
}

// TestCallToolRoutesToNamedProvider verifies the plain path: explicit
// target, no injection, envelope and id passed through untouched.
func TestCallToolRoutesToNamedProvider(t *testing.T) {
	s := newTestServer(t, "")
	startHelper(t, s, helperSpec("alpha", "alpha_tool"))

	out, err := s.CallTool(context.Background(), localAdmin(t, s), &ToolCall{
		Server: "alpha",
		Method: "tools/call",
		Params: map[string]any{"name": "alpha_tool", "arguments": map[string]any{"x": "1"}},
		ID:     7,
	})
	require.NoError(t, err)

	assert.Equal(t, "alpha", out.Server)
	assert.Nil(t, out.Response.Error)
	assert.EqualValues(t, 7, out.Response.ID)
	assert.Greater(t, out.Elapsed, time.Duration(0))

	params := echoedParams(t, out.Response.Result)
	assert.Equal(t, "alpha_tool", params["name"])
}

// TestCallToolAutoDetectsProvider verifies a call without a target is
// routed by probing running providers for the tool, and that the probe
// result is kept for the next lookup.
func TestCallToolAutoDetectsProvider(t *testing.T) {
	s := newTestServer(t, "")
	startHelper(t, s, helperSpec("alpha", "alpha_tool"))
	startHelper(t, s, helperSpec("beta", "beta_tool"))

	out, err := s.CallTool(context.Background(), localAdmin(t, s), &ToolCall{
		Method: "tools/call",
		Params: map[string]any{"name": "beta_tool", "arguments": map[string]any{}},
		ID:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, "beta", out.Server)

	_, cached := s.cachedTools("alpha")
	assert.True(t, cached, "probed catalogs should be kept")
}

// TestCallToolUnknownToolRejected verifies a targetless call for a tool
// nobody advertises is a validation error naming the tool.
func TestCallToolUnknownToolRejected(t *testing.T) {
	s := newTestServer(t, "")
	startHelper(t, s, helperSpec("alpha", "alpha_tool"))

	_, err := s.CallTool(context.Background(), localAdmin(t, s), &ToolCall{
		Method: "tools/call",
		Params: map[string]any{"name": "nope", "arguments": map[string]any{}},
		ID:     1,
	})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindValidation, serr.Kind)
	assert.Equal(t, "Server not specified for tool 'nope'. The API must include server information in tool metadata.", serr.Message)
}

// TestCallToolUnknownServer verifies an explicit unknown target maps to
// the unknown-provider kind.
func TestCallToolUnknownServer(t *testing.T) {
	s := newTestServer(t, "")

	_, err := s.CallTool(context.Background(), localAdmin(t, s), &ToolCall{
		Server: "ghost",
		Method: "tools/call",
		Params: map[string]any{"name": "x", "arguments": map[string]any{}},
		ID:     1,
	})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindUnknownProvider, serr.Kind)
	assert.Equal(t, "Unknown MCP server: ghost", serr.Message)
}

// TestCallToolProviderNotRunning verifies a registered but stopped
// provider maps to the unavailable kind.
func TestCallToolProviderNotRunning(t *testing.T) {
	s := newTestServer(t, "")
	require.NoError(t, s.registry.Register(helperSpec("sleepy", "sleepy_tool")))

	_, err := s.CallTool(context.Background(), localAdmin(t, s), &ToolCall{
		Server: "sleepy",
		Method: "tools/call",
		Params: map[string]any{"name": "sleepy_tool", "arguments": map[string]any{}},
		ID:     1,
	})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindUnavailable, serr.Kind)
	assert.Equal(t, "Server 'sleepy' is not running", serr.Message)
}

// TestCallToolDeadlineMapsToTimeout verifies a caller deadline expiring
// mid-call maps to the timeout kind.
func TestCallToolDeadlineMapsToTimeout(t *testing.T) {
	s := newTestServer(t, "")
	startHelper(t, s, helperSpec("alpha", "alpha_tool"))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := s.CallTool(ctx, localAdmin(t, s), &ToolCall{
		Server: "alpha",
		Method: "tools/call",
		Params: map[string]any{"name": "hang", "arguments": map[string]any{}},
		ID:     1,
	})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindTimeout, serr.Kind)
}

// TestCallToolAdminOnlyDenied verifies the built-in admin gate with the
// admin-specific denial message, and that the denial is audited.
func TestCallToolAdminOnlyDenied(t *testing.T) {
	s := newTestServer(t, "")
	pr := &auth.Principal{UserID: "u1", Name: "User One", Email: "u1@example.com", Method: auth.MethodAzureAD}

	_, err := s.CallTool(context.Background(), pr, &ToolCall{
		Server: "admin",
		Method: "tools/call",
		Params: map[string]any{"name": "restart_everything", "arguments": map[string]any{}},
		ID:     1,
	})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindAccessDenied, serr.Kind)
	assert.Equal(t, "Access denied. Admin privileges required to access 'admin' server.", serr.Message)

	rec := waitForAudit(t, s, storage.AuditFilter{Type: string(storage.AuditTypePolicyDecision)})
	assert.Equal(t, storage.AuditStatusDenied, rec.Status)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "admin", rec.Provider)
	assert.Equal(t, "restart_everything", rec.Tool)
}

// TestCallToolPolicyDenied verifies an explicit platform deny ruling
// blocks a non-admin caller with the policy denial message.
func TestCallToolPolicyDenied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/admin/mcp/access-summary/", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_summary": []map[string]any{
				{"server": map[string]any{"id": "1", "name": "alpha"}, "access": "deny"},
			},
		})
	})
	mux.HandleFunc("/api/mcp-logs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	platformSrv := httptest.NewServer(mux)
	t.Cleanup(platformSrv.Close)

	s := newTestServer(t, platformSrv.URL)
	startHelper(t, s, helperSpec("alpha", "alpha_tool"))
	pr := &auth.Principal{UserID: "u1", Name: "User One", Groups: []string{"eng"}, Method: auth.MethodAzureAD}

	_, err := s.CallTool(context.Background(), pr, &ToolCall{
		Server: "alpha",
		Method: "tools/call",
		Params: map[string]any{"name": "alpha_tool", "arguments": map[string]any{}},
		ID:     1,
	})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindAccessDenied, serr.Kind)
	assert.Equal(t, "Access denied. Access to server 'alpha' is restricted by policy.", serr.Message)
}

// TestCallToolInjectsUserID verifies user-isolated providers receive
// the principal id, a placeholder is replaced, an explicit id is kept,
// and the caller's params map is never mutated.
func TestCallToolInjectsUserID(t *testing.T) {
	s := newTestServer(t, "")
	spec := helperSpec("iso", "iso_tool")
	spec.InjectUserID = true
	startHelper(t, s, spec)
	pr := &auth.Principal{UserID: "u42", Name: "User", Method: auth.MethodAzureAD}

	args := map[string]any{"x": "1"}
	call := &ToolCall{
		Server: "iso",
		Method: "tools/call",
		Params: map[string]any{"name": "iso_tool", "arguments": args},
		ID:     1,
	}
	out, err := s.CallTool(context.Background(), pr, call)
	require.NoError(t, err)
	assert.Equal(t, "u42", echoedArguments(t, out.Response.Result)["user_id"])
	_, mutated := args["user_id"]
	assert.False(t, mutated, "caller arguments must stay untouched")

	out, err = s.CallTool(context.Background(), pr, &ToolCall{
		Server: "iso",
		Method: "tools/call",
		Params: map[string]any{"name": "iso_tool", "arguments": map[string]any{"user_id": "default"}},
		ID:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, "u42", echoedArguments(t, out.Response.Result)["user_id"])

	out, err = s.CallTool(context.Background(), pr, &ToolCall{
		Server: "iso",
		Method: "tools/call",
		Params: map[string]any{"name": "iso_tool", "arguments": map[string]any{"user_id": "someone-else"}},
		ID:     3,
	})
	require.NoError(t, err)
	assert.Equal(t, "someone-else", echoedArguments(t, out.Response.Result)["user_id"])
}

// TestCallToolInjectsAPIKeyForServerlessTools verifies platform keys
// reach serverless tools and foreign keys do not.
func TestCallToolInjectsAPIKeyForServerlessTools(t *testing.T) {
	s := newTestServer(t, "")
	spec := helperSpec("code", "run_agenticode_task")
	spec.InjectUserID = true
	startHelper(t, s, spec)
	pr := &auth.Principal{UserID: "u1", Name: "User", Method: auth.MethodAPIKey, Token: "awc_k123"}

	out, err := s.CallTool(context.Background(), pr, &ToolCall{
		Server: "code",
		Method: "tools/call",
		Params: map[string]any{"name": "run_agenticode_task", "arguments": map[string]any{}},
		ID:     1,
		APIKey: "awc_k123",
	})
	require.NoError(t, err)
	assert.Equal(t, "awc_k123", echoedArguments(t, out.Response.Result)["api_key"])

	out, err = s.CallTool(context.Background(), pr, &ToolCall{
		Server: "code",
		Method: "tools/call",
		Params: map[string]any{"name": "run_agenticode_task", "arguments": map[string]any{}},
		ID:     2,
		APIKey: "sk-foreign",
	})
	require.NoError(t, err)
	_, present := echoedArguments(t, out.Response.Result)["api_key"]
	assert.False(t, present, "non-platform keys must not be forwarded")

	out, err = s.CallTool(context.Background(), pr, &ToolCall{
		Server: "code",
		Method: "tools/call",
		Params: map[string]any{"name": "iso_tool", "arguments": map[string]any{}},
		ID:     3,
		APIKey: "awc_k123",
	})
	require.NoError(t, err)
	_, present = echoedArguments(t, out.Response.Result)["api_key"]
	assert.False(t, present, "keys are only injected for serverless tools")
}

// TestCallToolExchangesForOBOProviders verifies the exchanged token is
// planted in the tool arguments and the identity token is preferred as
// the assertion.
func TestCallToolExchangesForOBOProviders(t *testing.T) {
	s := newTestServer(t, "")
	s.cfg.Auth.Enabled = true
	stub := &stubExchanger{token: "exchanged-token"}
	s.exchanger = stub

	spec := helperSpec("obo", "obo_tool")
	spec.SupportsOBO = true
	startHelper(t, s, spec)
	pr := &auth.Principal{UserID: "u1", Name: "User", Method: auth.MethodAzureAD, Token: "access-token"}

	out, err := s.CallTool(context.Background(), pr, &ToolCall{
		Server:  "obo",
		Method:  "tools/call",
		Params:  map[string]any{"name": "obo_tool", "arguments": map[string]any{}},
		ID:      1,
		IDToken: "id-token",
	})
	require.NoError(t, err)
	assert.Equal(t, "id-token", stub.assertion)

	args := echoedArguments(t, out.Response.Result)
	meta, _ := args["meta"].(map[string]any)
	assert.Equal(t, "exchanged-token", meta["userAccessToken"])

	_, err = s.CallTool(context.Background(), pr, &ToolCall{
		Server: "obo",
		Method: "tools/call",
		Params: map[string]any{"name": "obo_tool", "arguments": map[string]any{}},
		ID:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, "access-token", stub.assertion, "access token is the fallback assertion")
}

// TestCallToolSkipsExchangeForServiceIdentities verifies principals on
// service-principal credentials never go through the exchange.
func TestCallToolSkipsExchangeForServiceIdentities(t *testing.T) {
	s := newTestServer(t, "")
	s.cfg.Auth.Enabled = true
	stub := &stubExchanger{token: "exchanged-token"}
	s.exchanger = stub

	spec := helperSpec("obo", "obo_tool")
	spec.SupportsOBO = true
	startHelper(t, s, spec)
	pr := &auth.Principal{UserID: "svc", Method: auth.MethodSystemKey, Token: "key", UseServicePrincipal: true, IsAdmin: true}

	out, err := s.CallTool(context.Background(), pr, &ToolCall{
		Server: "obo",
		Method: "tools/call",
		Params: map[string]any{"name": "obo_tool", "arguments": map[string]any{}},
		ID:     1,
	})
	require.NoError(t, err)
	assert.Zero(t, stub.calls)
	args := echoedArguments(t, out.Response.Result)
	_, present := args["meta"]
	assert.False(t, present)
}

// TestCallToolExchangeFailure verifies a failed exchange aborts the
// call before it reaches the child.
func TestCallToolExchangeFailure(t *testing.T) {
	s := newTestServer(t, "")
	s.cfg.Auth.Enabled = true
	s.exchanger = &stubExchanger{err: errors.New("aadsts consent required")}

	spec := helperSpec("obo", "obo_tool")
	spec.SupportsOBO = true
	startHelper(t, s, spec)
	pr := &auth.Principal{UserID: "u1", Method: auth.MethodAzureAD, Token: "access-token"}

	_, err := s.CallTool(context.Background(), pr, &ToolCall{
		Server: "obo",
		Method: "tools/call",
		Params: map[string]any{"name": "obo_tool", "arguments": map[string]any{}},
		ID:     1,
	})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindExchangeFailed, serr.Kind)
	assert.Contains(t, serr.Message, "On-behalf-of exchange failed for 'obo'")
}

// TestCallToolChildErrorPassesThrough verifies a JSON-RPC error object
// from the child is the caller's answer, not a transport failure, and
// is audited as an error.
func TestCallToolChildErrorPassesThrough(t *testing.T) {
	s := newTestServer(t, "")
	startHelper(t, s, helperSpec("alpha", "alpha_tool"))

	out, err := s.CallTool(context.Background(), localAdmin(t, s), &ToolCall{
		Server:    "alpha",
		Method:    "tools/call",
		Params:    map[string]any{"name": "always_fails", "arguments": map[string]any{}},
		ID:        9,
		RequestID: "req-err-1",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Response.Error)
	assert.Equal(t, "tool exploded", out.Response.Error.Message)
	assert.EqualValues(t, 9, out.Response.ID)

	rec := waitForAudit(t, s, storage.AuditFilter{Type: string(storage.AuditTypeToolCall)})
	assert.Equal(t, storage.AuditStatusError, rec.Status)
	assert.Equal(t, "always_fails", rec.Tool)
	assert.Equal(t, "req-err-1", rec.RequestID)
}

// TestCallToolAuditsSuccess verifies every successful call leaves one
// local audit record with the caller and timing attached.
func TestCallToolAuditsSuccess(t *testing.T) {
	s := newTestServer(t, "")
	startHelper(t, s, helperSpec("alpha", "alpha_tool"))

	_, err := s.CallTool(context.Background(), localAdmin(t, s), &ToolCall{
		Server:    "alpha",
		Method:    "tools/call",
		Params:    map[string]any{"name": "alpha_tool", "arguments": map[string]any{"x": "1"}},
		ID:        1,
		RequestID: "req-ok-1",
	})
	require.NoError(t, err)

	rec := waitForAudit(t, s, storage.AuditFilter{Type: string(storage.AuditTypeToolCall)})
	assert.Equal(t, storage.AuditStatusSuccess, rec.Status)
	assert.Equal(t, "system-admin", rec.UserID)
	assert.Equal(t, "local_admin", rec.AuthMethod)
	assert.Equal(t, "alpha", rec.Provider)
	assert.Equal(t, "alpha_tool", rec.Tool)
	assert.Equal(t, "req-ok-1", rec.RequestID)
}

// TestCallToolAuditsNonToolMethods verifies other JSON-RPC methods are
// audited under the method name.
func TestCallToolAuditsNonToolMethods(t *testing.T) {
	s := newTestServer(t, "")
	startHelper(t, s, helperSpec("alpha", "alpha_tool"))

	out, err := s.CallTool(context.Background(), localAdmin(t, s), &ToolCall{
		Server: "alpha",
		Method: "tools/list",
		ID:     1,
	})
	require.NoError(t, err)
	assert.Nil(t, out.Response.Error)

	rec := waitForAudit(t, s, storage.AuditFilter{Type: string(storage.AuditTypeToolCall)})
	assert.Equal(t, "tools/list", rec.Tool)
	assert.Equal(t, storage.AuditStatusSuccess, rec.Status)
}
