package cliclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "", zap.NewNop().Sugar())
}

func TestBaseURL(t *testing.T) {
	cases := []struct {
		listen string
		want   string
	}{
		{":8080", "http://127.0.0.1:8080"},
		{"0.0.0.0:9090", "http://0.0.0.0:9090"},
		{"localhost:8081", "http://localhost:8081"},
		{"http://proxy.internal:8080/", "http://proxy.internal:8080"},
		{"https://proxy.example.com", "https://proxy.example.com"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BaseURL(tc.listen), "listen %q", tc.listen)
	}
}

func TestCallToolPostsEnvelope(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"ok":true},"error":null,"id":"1","server":"alpha","execution_time":0.25}`))
	})
	client.apiKey = "secret-key"

	res, err := client.CallTool(context.Background(), "alpha", "search", map[string]any{"q": "docs"})
	require.NoError(t, err)

	assert.Equal(t, "/mcp/tool", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, "alpha", gotBody["server"])
	assert.Equal(t, "search", gotBody["tool"])
	assert.Equal(t, map[string]any{"q": "docs"}, gotBody["arguments"])

	assert.Equal(t, "alpha", res.Server)
	assert.Nil(t, res.Error)
	assert.InDelta(t, 0.25, res.ExecutionTime, 1e-9)
	assert.Equal(t, map[string]any{"ok": true}, res.Result)
}

func TestCallToolOmitsEmptyServer(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &gotBody))
		_, _ = w.Write([]byte(`{"result":null,"error":null,"id":"1","server":"beta","execution_time":0}`))
	})

	_, err := client.CallTool(context.Background(), "", "lookup", nil)
	require.NoError(t, err)

	_, present := gotBody["server"]
	assert.False(t, present, "empty server must not be sent")
	assert.Equal(t, map[string]any{}, gotBody["arguments"], "nil arguments default to an empty object")
}

func TestAPIErrorDecodesDetail(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"detail":"MCP server 'alpha' is not running"}`))
	})

	_, err := client.CallTool(context.Background(), "alpha", "search", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "MCP server 'alpha' is not running", apiErr.Detail)
	assert.Contains(t, apiErr.Error(), "503")
}

func TestAPIErrorKeepsRawBodyWithoutDetail(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded\n"))
	})

	_, err := client.Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream exploded", apiErr.Detail)
}

func TestServersDecodesStatusMap(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/servers", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"alpha": {"status":"running","enabled":true,"transport":"stdio","pid":4321},
			"beta":  {"status":"failed","enabled":true,"transport":"stdio","last_error":"spawn failed"}
		}`))
	})

	servers, err := client.Servers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "running", servers["alpha"].Status)
	assert.Equal(t, 4321, servers["alpha"].PID)
	assert.Equal(t, "spawn failed", servers["beta"].LastError)
}

func TestToolsSendsSearchQuery(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		_, _ = w.Write([]byte(`{"tools":[{"name":"alpha_search"}],"total_count":1,"server_count":1}`))
	})

	catalog, err := client.Tools(context.Background(), "search term")
	require.NoError(t, err)
	assert.Equal(t, "search term", gotQuery)
	assert.Equal(t, 1, catalog.TotalCount)
	require.Len(t, catalog.Tools, 1)
	assert.Equal(t, "alpha_search", catalog.Tools[0]["name"])
}

func TestSetEnabledPatchesFlag(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &gotBody))
		_, _ = w.Write([]byte(`{"success":true,"server_id":"alpha","enabled":false,"previous_enabled":true,"status":"stopped","action":"stopped"}`))
	})

	res, err := client.SetEnabled(context.Background(), "alpha", false)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/servers/alpha/enabled", gotPath)
	assert.Equal(t, false, gotBody["enabled"])
	assert.True(t, res.Success)
	assert.Equal(t, "stopped", res.Action)
}

func TestLifecyclePostsVerbPath(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"success":true,"message":"Server alpha restarted"}`))
	})

	res, err := client.Lifecycle(context.Background(), "alpha", "restart")
	require.NoError(t, err)
	assert.Equal(t, "/servers/alpha/restart", gotPath)
	assert.Equal(t, "Server alpha restarted", res.Message)
}

func TestActivityFilterQuery(t *testing.T) {
	var got map[string][]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		_, _ = w.Write([]byte(`{"records":[],"total":0,"limit":25,"offset":0}`))
	})

	_, err := client.Activity(context.Background(), ActivityFilter{
		Type:   "tool_call",
		Server: "alpha",
		Status: "error",
		Limit:  25,
	})
	require.NoError(t, err)

	assert.Equal(t, "tool_call", got["type"][0])
	assert.Equal(t, "alpha", got["server"][0])
	assert.Equal(t, "error", got["status"][0])
	assert.Equal(t, "25", got["limit"][0])
	_, hasOffset := got["offset"]
	assert.False(t, hasOffset, "zero offset is omitted")
	_, hasUser := got["user"]
	assert.False(t, hasUser, "empty user filter is omitted")
}

func TestActivityDecodesRecords(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/activity", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"records":[{"id":"01J","type":"tool_call","user_id":"u1","provider":"alpha","tool":"search","status":"success","duration_ms":42,"timestamp":"2026-08-25T10:00:00Z"}],
			"total":7,"limit":50,"offset":0
		}`))
	})

	page, err := client.Activity(context.Background(), ActivityFilter{})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	assert.Equal(t, "tool_call", rec.Type)
	assert.Equal(t, "alpha", rec.Provider)
	assert.EqualValues(t, 42, rec.DurationMs)
	assert.Equal(t, 2026, rec.Timestamp.Year())
}

func TestUnreachableDaemon(t *testing.T) {
	client := New("127.0.0.1:1", "", zap.NewNop().Sugar())
	_, err := client.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is the daemon running?")
}
