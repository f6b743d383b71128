package httpapi

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/mcp-proxy/internal/provider"
	"github.com/agenticwork/mcp-proxy/internal/registry"
)

func TestListServers(t *testing.T) {
	ctrl := &mockController{
		statuses: map[string]registry.ServerStatus{
			"alpha": {Status: provider.StatusRunning, Enabled: true, Transport: "stdio", PID: 101},
			"beta":  {Status: provider.StatusFailed, Enabled: true, Transport: "stdio", LastError: "spawn failed"},
		},
	}
	api := newTestAPI(t, ctrl)

	rec := doJSON(t, api, http.MethodGet, "/servers", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]map[string]any
	decodeJSON(t, rec, &body)
	require.Len(t, body, 2)
	assert.Equal(t, "running", body["alpha"]["status"])
	assert.EqualValues(t, 101, body["alpha"]["pid"])
	assert.Equal(t, "failed", body["beta"]["status"])
	assert.Equal(t, "spawn failed", body["beta"]["last_error"])
}

func TestAddServer(t *testing.T) {
	ctrl := &mockController{}
	api := newTestAPI(t, ctrl)

	rec := doJSON(t, api, http.MethodPost, "/servers", map[string]any{
		"name":    "dynamic",
		"command": "python",
		"args":    []string{"server.py"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, true, body["success"])
	added, ok := body["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dynamic", added["name"])
	assert.Equal(t, "running", added["status"])
}

func TestAddServerRejectsBadConfig(t *testing.T) {
	ctrl := &mockController{
		addFn: func(map[string]any) (*registry.AddResult, error) {
			return nil, fmt.Errorf("Missing required field: command")
		},
	}
	api := newTestAPI(t, ctrl)

	rec := doJSON(t, api, http.MethodPost, "/servers", map[string]any{"name": "broken"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing required field: command", errorDetail(t, rec))
}

func TestServerLifecycleOperations(t *testing.T) {
	tests := []struct {
		method  string
		path    string
		action  string
		message string
	}{
		{http.MethodPost, "/servers/alpha/start", "start:alpha", "Server alpha started"},
		{http.MethodPost, "/servers/alpha/stop", "stop:alpha", "Server alpha stopped"},
		{http.MethodPost, "/servers/alpha/restart", "restart:alpha", "Server alpha restarted"},
		{http.MethodDelete, "/servers/alpha", "remove:alpha", "Server alpha deleted"},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			ctrl := &mockController{}
			api := newTestAPI(t, ctrl)

			rec := doJSON(t, api, tt.method, tt.path, nil)

			require.Equal(t, http.StatusOK, rec.Code)
			var body map[string]any
			decodeJSON(t, rec, &body)
			assert.Equal(t, true, body["success"])
			assert.Equal(t, tt.message, body["message"])
			assert.Equal(t, []string{tt.action}, ctrl.actions)
		})
	}
}

func TestServerLifecycleUnknownProvider(t *testing.T) {
	ctrl := &mockController{
		lifecycleErr: fmt.Errorf("server %q: %w", "ghost", registry.ErrUnknownProvider),
	}
	api := newTestAPI(t, ctrl)

	rec := doJSON(t, api, http.MethodPost, "/servers/ghost/start", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, errorDetail(t, rec), "ghost")
}

func TestSetServerEnabled(t *testing.T) {
	ctrl := &mockController{
		setEnabledFn: func(name string, enabled bool) (*registry.EnabledChange, error) {
			return &registry.EnabledChange{
				Server:    name,
				Enabled:   enabled,
				Previous:  !enabled,
				Status:    provider.StatusStopped,
				Action:    "stopped",
				Persisted: true,
			}, nil
		},
	}
	api := newTestAPI(t, ctrl)

	rec := doJSON(t, api, http.MethodPatch, "/servers/alpha/enabled", map[string]any{"enabled": false})

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "alpha", body["server_id"])
	assert.Equal(t, false, body["enabled"])
	assert.Equal(t, true, body["previous_enabled"])
	assert.Equal(t, "stopped", body["status"])
	assert.Equal(t, "stopped", body["action"])
	assert.Equal(t, true, body["persisted_to_redis"])
}

func TestSetServerEnabledRequiresAdmin(t *testing.T) {
	ctrl := &mockController{principal: nonAdminPrincipal()}
	api := newTestAPI(t, ctrl)

	rec := doRequest(t, api, http.MethodPatch, "/servers/alpha/enabled",
		map[string]any{"enabled": false},
		map[string]string{"Authorization": "Bearer user-token"})

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Admin privileges required to enable/disable MCP servers", errorDetail(t, rec))
}

func TestSetServerEnabledRequiresFlag(t *testing.T) {
	api := newTestAPI(t, &mockController{})

	rec := doJSON(t, api, http.MethodPatch, "/servers/alpha/enabled", map[string]any{})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `Body must be {"enabled": true|false}`, errorDetail(t, rec))
}

func TestSetServerEnabledUnknownProvider(t *testing.T) {
	ctrl := &mockController{
		setEnabledFn: func(name string, _ bool) (*registry.EnabledChange, error) {
			return nil, fmt.Errorf("server %q: %w", name, registry.ErrUnknownProvider)
		},
	}
	api := newTestAPI(t, ctrl)

	rec := doJSON(t, api, http.MethodPatch, "/servers/ghost/enabled", map[string]any{"enabled": true})

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, errorDetail(t, rec), "ghost")
}

func TestGetServerEnabled(t *testing.T) {
	ctrl := &mockController{
		providerEnabledFn: func(name string) (bool, error) {
			if name != "alpha" {
				return false, fmt.Errorf("server %q: %w", name, registry.ErrUnknownProvider)
			}
			return true, nil
		},
	}
	api := newTestAPI(t, ctrl)

	rec := doJSON(t, api, http.MethodGet, "/servers/alpha/enabled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "alpha", body["server_id"])
	assert.Equal(t, true, body["enabled"])

	rec = doJSON(t, api, http.MethodGet, "/servers/ghost/enabled", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnabledStates(t *testing.T) {
	ctrl := &mockController{
		enabledStates: map[string]bool{"alpha": true, "beta": false},
	}
	api := newTestAPI(t, ctrl)

	rec := doJSON(t, api, http.MethodGet, "/servers/enabled", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Servers map[string]bool `json:"servers"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, map[string]bool{"alpha": true, "beta": false}, body.Servers)
}
