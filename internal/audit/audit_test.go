package audit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/audit"
	"github.com/agenticwork/mcp-proxy/internal/config"
	"github.com/agenticwork/mcp-proxy/internal/platform"
	"github.com/agenticwork/mcp-proxy/internal/storage"
)

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *countingMetrics) RecordAuditDelivery(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

func (m *countingMetrics) get(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[outcome]
}

func newPlatformClient(serverURL string) *platform.Client {
	return platform.NewClient(&config.PlatformConfig{
		BaseURL:     serverURL,
		InternalKey: "internal-key-1",
		Timeout:     5 * time.Second,
	}, zap.NewNop().Sugar())
}

func newBoltStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func flush(t *testing.T, d *audit.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Flush(ctx))
}

// TestDispatcher_DeliversToIntake tests the intake payload shape and
// authentication for a successful tool call record.
func TestDispatcher_DeliversToIntake(t *testing.T) {
	var (
		mu       sync.Mutex
		captured platform.LogEntry
		auth     string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/mcp-logs", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		mu.Lock()
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	metrics := &countingMetrics{}
	d := audit.NewDispatcher(newPlatformClient(server.URL), nil, metrics, zap.NewNop())

	rec := audit.ToolCall("user-1", "u1@example.com", "api_key", "awp_azure", "list_vms", "tools/call",
		map[string]any{"name": "list_vms"})
	rec.Result = map[string]any{"content": []any{}}
	rec.Success = true
	rec.Elapsed = 1500 * time.Millisecond
	d.Dispatch(rec)
	flush(t, d)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer internal-key-1", auth)
	assert.Equal(t, "user-1", captured.UserID)
	assert.Equal(t, "u1@example.com", captured.UserEmail)
	assert.Equal(t, "awp_azure", captured.ServerName)
	assert.Equal(t, "list_vms", captured.ToolName)
	assert.Equal(t, "tools/call", captured.Method)
	assert.Equal(t, float64(1500), captured.ExecutionTimeMs)
	assert.True(t, captured.Success)
	assert.Regexp(t, `\.000Z$`, captured.Timestamp)
	assert.Equal(t, 1, metrics.get("success"))
}

// TestDispatcher_SwallowsIntakeFailure tests that a refused connection
// to the intake never surfaces, and the local record is still written.
func TestDispatcher_SwallowsIntakeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // connection refused from here on

	store := newBoltStore(t)
	metrics := &countingMetrics{}
	d := audit.NewDispatcher(newPlatformClient(server.URL), store, metrics, zap.NewNop())

	rec := audit.ToolCall("user-1", "", "local", "awp_web", "fetch", "tools/call", nil)
	rec.Success = true
	d.Dispatch(rec)
	flush(t, d)

	assert.Equal(t, 1, metrics.get("error"))

	records, total, err := store.ListAudits(storage.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, records, 1)
	assert.Equal(t, "awp_web", records[0].Provider)
	assert.Equal(t, storage.AuditStatusSuccess, records[0].Status)
}

// TestDispatcher_LocalRecordShape tests the mapping from a failed call
// onto the stored activity record.
func TestDispatcher_LocalRecordShape(t *testing.T) {
	store := newBoltStore(t)
	d := audit.NewDispatcher(nil, store, nil, zap.NewNop())

	rec := audit.ToolCall("user-2", "u2@example.com", "jwt", "awp_gcp", "list_instances", "tools/call",
		map[string]any{"name": "list_instances", "arguments": map[string]any{"zone": "us-central1-a"}})
	rec.Err = map[string]any{"code": -32603, "message": "boom"}
	rec.Success = false
	rec.Elapsed = 250 * time.Millisecond
	rec.RequestID = "req-7"
	d.Dispatch(rec)
	flush(t, d)

	records, _, err := store.ListAudits(storage.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, storage.AuditTypeToolCall, got.Type)
	assert.Equal(t, "user-2", got.UserID)
	assert.Equal(t, "jwt", got.AuthMethod)
	assert.Equal(t, "awp_gcp", got.Provider)
	assert.Equal(t, "list_instances", got.Tool)
	assert.Equal(t, storage.AuditStatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "boom")
	assert.Equal(t, int64(250), got.DurationMs)
	assert.Equal(t, "req-7", got.RequestID)
}

// TestDispatcher_PolicyDenialRecord tests the denied-status mapping.
func TestDispatcher_PolicyDenialRecord(t *testing.T) {
	store := newBoltStore(t)
	d := audit.NewDispatcher(nil, store, nil, zap.NewNop())

	d.Dispatch(audit.PolicyDenial("user-3", "u3@example.com", "awp_admin", "reset_db"))
	flush(t, d)

	records, _, err := store.ListAudits(storage.AuditFilter{Status: storage.AuditStatusDenied})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, storage.AuditTypePolicyDecision, records[0].Type)
	assert.Equal(t, "awp_admin", records[0].Provider)
	assert.Contains(t, records[0].ErrorMessage, "denied by policy")
}

// TestDispatcher_NilSinks tests that a dispatcher with nothing wired is
// inert but safe.
func TestDispatcher_NilSinks(t *testing.T) {
	d := audit.NewDispatcher(nil, nil, nil, zap.NewNop())
	d.Dispatch(audit.ToolCall("u", "", "", "s", "t", "tools/call", nil))
	d.Dispatch(nil)
	flush(t, d)
}

// TestDispatcher_TruncatesOversizedResponse tests that the local record
// keeps a bounded, flagged copy of a huge tool response.
func TestDispatcher_TruncatesOversizedResponse(t *testing.T) {
	store := newBoltStore(t)
	d := audit.NewDispatcher(nil, store, nil, zap.NewNop())

	rec := audit.ToolCall("user-4", "u4@example.com", "jwt", "awp_web", "fetch_page", "tools/call", nil)
	rec.Result = strings.Repeat("x", 50000)
	rec.Success = true
	d.Dispatch(rec)
	flush(t, d)

	records, _, err := store.ListAudits(storage.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].ResponseTruncated)
	assert.Less(t, len(records[0].Response), 50000)
	assert.Contains(t, records[0].Response, "[truncated]")
}

// TestDispatcher_KeepsSmallResponseIntact tests the no-truncation path.
func TestDispatcher_KeepsSmallResponseIntact(t *testing.T) {
	store := newBoltStore(t)
	d := audit.NewDispatcher(nil, store, nil, zap.NewNop())

	rec := audit.ToolCall("user-5", "", "jwt", "awp_web", "fetch_page", "tools/call", nil)
	rec.Result = "short response"
	rec.Success = true
	d.Dispatch(rec)
	flush(t, d)

	records, _, err := store.ListAudits(storage.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].ResponseTruncated)
	assert.Equal(t, "short response", records[0].Response)
}

// TestDispatcher_RetentionPrunesOldRecords tests the cleanup that runs
// when the retention loop starts. A canceled context makes the loop do
// exactly one pass and return.
func TestDispatcher_RetentionPrunesOldRecords(t *testing.T) {
	store := newBoltStore(t)
	d := audit.NewDispatcher(nil, store, nil, zap.NewNop())

	require.NoError(t, store.SaveAudit(&storage.AuditRecord{
		Type:      storage.AuditTypeToolCall,
		Provider:  "awp_web",
		Tool:      "fetch_page",
		Status:    storage.AuditStatusSuccess,
		Timestamp: time.Now().UTC().Add(-8 * 24 * time.Hour),
	}))
	require.NoError(t, store.SaveAudit(&storage.AuditRecord{
		Type:      storage.AuditTypeToolCall,
		Provider:  "awp_azure",
		Tool:      "list_vms",
		Status:    storage.AuditStatusSuccess,
		Timestamp: time.Now().UTC(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.RetentionLoop(ctx)

	records, total, err := store.ListAudits(storage.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, records, 1)
	assert.Equal(t, "awp_azure", records[0].Provider)
}
