package usersession

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/mcp-proxy/internal/jsonrpc"
)

// TestFleetStart_CreatesSession tests that a first start spawns a child,
// passes the per-user environment through, and caches the catalog.
func TestFleetStart_CreatesSession(t *testing.T) {
	f := newTestFleet(t, nil)
	ctx := context.Background()

	res, err := f.Start(ctx, "u1", "u1@example.com", "tok-1")
	require.NoError(t, err)

	assert.Equal(t, "created", res.Status)
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, "u1@example.com", res.Email)
	assert.NotZero(t, res.PID)
	require.Len(t, res.Tools, 1)
	assert.Equal(t, "whoami-u1", res.Tools[0].Name)

	_, err = time.Parse(time.RFC3339, res.CreatedAt)
	assert.NoError(t, err)

	infos := f.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "u1", infos[0].UserID)
	assert.True(t, infos[0].Alive)
	assert.Equal(t, 1, infos[0].ToolCount)
	assert.Equal(t, res.PID, infos[0].PID)
}

// TestFleetStart_ReusesLiveSession tests the create-or-reuse contract:
// a second start for a live session reports "existing" with the cached
// catalog and no fresh pid.
func TestFleetStart_ReusesLiveSession(t *testing.T) {
	f := newTestFleet(t, nil)
	ctx := context.Background()

	first, err := f.Start(ctx, "u1", "u1@example.com", "tok-1")
	require.NoError(t, err)
	require.Equal(t, "created", first.Status)

	second, err := f.Start(ctx, "u1", "u1@example.com", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "existing", second.Status)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, first.Tools, second.Tools)
	assert.Zero(t, second.PID)

	infos := f.List()
	require.Len(t, infos, 1)
}

// TestFleetStart_ReplacesDeadSession tests that a start finding a dead
// child cleans it up and spawns a replacement.
func TestFleetStart_ReplacesDeadSession(t *testing.T) {
	f := newTestFleet(t, nil)
	ctx := context.Background()

	first, err := f.Start(ctx, "u1", "u1@example.com", "tok-1")
	require.NoError(t, err)

	_, err = f.Call(ctx, "u1", jsonrpc.NewRequest("die-1", "tools/call", map[string]any{"name": "die"}))
	require.Error(t, err)

	sess, ok := f.Get("u1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return !sess.Alive() },
		5*time.Second, 20*time.Millisecond)

	second, err := f.Start(ctx, "u1", "u1@example.com", "tok-2")
	require.NoError(t, err)
	assert.Equal(t, "created", second.Status)
	assert.NotEqual(t, first.PID, second.PID)
}

// TestFleetStart_RequiresCredentials tests that session creation refuses
// to spawn without the exchange service principal configured.
func TestFleetStart_RequiresCredentials(t *testing.T) {
	f := newTestFleet(t, func(c *Config) { c.ClientSecret = "" })

	_, err := f.Start(context.Background(), "u1", "u1@example.com", "tok-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Azure SP credentials not configured")
	assert.Empty(t, f.List())
}

// TestFleetStart_EmptyCatalogTolerated tests that a failing tools/list
// still yields a usable session with an empty catalog.
func TestFleetStart_EmptyCatalogTolerated(t *testing.T) {
	f := newTestFleet(t, nil)
	t.Setenv(helperEnv, helperModeNoTools)

	res, err := f.Start(context.Background(), "u1", "u1@example.com", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "created", res.Status)
	assert.Empty(t, res.Tools)

	infos := f.List()
	require.Len(t, infos, 1)
	assert.Equal(t, 0, infos[0].ToolCount)
	assert.True(t, infos[0].Alive)
}

// TestFleetStart_ConcurrentSameUser tests that racing starts for one
// user produce exactly one child.
func TestFleetStart_ConcurrentSameUser(t *testing.T) {
	f := newTestFleet(t, nil)
	ctx := context.Background()

	const n = 4
	results := make([]*StartResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.Start(ctx, "u1", "u1@example.com", "tok-1")
		}(i)
	}
	wg.Wait()

	created := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		if res.Status == "created" {
			created++
		} else {
			assert.Equal(t, "existing", res.Status)
		}
	}
	assert.Equal(t, 1, created)
	assert.Len(t, f.List(), 1)
}

// TestFleetStop tests stop semantics: true for a live session, false
// when nothing is there.
func TestFleetStop(t *testing.T) {
	f := newTestFleet(t, nil)
	ctx := context.Background()

	_, err := f.Start(ctx, "u1", "u1@example.com", "tok-1")
	require.NoError(t, err)

	assert.True(t, f.Stop(ctx, "u1"))
	assert.False(t, f.Stop(ctx, "u1"))
	assert.Empty(t, f.List())
}

// TestFleetCall_ForwardsToChild tests request forwarding into the
// session child and the missing-session error.
func TestFleetCall_ForwardsToChild(t *testing.T) {
	f := newTestFleet(t, nil)
	ctx := context.Background()

	_, err := f.Start(ctx, "u1", "u1@example.com", "tok-1")
	require.NoError(t, err)

	resp, err := f.Call(ctx, "u1", jsonrpc.NewRequest("call-1", "tools/call", map[string]any{
		"name":      "whoami-u1",
		"arguments": map[string]any{},
	}))
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ok for u1", result.Content[0].Text)

	_, err = f.Call(ctx, "nobody", jsonrpc.NewRequest("call-2", "tools/call", nil))
	require.ErrorIs(t, err, ErrNoSession)
}

// TestFleetSweepStale_Idle tests that the sweeper reaps sessions idle
// beyond the configured threshold.
func TestFleetSweepStale_Idle(t *testing.T) {
	f := newTestFleet(t, func(c *Config) { c.MaxIdle = 50 * time.Millisecond })
	ctx := context.Background()

	_, err := f.Start(ctx, "u1", "u1@example.com", "tok-1")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	f.SweepStale(ctx)
	assert.Empty(t, f.List())
}

// TestFleetSweepStale_Dead tests that the sweeper reaps sessions whose
// child died, regardless of idle time.
func TestFleetSweepStale_Dead(t *testing.T) {
	f := newTestFleet(t, nil)
	ctx := context.Background()

	_, err := f.Start(ctx, "u1", "u1@example.com", "tok-1")
	require.NoError(t, err)
	_, err = f.Start(ctx, "u2", "u2@example.com", "tok-2")
	require.NoError(t, err)

	_, err = f.Call(ctx, "u2", jsonrpc.NewRequest("die-1", "tools/call", map[string]any{"name": "die"}))
	require.Error(t, err)
	sess, ok := f.Get("u2")
	require.True(t, ok)
	require.Eventually(t, func() bool { return !sess.Alive() },
		5*time.Second, 20*time.Millisecond)

	f.SweepStale(ctx)

	infos := f.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "u1", infos[0].UserID)
}

// TestFleetList_Ordering tests the list snapshot is ordered by user id.
func TestFleetList_Ordering(t *testing.T) {
	f := newTestFleet(t, nil)
	ctx := context.Background()

	_, err := f.Start(ctx, "zeta", "zeta@example.com", "tok-z")
	require.NoError(t, err)
	_, err = f.Start(ctx, "alpha", "alpha@example.com", "tok-a")
	require.NoError(t, err)

	infos := f.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].UserID)
	assert.Equal(t, "zeta", infos[1].UserID)
	for _, info := range infos {
		assert.NotEmpty(t, info.CreatedAt)
		assert.NotEmpty(t, info.LastAccessed)
	}
}

// TestFleetShutdown tests that shutdown terminates every session.
func TestFleetShutdown(t *testing.T) {
	f := newTestFleet(t, nil)
	ctx := context.Background()

	_, err := f.Start(ctx, "u1", "u1@example.com", "tok-1")
	require.NoError(t, err)
	_, err = f.Start(ctx, "u2", "u2@example.com", "tok-2")
	require.NoError(t, err)

	f.StartSweeper()
	f.Shutdown(ctx)
	assert.Empty(t, f.List())
}
