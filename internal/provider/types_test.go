package provider

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStatus_String tests the wire representation of provider statuses
func TestStatus_String(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusStopped, "stopped"},
		{StatusStarting, "starting"},
		{StatusRunning, "running"},
		{StatusFailed, "failed"},
		{Status(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

// TestStatus_MarshalJSON tests that statuses serialize as lowercase strings
func TestStatus_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, `"running"`, string(data))

	info := StatusInfo{Status: StatusFailed, LastError: "boom", PID: 42}
	data, err = json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"failed","last_error":"boom","pid":42}`, string(data))
}

// TestStateManager_Transitions tests the basic lifecycle transitions
func TestStateManager_Transitions(t *testing.T) {
	sm := NewStateManager()
	assert.Equal(t, StatusStopped, sm.Status())
	assert.False(t, sm.IsRunning())

	sm.TransitionTo(StatusStarting)
	assert.Equal(t, StatusStarting, sm.Status())

	sm.SetPID(1234)
	sm.TransitionTo(StatusRunning)
	assert.True(t, sm.IsRunning())
	assert.Equal(t, 1234, sm.Info().PID)

	sm.TransitionTo(StatusStopped)
	assert.Equal(t, StatusStopped, sm.Status())
	assert.Equal(t, 0, sm.Info().PID, "pid should be cleared on stop")
}

// TestStateManager_SetError tests that errors move the provider to failed
func TestStateManager_SetError(t *testing.T) {
	sm := NewStateManager()
	sm.TransitionTo(StatusStarting)

	sm.SetError(errors.New("process exited immediately: missing binary"))
	assert.Equal(t, StatusFailed, sm.Status())
	assert.Equal(t, "process exited immediately: missing binary", sm.Info().LastError)

	// A successful restart clears the recorded error.
	sm.TransitionTo(StatusStarting)
	sm.TransitionTo(StatusRunning)
	assert.Empty(t, sm.Info().LastError)
}

// TestStateManager_Callback tests that transition callbacks fire with old and new state
func TestStateManager_Callback(t *testing.T) {
	sm := NewStateManager()

	var gotOld, gotNew Status
	var gotInfo StatusInfo
	calls := 0
	sm.SetChangeCallback(func(oldStatus, newStatus Status, info StatusInfo) {
		calls++
		gotOld = oldStatus
		gotNew = newStatus
		gotInfo = info
	})

	sm.TransitionTo(StatusStarting)
	require.Equal(t, 1, calls)
	assert.Equal(t, StatusStopped, gotOld)
	assert.Equal(t, StatusStarting, gotNew)

	sm.SetError(errors.New("boom"))
	require.Equal(t, 2, calls)
	assert.Equal(t, StatusStarting, gotOld)
	assert.Equal(t, StatusFailed, gotNew)
	assert.Equal(t, "boom", gotInfo.LastError)
}

// TestStateManager_ValidateTransition tests the transition table
func TestStateManager_ValidateTransition(t *testing.T) {
	sm := NewStateManager()

	valid := []struct{ from, to Status }{
		{StatusStopped, StatusStarting},
		{StatusStarting, StatusRunning},
		{StatusStarting, StatusFailed},
		{StatusStarting, StatusStopped},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusStopped},
		{StatusFailed, StatusStarting},
		{StatusFailed, StatusStopped},
	}
	for _, tt := range valid {
		assert.NoError(t, sm.ValidateTransition(tt.from, tt.to),
			"%s -> %s should be valid", tt.from, tt.to)
	}

	invalid := []struct{ from, to Status }{
		{StatusStopped, StatusRunning},
		{StatusStopped, StatusFailed},
		{StatusRunning, StatusStarting},
		{StatusFailed, StatusRunning},
	}
	for _, tt := range invalid {
		assert.Error(t, sm.ValidateTransition(tt.from, tt.to),
			"%s -> %s should be invalid", tt.from, tt.to)
	}
}

// TestSpec_JSONRoundTrip tests that provider declarations survive serialization
func TestSpec_JSONRoundTrip(t *testing.T) {
	spec := Spec{
		Name:        "awp_azure",
		Command:     []string{"node", "dist/index.js"},
		Env:         map[string]string{"AZURE_TENANT_ID": "t-1"},
		Transport:   "stdio",
		Enabled:     true,
		SupportsOBO: true,
	}

	data, err := json.Marshal(spec)
	require.NoError(t, err)

	var got Spec
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, spec, got)
}
