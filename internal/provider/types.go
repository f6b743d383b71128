// Package provider runs and supervises one stdio child process per
// provider: spawning, the protocol handshake, request correlation and
// termination.
package provider

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Status represents the runtime state of a provider's child process.
type Status int

const (
	// StatusStopped indicates no child process exists.
	StatusStopped Status = iota
	// StatusStarting indicates the child was spawned and the handshake
	// is in progress.
	StatusStarting
	// StatusRunning indicates the child is serving requests.
	StatusRunning
	// StatusFailed indicates the child exited or failed to start.
	StatusFailed
)

// String returns the wire representation of the status.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Spec declares a provider: identity, launch command, environment
// overlay and capability flags. Built-in providers are declared from a
// table at startup; dynamic providers arrive through the management API.
type Spec struct {
	Name    string            `json:"name"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`

	// Transport is currently always "stdio".
	Transport string `json:"transport"`

	// Enabled is the build-time default; the persisted flag in the
	// key-value store is authoritative.
	Enabled bool `json:"enabled"`

	// SupportsOBO marks providers that accept an exchanged user token in
	// tool-call arguments.
	SupportsOBO bool `json:"supports_obo"`

	// AdminOnly restricts the provider to admin principals.
	AdminOnly bool `json:"admin_only,omitempty"`

	// PerUserIsolated providers get one child per authenticated user,
	// managed by the session fleet instead of the shared supervisor.
	PerUserIsolated bool `json:"per_user_isolated,omitempty"`

	// InjectUserID providers receive the principal id in tool-call
	// arguments for their own isolation logic.
	InjectUserID bool `json:"inject_user_id,omitempty"`
}

// StatusInfo is a snapshot of a provider's runtime state.
type StatusInfo struct {
	Status    Status `json:"status"`
	LastError string `json:"last_error,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

// StateManager tracks status transitions for one provider.
type StateManager struct {
	mu        sync.RWMutex
	current   Status
	lastError string
	pid       int

	onChange func(oldStatus, newStatus Status, info StatusInfo)
}

// NewStateManager creates a state manager in the stopped state.
func NewStateManager() *StateManager {
	return &StateManager{current: StatusStopped}
}

// SetChangeCallback registers a callback invoked on every transition.
func (sm *StateManager) SetChangeCallback(callback func(oldStatus, newStatus Status, info StatusInfo)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onChange = callback
}

// Status returns the current status.
func (sm *StateManager) Status() Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Info returns a snapshot of the current state.
func (sm *StateManager) Info() StatusInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return StatusInfo{Status: sm.current, LastError: sm.lastError, PID: sm.pid}
}

// IsRunning reports whether the provider is serving requests.
func (sm *StateManager) IsRunning() bool {
	return sm.Status() == StatusRunning
}

// TransitionTo moves to a new status. Transitions outside the machine
// are still applied; ValidateTransition lets callers check first.
func (sm *StateManager) TransitionTo(newStatus Status) {
	sm.mu.Lock()
	oldStatus := sm.current
	sm.current = newStatus
	if newStatus == StatusRunning {
		sm.lastError = ""
	}
	if newStatus == StatusStopped {
		sm.pid = 0
	}
	info := StatusInfo{Status: sm.current, LastError: sm.lastError, PID: sm.pid}
	callback := sm.onChange
	sm.mu.Unlock()

	// Callback runs outside the lock to avoid deadlocks.
	if callback != nil {
		callback(oldStatus, newStatus, info)
	}
}

// SetError records an error and transitions to failed.
func (sm *StateManager) SetError(err error) {
	sm.mu.Lock()
	oldStatus := sm.current
	sm.current = StatusFailed
	if err != nil {
		sm.lastError = err.Error()
	}
	info := StatusInfo{Status: sm.current, LastError: sm.lastError, PID: sm.pid}
	callback := sm.onChange
	sm.mu.Unlock()

	if callback != nil {
		callback(oldStatus, StatusFailed, info)
	}
}

// SetPID records the child process id.
func (sm *StateManager) SetPID(pid int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.pid = pid
}

// ValidateTransition reports whether a transition is part of the
// provider state machine.
func (sm *StateManager) ValidateTransition(from, to Status) error {
	validTransitions := map[Status][]Status{
		StatusStopped:  {StatusStarting},
		StatusStarting: {StatusRunning, StatusFailed, StatusStopped},
		StatusRunning:  {StatusFailed, StatusStopped},
		StatusFailed:   {StatusStarting, StatusStopped},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid source status: %s", from)
	}
	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
