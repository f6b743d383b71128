// Package registry holds the set of known providers: the built-in table,
// dynamically added ones, their enabled flags and the fan-out helpers
// that operate across all of them. The enabled flag lives here, not in
// the supervisor; a provider only knows how to run, the registry decides
// whether it should.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/provider"
	"github.com/agenticwork/mcp-proxy/internal/storage"
)

var (
	// ErrUnknownProvider is returned when an operation names a provider
	// the registry has never seen.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrDuplicateProvider rejects adding a provider under a name that is
	// already registered.
	ErrDuplicateProvider = errors.New("provider already exists")

	// ErrProviderDisabled is returned when a start targets a provider
	// whose enabled flag is off.
	ErrProviderDisabled = errors.New("provider is disabled")
)

// FlagStore persists enabled flags across restarts. *storage.Store
// implements it; a nil store means flags are process-local only.
type FlagStore interface {
	SetEnabled(ctx context.Context, name string, enabled bool) error
	GetEnabled(ctx context.Context, name string) (bool, bool, error)
}

type entry struct {
	prov    *provider.Provider
	enabled bool
}

// Manager is the provider registry. All methods are safe for concurrent
// use. Iteration helpers return providers in registration order so that
// probing (auto-detect, catalog aggregation) is deterministic.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	flags  FlagStore
	logger *zap.Logger
	opts   []provider.Option
}

// NewManager creates an empty registry. Provider options are applied to
// every provider the registry constructs.
func NewManager(flags FlagStore, logger *zap.Logger, opts ...provider.Option) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		flags:   flags,
		logger:  logger,
		opts:    opts,
	}
}

// Register adds a provider from its spec without starting it. The spec's
// Enabled field seeds the runtime flag; HydrateEnabled may override it.
func (m *Manager) Register(spec provider.Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[spec.Name]; exists {
		return fmt.Errorf("server %q: %w", spec.Name, ErrDuplicateProvider)
	}

	p := provider.New(spec, m.logger.Named(spec.Name), m.opts...)
	m.entries[spec.Name] = &entry{prov: p, enabled: spec.Enabled}
	m.order = append(m.order, spec.Name)

	m.logger.Info("registered provider",
		zap.String("server", spec.Name),
		zap.Strings("command", spec.Command),
		zap.Bool("enabled", spec.Enabled))
	return nil
}

// RegisterBuiltins registers every spec from the built-in table.
func (m *Manager) RegisterBuiltins(specs []provider.Spec) {
	for _, spec := range specs {
		if err := m.Register(spec); err != nil {
			m.logger.Warn("skipping builtin provider", zap.String("server", spec.Name), zap.Error(err))
		}
	}
	m.logger.Info("builtin provider table registered", zap.Int("count", len(specs)))
}

// AddResult describes a dynamically added provider.
type AddResult struct {
	Name      string          `json:"name"`
	Status    provider.Status `json:"status"`
	Command   []string        `json:"command"`
	Enabled   bool            `json:"enabled"`
	Transport string          `json:"transport"`
}

// AddServer registers a provider from a dynamic configuration payload
// and starts it when enabled. Two payload shapes are accepted: the flat
// form {"name": ..., "command": ..., "args": [...]} and the container
// form {"mcpServers": {"name": {"command": ..., "args": [...]}}}.
func (m *Manager) AddServer(ctx context.Context, raw map[string]any) (*AddResult, error) {
	spec, err := ParseSpec(raw)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.entries[spec.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("Server '%s' already exists. Use restart or remove first.", spec.Name)
	}
	p := provider.New(spec, m.logger.Named(spec.Name), m.opts...)
	m.entries[spec.Name] = &entry{prov: p, enabled: spec.Enabled}
	m.order = append(m.order, spec.Name)
	m.mu.Unlock()

	m.logger.Info("added provider",
		zap.String("server", spec.Name),
		zap.Strings("command", spec.Command))

	if spec.Enabled {
		if err := p.Start(ctx); err != nil {
			m.logger.Warn("added provider failed to start",
				zap.String("server", spec.Name), zap.Error(err))
		}
	}

	return &AddResult{
		Name:      spec.Name,
		Status:    p.Status(),
		Command:   spec.Command,
		Enabled:   spec.Enabled,
		Transport: spec.Transport,
	}, nil
}

// ParseSpec normalizes a dynamic configuration payload into a provider
// spec. Container payloads with several servers are resolved to the
// lexicographically first name so repeated submissions behave the same.
func ParseSpec(raw map[string]any) (provider.Spec, error) {
	if container, ok := raw["mcpServers"].(map[string]any); ok {
		if len(container) == 0 {
			return provider.Spec{}, errors.New("mcpServers object is empty")
		}
		names := make([]string, 0, len(container))
		for name := range container {
			names = append(names, name)
		}
		sort.Strings(names)
		inner, ok := container[names[0]].(map[string]any)
		if !ok {
			return provider.Spec{}, fmt.Errorf("mcpServers entry %q is not an object", names[0])
		}
		merged := map[string]any{"name": names[0]}
		for k, v := range inner {
			merged[k] = v
		}
		raw = merged
	}

	name, _ := raw["name"].(string)
	if name == "" {
		return provider.Spec{}, errors.New("server configuration must include 'name'")
	}

	command, err := parseCommand(raw)
	if err != nil {
		return provider.Spec{}, err
	}

	spec := provider.Spec{
		Name:      name,
		Command:   command,
		Env:       map[string]string{},
		Transport: "stdio",
		Enabled:   true,
	}

	if env, ok := raw["env"].(map[string]any); ok {
		for k, v := range env {
			if s, ok := v.(string); ok {
				spec.Env[k] = s
			} else {
				spec.Env[k] = fmt.Sprintf("%v", v)
			}
		}
	}
	if transport, ok := raw["transport"].(string); ok && transport != "" {
		spec.Transport = transport
	}
	if enabled, ok := raw["enabled"].(bool); ok {
		spec.Enabled = enabled
	}
	if obo, ok := raw["supports_obo"].(bool); ok {
		spec.SupportsOBO = obo
	}
	return spec, nil
}

func parseCommand(raw map[string]any) ([]string, error) {
	switch cmd := raw["command"].(type) {
	case string:
		if cmd == "" {
			return nil, errors.New("server configuration must include 'command'")
		}
		command := []string{cmd}
		if args, ok := raw["args"].([]any); ok {
			for _, a := range args {
				s, ok := a.(string)
				if !ok {
					return nil, fmt.Errorf("'args' entries must be strings, got %T", a)
				}
				command = append(command, s)
			}
		}
		return command, nil
	case []any:
		if len(cmd) == 0 {
			return nil, errors.New("server configuration must include 'command'")
		}
		command := make([]string, 0, len(cmd))
		for _, c := range cmd {
			s, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("'command' entries must be strings, got %T", c)
			}
			command = append(command, s)
		}
		return command, nil
	case nil:
		return nil, errors.New("server configuration must include 'command'")
	default:
		return nil, errors.New("'command' must be a string or list")
	}
}

// Remove stops the named provider's child if it is running and drops the
// provider from the registry.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	ent, exists := m.entries[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("server %q: %w", name, ErrUnknownProvider)
	}
	delete(m.entries, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if err := ent.prov.Stop(ctx); err != nil {
		m.logger.Warn("stop during removal failed", zap.String("server", name), zap.Error(err))
	}
	m.logger.Info("removed provider", zap.String("server", name))
	return nil
}

// Get returns the named provider.
func (m *Manager) Get(name string) (*provider.Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, exists := m.entries[name]
	if !exists {
		return nil, false
	}
	return ent.prov, true
}

// Names returns all registered provider names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// Providers returns all providers in registration order.
func (m *Manager) Providers() []*provider.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	provs := make([]*provider.Provider, 0, len(m.order))
	for _, name := range m.order {
		provs = append(provs, m.entries[name].prov)
	}
	return provs
}

// Start starts the named provider. Disabled providers refuse to start.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.RLock()
	ent, exists := m.entries[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("server %q: %w", name, ErrUnknownProvider)
	}
	if !ent.enabled {
		return fmt.Errorf("server %q: %w", name, ErrProviderDisabled)
	}
	return ent.prov.Start(ctx)
}

// Stop stops the named provider's child.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.RLock()
	ent, exists := m.entries[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("server %q: %w", name, ErrUnknownProvider)
	}
	return ent.prov.Stop(ctx)
}

// Restart stops and starts the named provider.
func (m *Manager) Restart(ctx context.Context, name string) error {
	m.mu.RLock()
	ent, exists := m.entries[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("server %q: %w", name, ErrUnknownProvider)
	}
	return ent.prov.Restart(ctx)
}

// StartAll starts every enabled provider in parallel and waits for all
// starts to settle. Individual failures are logged, not returned; a
// provider that cannot start is visible as failed in the status table.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	type task struct {
		name string
		ent  *entry
	}
	tasks := make([]task, 0, len(m.order))
	for _, name := range m.order {
		tasks = append(tasks, task{name, m.entries[name]})
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		if !t.ent.enabled {
			m.logger.Info("skipping disabled provider", zap.String("server", t.name))
			continue
		}
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			if err := t.ent.prov.Start(ctx); err != nil {
				m.logger.Error("provider failed to start",
					zap.String("server", t.name), zap.Error(err))
			}
		}(t)
	}
	wg.Wait()
}

// StopAll stops every provider in parallel and waits for termination.
func (m *Manager) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range m.Providers() {
		wg.Add(1)
		go func(p *provider.Provider) {
			defer wg.Done()
			_ = p.Stop(ctx)
		}(p)
	}
	wg.Wait()
}

// ServerStatus is the management view of one provider.
type ServerStatus struct {
	Status    provider.Status `json:"status"`
	Enabled   bool            `json:"enabled"`
	LastError string          `json:"last_error,omitempty"`
	Transport string          `json:"transport"`
	PID       int             `json:"pid,omitempty"`
}

// Statuses returns the management view of every provider.
func (m *Manager) Statuses() map[string]ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServerStatus, len(m.entries))
	for name, ent := range m.entries {
		info := ent.prov.Info()
		out[name] = ServerStatus{
			Status:    info.Status,
			Enabled:   ent.enabled,
			LastError: info.LastError,
			Transport: ent.prov.Spec().Transport,
			PID:       info.PID,
		}
	}
	return out
}

// Enabled returns the named provider's enabled flag.
func (m *Manager) Enabled(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, exists := m.entries[name]
	if !exists {
		return false, fmt.Errorf("server %q: %w", name, ErrUnknownProvider)
	}
	return ent.enabled, nil
}

// EnabledStates returns the enabled flag for every provider.
func (m *Manager) EnabledStates() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.entries))
	for name, ent := range m.entries {
		out[name] = ent.enabled
	}
	return out
}

// HydrateEnabled overlays persisted enabled flags onto the registered
// providers. Flags with no persisted record keep their build-time value.
func (m *Manager) HydrateEnabled(ctx context.Context) {
	if m.flags == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.order {
		enabled, found, err := m.flags.GetEnabled(ctx, name)
		if err != nil {
			m.logger.Error("failed to load persisted enabled flag",
				zap.String("server", name), zap.Error(err))
			continue
		}
		if !found {
			continue
		}
		m.entries[name].enabled = enabled
		m.logger.Info("loaded persisted enabled flag",
			zap.String("server", name), zap.Bool("enabled", enabled))
	}
}

// EnabledChange reports what SetEnabled did. The shape is part of the
// management API contract.
type EnabledChange struct {
	Server    string          `json:"server_id"`
	Enabled   bool            `json:"enabled"`
	Previous  bool            `json:"previous_enabled"`
	Status    provider.Status `json:"status"`
	Action    string          `json:"action"`
	Persisted bool            `json:"persisted_to_redis"`
}

// SetEnabled flips a provider's enabled flag, persists it, and
// reconciles the child: enabling a non-running provider starts it,
// disabling a running one stops it, anything else is a no-op. The
// started action is reported even when the start attempt ends in the
// failed state; the Status field carries the truth.
func (m *Manager) SetEnabled(ctx context.Context, name string, enabled bool) (*EnabledChange, error) {
	m.mu.Lock()
	ent, exists := m.entries[name]
	if !exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("server %q: %w", name, ErrUnknownProvider)
	}
	previous := ent.enabled
	ent.enabled = enabled
	m.mu.Unlock()

	persisted := false
	if m.flags != nil {
		if err := m.flags.SetEnabled(ctx, name, enabled); err != nil {
			m.logger.Error("failed to persist enabled flag",
				zap.String("server", name), zap.Error(err))
		} else {
			persisted = true
		}
	} else {
		m.logger.Warn("flag store unavailable, enabled flag not persisted",
			zap.String("server", name))
	}

	action := "no_change"
	switch {
	case enabled && ent.prov.Status() != provider.StatusRunning:
		if err := ent.prov.Start(ctx); err != nil {
			m.logger.Warn("start after enable failed",
				zap.String("server", name), zap.Error(err))
		}
		action = "started"
	case !enabled && ent.prov.Status() == provider.StatusRunning:
		if err := ent.prov.Stop(ctx); err != nil {
			m.logger.Warn("stop after disable failed",
				zap.String("server", name), zap.Error(err))
		}
		action = "stopped"
	}

	m.logger.Info("provider enabled flag changed",
		zap.String("server", name),
		zap.Bool("enabled", enabled),
		zap.Bool("previous", previous),
		zap.String("action", action))

	return &EnabledChange{
		Server:    name,
		Enabled:   enabled,
		Previous:  previous,
		Status:    ent.prov.Status(),
		Action:    action,
		Persisted: persisted,
	}, nil
}

// ListAllTools queries the tool catalog of every running provider in
// registration order. A provider that fails to answer contributes an
// empty list rather than failing the aggregation.
func (m *Manager) ListAllTools(ctx context.Context) map[string][]mcp.Tool {
	m.mu.RLock()
	type probe struct {
		name string
		prov *provider.Provider
	}
	probes := make([]probe, 0, len(m.order))
	for _, name := range m.order {
		probes = append(probes, probe{name, m.entries[name].prov})
	}
	m.mu.RUnlock()

	all := make(map[string][]mcp.Tool)
	for _, pr := range probes {
		if pr.prov.Status() != provider.StatusRunning {
			continue
		}
		tools, err := pr.prov.ListTools(ctx)
		if err != nil {
			m.logger.Error("failed to list tools",
				zap.String("server", pr.name), zap.Error(err))
			all[pr.name] = []mcp.Tool{}
			continue
		}
		all[pr.name] = tools
		m.logger.Info("loaded tools",
			zap.String("server", pr.name), zap.Int("count", len(tools)))
	}
	return all
}

var _ FlagStore = (*storage.Store)(nil)
