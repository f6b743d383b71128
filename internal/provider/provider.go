package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/jsonrpc"
)

const (
	// ProtocolVersion is the MCP protocol revision sent in the handshake.
	ProtocolVersion = "2024-11-05"

	clientName    = "mcp-proxy"
	clientVersion = "1.0.0"

	defaultStartDelay       = 1 * time.Second
	defaultCallTimeout      = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	stopTimeout             = 5 * time.Second
)

// Provider supervises one child process through its lifecycle:
// Stopped -> Starting -> Running | Failed, with restart preserving
// identity and configuration.
type Provider struct {
	spec   Spec
	logger *zap.Logger
	state  *StateManager

	mu        sync.Mutex
	transport *Transport

	startDelay       time.Duration
	callTimeout      time.Duration
	handshakeTimeout time.Duration
}

// Option configures a Provider.
type Option func(*Provider)

// WithStartDelay overrides the post-spawn grace period.
func WithStartDelay(d time.Duration) Option {
	return func(p *Provider) { p.startDelay = d }
}

// WithCallTimeout overrides the default per-call ceiling applied when
// the caller supplies no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Provider) { p.callTimeout = d }
}

// WithHandshakeTimeout overrides how long to wait for the initialize
// response before declaring the child unresponsive.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Provider) { p.handshakeTimeout = d }
}

// New creates a supervisor for the given spec. The child is not started.
func New(spec Spec, logger *zap.Logger, opts ...Option) *Provider {
	if spec.Transport == "" {
		spec.Transport = "stdio"
	}
	p := &Provider{
		spec:             spec,
		logger:           logger,
		state:            NewStateManager(),
		startDelay:       defaultStartDelay,
		callTimeout:      defaultCallTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Spec returns the provider's declaration.
func (p *Provider) Spec() Spec { return p.spec }

// Name returns the provider name.
func (p *Provider) Name() string { return p.spec.Name }

// Status returns the current runtime status.
func (p *Provider) Status() Status { return p.state.Status() }

// Info returns a snapshot of runtime state.
func (p *Provider) Info() StatusInfo { return p.state.Info() }

// State exposes the state manager for transition callbacks.
func (p *Provider) State() *StateManager { return p.state }

// Start spawns the child, waits a short grace period, and performs the
// protocol handshake. Starting a running provider is a no-op.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Status() == StatusRunning {
		return nil
	}

	p.logger.Info("starting provider", zap.String("server", p.spec.Name))
	p.state.TransitionTo(StatusStarting)

	env := MergeEnviron(os.Environ(), p.spec.Env)
	t, err := StartTransport(p.spec.Name, p.spec.Command, env, p.logger, p.handleChildExit)
	if err != nil {
		p.state.SetError(err)
		return fmt.Errorf("failed to start provider %s: %w", p.spec.Name, err)
	}

	// Grace period so an immediate crash (bad argv, missing binary deps,
	// unset required env) surfaces here with its stderr.
	select {
	case <-time.After(p.startDelay):
	case <-ctx.Done():
		_ = t.Close(stopTimeout)
		p.state.TransitionTo(StatusStopped)
		return ctx.Err()
	}

	if !t.Alive() {
		err := fmt.Errorf("process exited immediately: %s", t.StderrTail())
		_ = t.Close(stopTimeout)
		p.state.SetError(err)
		return fmt.Errorf("provider %s: %w", p.spec.Name, err)
	}

	p.transport = t
	p.state.SetPID(t.PID())
	p.state.TransitionTo(StatusRunning)
	p.logger.Info("provider started",
		zap.String("server", p.spec.Name),
		zap.Int("pid", t.PID()))

	// Handshake: an error result is recorded but tolerated; no response
	// at all means the child is not speaking the protocol.
	hctx, cancel := context.WithTimeout(ctx, p.handshakeTimeout)
	defer cancel()

	resp, err := t.Call(hctx, NewInitializeRequest())
	if err != nil {
		_ = t.Close(stopTimeout)
		p.transport = nil
		p.state.SetError(fmt.Errorf("initialize: %w", err))
		return fmt.Errorf("provider %s initialize: %w", p.spec.Name, err)
	}
	if resp.Error != nil {
		p.logger.Warn("initialize returned error",
			zap.String("server", p.spec.Name),
			zap.Int("code", resp.Error.Code),
			zap.String("message", resp.Error.Message))
	} else {
		p.logger.Info("provider initialized", zap.String("server", p.spec.Name))
	}
	return nil
}

// Stop terminates the child (SIGTERM, bounded wait, SIGKILL). Stopping
// a provider without a child is a no-op.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport == nil {
		return nil
	}

	p.logger.Info("stopping provider", zap.String("server", p.spec.Name))
	_ = p.transport.Close(stopTimeout)
	p.transport = nil
	p.state.TransitionTo(StatusStopped)
	return nil
}

// Restart stops and starts the child, preserving identity and
// configuration.
func (p *Provider) Restart(ctx context.Context) error {
	if err := p.Stop(ctx); err != nil {
		return err
	}
	return p.Start(ctx)
}

// Call forwards one JSON-RPC request to the child and waits for the
// correlated response. Without a caller deadline the configured ceiling
// applies.
func (p *Provider) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()

	if t == nil || !p.state.IsRunning() {
		return nil, fmt.Errorf("provider %s (status %s): %w",
			p.spec.Name, p.state.Status(), ErrNotRunning)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}
	return t.Call(ctx, req)
}

// ListTools queries the child's tool catalog. Params are omitted first
// per the protocol; a provider answering invalid-params gets one retry
// with an explicit empty object.
func (p *Provider) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := p.Call(ctx, jsonrpc.NewRequest(NewCorrelationID("list-tools-"+p.spec.Name), "tools/list", nil))
	if err != nil {
		return nil, err
	}

	if resp.Error != nil && resp.Error.Code == jsonrpc.CodeInvalidParams {
		p.logger.Info("retrying tools/list with empty params object",
			zap.String("server", p.spec.Name))
		resp, err = p.Call(ctx, jsonrpc.NewRequest(
			NewCorrelationID("list-tools-retry-"+p.spec.Name), "tools/list", map[string]any{}))
		if err != nil {
			return nil, err
		}
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list failed for %s: %w", p.spec.Name, resp.Error)
	}

	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result from %s: %w", p.spec.Name, err)
	}
	return result.Tools, nil
}

func (p *Provider) handleChildExit(exitErr error) {
	p.mu.Lock()
	t := p.transport
	p.transport = nil
	p.mu.Unlock()

	// No published transport means the exit is already accounted for:
	// a start failure or a stop that raced the child's own death.
	if t == nil {
		return
	}

	stderr := t.StderrTail()
	reason := "process exited"
	if exitErr != nil {
		reason = fmt.Sprintf("process died: %v", exitErr)
	}
	if stderr != "" {
		reason += ": " + stderr
	}
	err := errors.New(reason)
	p.logger.Error("provider child exited unexpectedly",
		zap.String("server", p.spec.Name),
		zap.Error(err))
	p.state.SetError(err)
}

// NewInitializeRequest builds the protocol handshake sent to every
// freshly spawned child. The handshake always uses id 0.
func NewInitializeRequest() *jsonrpc.Request {
	return jsonrpc.NewRequest(0, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	})
}

// NewCorrelationID builds a unique request id with a readable prefix,
// e.g. auto-detect-1f2e3d4c.
func NewCorrelationID(prefix string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s-%s", prefix, hex[:8])
}

// MergeEnviron overlays provider variables onto a base environment,
// overriding duplicates in place.
func MergeEnviron(base []string, overlay map[string]string) []string {
	merged := make([]string, len(base))
	copy(merged, base)
	for k, v := range overlay {
		found := false
		for i, envVar := range merged {
			if strings.HasPrefix(envVar, k+"=") {
				merged[i] = fmt.Sprintf("%s=%s", k, v)
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return merged
}
