// Package cliclient is the HTTP client the CLI subcommands use to talk
// to a running proxy daemon.
package cliclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client issues requests against the proxy's HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// New creates a client for the given listen address. The API key is
// optional; when set it is sent as X-Api-Key on every request.
func New(listen, apiKey string, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: BaseURL(listen),
		apiKey:  apiKey,
		httpClient: &http.Client{
			// Tool calls can legitimately run for minutes.
			Timeout: 5 * time.Minute,
		},
		logger: logger,
	}
}

// BaseURL turns a listen address into a dialable base URL. A bare
// ":8080" binds every interface; the CLI reaches it over loopback.
func BaseURL(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return strings.TrimRight(listen, "/")
	}
	if strings.HasPrefix(listen, ":") {
		return "http://127.0.0.1" + listen
	}
	return "http://" + listen
}

// APIError is a non-2xx response from the proxy API.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proxy API returned %d: %s", e.Status, e.Detail)
}

// Health mirrors GET /health.
type Health struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version"`
	AuthEnabled bool   `json:"auth_enabled"`
	TenantID    string `json:"tenant_id"`
	Servers     struct {
		Total    int                     `json:"total"`
		Running  int                     `json:"running"`
		Statuses map[string]ServerStatus `json:"statuses"`
	} `json:"servers"`
}

// ServerStatus is one row of GET /servers.
type ServerStatus struct {
	Status    string `json:"status"`
	Enabled   bool   `json:"enabled"`
	LastError string `json:"last_error,omitempty"`
	Transport string `json:"transport"`
	PID       int    `json:"pid,omitempty"`
}

// ToolsCatalog mirrors GET /tools.
type ToolsCatalog struct {
	Tools       []map[string]any `json:"tools"`
	TotalCount  int              `json:"total_count"`
	ServerCount int              `json:"server_count"`
}

// ServerTools mirrors GET /servers/{id}/tools.
type ServerTools struct {
	Server string           `json:"server"`
	Tools  []map[string]any `json:"tools"`
}

// CallResult is the proxy envelope returned by POST /mcp/tool. A
// JSON-RPC error from the tool server arrives in Error with a 200
// status; only pipeline failures surface as *APIError.
type CallResult struct {
	Result        any            `json:"result"`
	Error         map[string]any `json:"error"`
	ID            any            `json:"id"`
	Server        string         `json:"server"`
	ExecutionTime float64        `json:"execution_time"`
}

// LifecycleResult mirrors the confirmation payload of the provider
// lifecycle endpoints.
type LifecycleResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// EnabledResult mirrors PATCH /servers/{id}/enabled.
type EnabledResult struct {
	Success         bool   `json:"success"`
	Server          string `json:"server_id"`
	Enabled         bool   `json:"enabled"`
	PreviousEnabled bool   `json:"previous_enabled"`
	Status          string `json:"status"`
	Action          string `json:"action"`
}

// ActivityRecord decodes the audit fields the CLI renders.
type ActivityRecord struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	Tool         string    `json:"tool"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// ActivityPage mirrors GET /api/activity.
type ActivityPage struct {
	Records []ActivityRecord `json:"records"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// ActivityFilter narrows an activity listing. Zero values are omitted
// from the query string.
type ActivityFilter struct {
	Type     string
	UserID   string
	Server   string
	Tool     string
	Status   string
	Limit    int
	Offset   int
}

func (f ActivityFilter) query() url.Values {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.UserID != "" {
		q.Set("user", f.UserID)
	}
	if f.Server != "" {
		q.Set("server", f.Server)
	}
	if f.Tool != "" {
		q.Set("tool", f.Tool)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return q
}

// Health fetches the daemon health summary.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch health: %w", err)
	}
	return &out, nil
}

// Servers lists every configured provider with its current status.
func (c *Client) Servers(ctx context.Context) (map[string]ServerStatus, error) {
	var out map[string]ServerStatus
	if err := c.do(ctx, http.MethodGet, "/servers", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return out, nil
}

// Tools fetches the aggregated tool catalog, optionally filtered by a
// search query.
func (c *Client) Tools(ctx context.Context, query string) (*ToolsCatalog, error) {
	var q url.Values
	if query != "" {
		q = url.Values{"q": {query}}
	}
	var out ToolsCatalog
	if err := c.do(ctx, http.MethodGet, "/tools", q, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return &out, nil
}

// ServerTools fetches one provider's tool catalog.
func (c *Client) ServerTools(ctx context.Context, server string) (*ServerTools, error) {
	var out ServerTools
	path := "/servers/" + url.PathEscape(server) + "/tools"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list tools for %s: %w", server, err)
	}
	return &out, nil
}

// CallTool executes a tool through the proxy. Server may be empty; the
// daemon then routes by tool name.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	body := map[string]any{"tool": tool, "arguments": args}
	if server != "" {
		body["server"] = server
	}
	var out CallResult
	if err := c.do(ctx, http.MethodPost, "/mcp/tool", nil, body, &out); err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}
	return &out, nil
}

// Lifecycle runs one of the start/stop/restart operations on a
// provider.
func (c *Client) Lifecycle(ctx context.Context, server, op string) (*LifecycleResult, error) {
	path := "/servers/" + url.PathEscape(server) + "/" + op
	var out LifecycleResult
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", op, server, err)
	}
	return &out, nil
}

// SetEnabled flips a provider's enabled flag.
func (c *Client) SetEnabled(ctx context.Context, server string, enabled bool) (*EnabledResult, error) {
	path := "/servers/" + url.PathEscape(server) + "/enabled"
	var out EnabledResult
	if err := c.do(ctx, http.MethodPatch, path, nil, map[string]any{"enabled": enabled}, &out); err != nil {
		return nil, fmt.Errorf("failed to update enabled flag for %s: %w", server, err)
	}
	return &out, nil
}

// Activity fetches a page of audit records.
func (c *Client) Activity(ctx context.Context, filter ActivityFilter) (*ActivityPage, error) {
	var out ActivityPage
	if err := c.do(ctx, http.MethodGet, "/api/activity", filter.query(), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	if c.logger != nil {
		c.logger.Debugw("CLI request", "method", method, "url", u)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("proxy unreachable at %s (is the daemon running?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Detail: strings.TrimSpace(string(data))}
		var payload struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Detail != "" {
			apiErr.Detail = payload.Detail
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
