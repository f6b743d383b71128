package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/config"
)

// embeddingsTimeout is longer than the API timeout because embedding
// generation can block on the upstream model provider.
const embeddingsTimeout = 60 * time.Second

// ErrInvalidAPIKey indicates the platform rejected the presented key.
var ErrInvalidAPIKey = errors.New("invalid api key")

// Client is the typed client for the platform API. It covers the four
// server-to-server calls the proxy makes: API-key validation, group
// access summaries, audit intake and embeddings.
type Client struct {
	baseURL     string
	internalURL string
	internalKey string
	httpClient  *http.Client
	embedClient *http.Client
	logger      *zap.SugaredLogger
}

// User is the account record returned by the platform for a valid API key.
type User struct {
	ID      string   `json:"userId"`
	Email   string   `json:"email"`
	Name    string   `json:"name"`
	IsAdmin bool     `json:"isAdmin"`
	Groups  []string `json:"groups"`
}

// ServerRef identifies a tool provider in an access summary.
type ServerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AccessEntry is one provider's access ruling for a group.
type AccessEntry struct {
	Server ServerRef `json:"server"`
	Access string    `json:"access"` // "allow" or "deny"
}

// LogEntry is the audit intake payload for POST /api/mcp-logs. Field
// names are fixed by the platform's ingest schema.
type LogEntry struct {
	UserID          string         `json:"user_id"`
	UserName        string         `json:"user_name,omitempty"`
	UserEmail       string         `json:"user_email,omitempty"`
	ServerName      string         `json:"server_name"`
	ToolName        string         `json:"tool_name"`
	Method          string         `json:"method"`
	Params          map[string]any `json:"params"`
	Result          any            `json:"result,omitempty"`
	Error           any            `json:"error,omitempty"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
	Success         bool           `json:"success"`
	Timestamp       string         `json:"timestamp"`
}

// EmbeddingRequest mirrors the OpenAI-style embeddings payload. Input
// may be a single string or a list of strings.
type EmbeddingRequest struct {
	Model          string `json:"model,omitempty"`
	Input          any    `json:"input"`
	EncodingFormat string `json:"encoding_format,omitempty"`
	Dimensions     int    `json:"dimensions,omitempty"`
}

// NewClient creates a platform API client from config.
func NewClient(cfg *config.PlatformConfig, logger *zap.SugaredLogger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	internalURL := strings.TrimRight(cfg.InternalURL, "/")
	if internalURL == "" {
		internalURL = baseURL
	}

	return &Client{
		baseURL:     baseURL,
		internalURL: internalURL,
		internalKey: cfg.InternalKey,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		embedClient: &http.Client{Timeout: embeddingsTimeout},
		logger:      logger,
	}
}

// ValidateAPIKey checks a user API key against the platform and returns
// the account it belongs to. A rejected key yields ErrInvalidAPIKey;
// any other error means the platform could not be consulted.
func (c *Client) ValidateAPIKey(ctx context.Context, apiKey string) (*User, error) {
	reqURL := c.internalURL + "/api/auth/me"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call platform auth endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: platform returned status %d", ErrInvalidAPIKey, resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to parse platform user: %w", err)
	}

	return &user, nil
}

// GroupAccessSummary fetches the per-provider access rulings for one
// group. The caller merges rulings across the user's groups.
func (c *Client) GroupAccessSummary(ctx context.Context, group string) ([]AccessEntry, error) {
	reqURL := c.baseURL + "/api/admin/mcp/access-summary/" + url.PathEscape(group)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.internalKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call access summary endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("access summary for group %s returned status %d", group, resp.StatusCode)
	}

	var body struct {
		AccessSummary []AccessEntry `json:"access_summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse access summary: %w", err)
	}

	return body.AccessSummary, nil
}

// PostMCPLog ships one audit entry to the platform's intake endpoint.
func (c *Client) PostMCPLog(ctx context.Context, entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	reqURL := c.baseURL + "/api/mcp-logs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.internalKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post mcp log: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("mcp log intake returned status %d", resp.StatusCode)
	}

	return nil
}

// Embeddings forwards an embedding request to the platform and returns
// the raw response body and status so the caller can pass upstream
// errors through unchanged. A transport failure returns a non-nil error
// with status 0.
func (c *Client) Embeddings(ctx context.Context, embedReq *EmbeddingRequest) (json.RawMessage, int, error) {
	payload := map[string]any{"input": embedReq.Input}
	if embedReq.Model != "" {
		payload["model"] = embedReq.Model
	}
	if embedReq.EncodingFormat != "" {
		payload["encoding_format"] = embedReq.EncodingFormat
	}
	if embedReq.Dimensions != 0 {
		payload["dimensions"] = embedReq.Dimensions
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	reqURL := c.baseURL + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.embedClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to call embeddings endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read embeddings response: %w", err)
	}

	return body, resp.StatusCode, nil
}

// FormatLogTimestamp renders a timestamp the way the intake endpoint
// expects: UTC with a fixed zero millisecond field.
func FormatLogTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05") + ".000Z"
}
