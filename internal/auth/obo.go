package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/config"
)

// DefaultScope is the scope requested from the on-behalf-of exchange
// when a call does not name one.
const DefaultScope = ManagementResource + "/.default"

const oboGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// TokenExchangeError reports an on-behalf-of failure. StatusCode is the
// IdP's response status, or zero when the request never completed.
type TokenExchangeError struct {
	StatusCode int
	Detail     string
}

func (e *TokenExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token exchange failed with status %d: %s", e.StatusCode, e.Detail)
	}
	return "token exchange failed: " + e.Detail
}

// Exchanger swaps a caller's assertion token for a resource-scoped
// access token at the tenant token endpoint.
type Exchanger struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *zap.SugaredLogger
}

func NewExchanger(cfg *config.AuthConfig, logger *zap.SugaredLogger) *Exchanger {
	return &Exchanger{
		tokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		logger:       logger,
	}
}

// Exchange performs the on-behalf-of grant. An empty scope requests the
// cloud-management default.
func (e *Exchanger) Exchange(ctx context.Context, assertion, scope string) (string, error) {
	if scope == "" {
		scope = DefaultScope
	}

	form := url.Values{}
	form.Set("grant_type", oboGrantType)
	form.Set("client_id", e.clientID)
	form.Set("client_secret", e.clientSecret)
	form.Set("assertion", assertion)
	form.Set("scope", scope)
	form.Set("requested_token_use", "on_behalf_of")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Errorw("On-behalf-of exchange unreachable", "error", err)
		return "", &TokenExchangeError{Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		e.logger.Errorw("On-behalf-of exchange rejected", "status", resp.StatusCode, "body", string(body))
		return "", &TokenExchangeError{StatusCode: resp.StatusCode, Detail: string(body)}
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", &TokenExchangeError{StatusCode: resp.StatusCode, Detail: "response carried no access_token"}
	}
	return out.AccessToken, nil
}
