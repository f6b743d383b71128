package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/config"
	"github.com/agenticwork/mcp-proxy/internal/storage"
)

// ErrInvalidState rejects login callbacks whose state is unknown,
// expired, or already redeemed.
var ErrInvalidState = errors.New("invalid or expired state parameter")

// loginScopes matches the app registration: the cloud-management
// resource, the Graph profile scopes, and offline_access for a refresh
// token.
var loginScopes = []string{
	DefaultScope,
	"User.Read",
	"openid",
	"profile",
	"email",
	"offline_access",
}

// SessionStore persists PKCE state and web sessions between the login
// redirect and the callback.
type SessionStore interface {
	SavePKCE(ctx context.Context, state, verifier string) error
	TakePKCE(ctx context.Context, state string) (string, error)
	CreateWebSession(ctx context.Context, sess *storage.WebSession) (string, error)
	GetWebSession(ctx context.Context, id string) (*storage.WebSession, error)
	DeleteWebSession(ctx context.Context, id string) error
}

// LoginService drives the browser OAuth + PKCE flow for the built-in UI
// and manages the resulting web sessions.
type LoginService struct {
	clientID     string
	clientSecret string
	redirectURI  string
	authority    string
	sessions     SessionStore
	httpClient   *http.Client
	logger       *zap.SugaredLogger
}

func NewLoginService(cfg *config.AuthConfig, sessions SessionStore, logger *zap.SugaredLogger) *LoginService {
	return &LoginService{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		authority:    "https://login.microsoftonline.com/" + cfg.TenantID,
		sessions:     sessions,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		logger:       logger,
	}
}

// BeginLogin stores a fresh PKCE verifier keyed by a random state and
// returns the IdP authorize URL to redirect the browser to.
func (s *LoginService) BeginLogin(ctx context.Context) (string, error) {
	verifier, challenge, err := newPKCEPair()
	if err != nil {
		return "", err
	}
	state, err := randomState()
	if err != nil {
		return "", err
	}
	if err := s.sessions.SavePKCE(ctx, state, verifier); err != nil {
		return "", fmt.Errorf("failed to store login state: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", s.clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", s.redirectURI)
	q.Set("scope", strings.Join(loginScopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	s.logger.Infow("Generated authorization URL", "state", state)
	return s.authority + "/oauth2/v2.0/authorize?" + q.Encode(), nil
}

// CompleteLogin redeems the authorization code, derives the user
// identity from the access token claims, and creates a web session.
// The PKCE state is single use.
func (s *LoginService) CompleteLogin(ctx context.Context, code, state string) (string, *storage.WebSession, error) {
	verifier, err := s.sessions.TakePKCE(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, ErrInvalidState
		}
		return "", nil, fmt.Errorf("failed to load login state: %w", err)
	}

	tokens, err := s.redeemCode(ctx, code, verifier)
	if err != nil {
		return "", nil, err
	}

	// The token came straight from the IdP over TLS, so its claims are
	// read without signature verification.
	claims, err := decodeUnverified(tokens.AccessToken)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode access token: %w", err)
	}

	expiresIn := tokens.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	now := time.Now().UTC()
	sess := &storage.WebSession{
		UserID:       stringClaim(claims, "oid", "sub"),
		Email:        stringClaim(claims, "preferred_username", "upn", "email"),
		Name:         stringClaim(claims, "name"),
		TenantID:     stringClaim(claims, "tid"),
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
	}

	id, err := s.sessions.CreateWebSession(ctx, sess)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Infow("Created web session", "email", sess.Email, "user_id", sess.UserID)
	return id, sess, nil
}

// CurrentUser resolves a session id to its stored identity.
func (s *LoginService) CurrentUser(ctx context.Context, sessionID string) (*storage.WebSession, error) {
	return s.sessions.GetWebSession(ctx, sessionID)
}

// Logout removes the session. Unknown ids are not an error.
func (s *LoginService) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.DeleteWebSession(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (s *LoginService) redeemCode(ctx context.Context, code, verifier string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", s.clientID)
	form.Set("client_secret", s.clientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", s.redirectURI)
	form.Set("code_verifier", verifier)
	form.Set("scope", strings.Join(loginScopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authority+"/oauth2/v2.0/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach token endpoint: %w", err)
	}
	defer resp.Body.Close()

	var tokens tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("failed to decode token response (status %d): %w", resp.StatusCode, err)
	}
	if tokens.Error != "" {
		msg := tokens.ErrorDesc
		if msg == "" {
			msg = tokens.Error
		}
		s.logger.Errorw("Authorization code exchange failed", "error", msg)
		return nil, fmt.Errorf("failed to acquire token: %s", msg)
	}
	if tokens.AccessToken == "" {
		return nil, errors.New("token response carried no access_token")
	}
	return &tokens, nil
}

func newPKCEPair() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
