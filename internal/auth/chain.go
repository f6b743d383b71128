package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/config"
	"github.com/agenticwork/mcp-proxy/internal/platform"
)

const (
	systemKeyPrefix = "awc_system_"
	userKeyPrefix   = "awc_"
)

// serviceKeyOrder fixes the match order for configured service keys so
// overlapping key values always resolve to the same identity. Names not
// listed here are tried afterwards in alphabetical order.
var serviceKeyOrder = []string{"flowise", "api"}

var serviceDisplayNames = map[string]string{
	"flowise": "Flowise Service",
	"api":     "AgenticWork API Service",
}

// PlatformValidator checks opaque user API keys against the platform.
type PlatformValidator interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (*platform.User, error)
}

type serviceKey struct {
	name string
	key  string
}

// Authenticator works an inbound bearer credential through the
// credential chain:
//
//  1. no credential: the local operator, full admin
//  2. awc_system_ prefix: system root on service-principal credentials
//  3. awc_ prefix: opaque user API key, validated against the platform
//  4. configured service keys, matched by exact value
//  5. HS256 token without kid: verified with the shared secret
//  6. anything else: RS256 token verified against the tenant JWKS
//
// Classification is final. Once a branch claims a credential, its
// failure is the caller's answer; a rejected API key is never retried
// as a JWT.
type Authenticator struct {
	platform PlatformValidator
	local    *LocalVerifier
	azure    *AzureVerifier
	keys     []serviceKey
	logger   *zap.SugaredLogger
}

// NewAuthenticator assembles the chain from its verifiers.
func NewAuthenticator(cfg *config.AuthConfig, pv PlatformValidator, local *LocalVerifier, azure *AzureVerifier, logger *zap.SugaredLogger) *Authenticator {
	return &Authenticator{
		platform: pv,
		local:    local,
		azure:    azure,
		keys:     orderedServiceKeys(cfg.InternalKeys),
		logger:   logger,
	}
}

// Authenticate resolves a bearer credential into a Principal. The token
// argument is the credential with any "Bearer " prefix already removed;
// empty means the caller presented nothing.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		a.logger.Debug("No credentials presented, using local admin identity")
		return localAdminPrincipal(), nil
	}

	if strings.HasPrefix(token, systemKeyPrefix) {
		a.logger.Info("System API key presented, provider calls will use service principal credentials")
		return systemRootPrincipal(), nil
	}

	if strings.HasPrefix(token, userKeyPrefix) {
		return a.authenticateAPIKey(ctx, token)
	}

	if name, ok := a.matchServiceKey(token); ok {
		a.logger.Infow("Service key presented", "service", name)
		return serviceAccountPrincipal(name), nil
	}

	alg, kid, err := tokenHeader(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if alg == "HS256" && kid == "" {
		return a.local.Verify(token)
	}
	if a.azure == nil {
		// IdP verification is only wired up when auth is enabled.
		return nil, fmt.Errorf("%w: identity provider verification is not configured", ErrInvalidToken)
	}
	return a.azure.Verify(ctx, token)
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, token string) (*Principal, error) {
	user, err := a.platform.ValidateAPIKey(ctx, token)
	if err != nil {
		a.logger.Warnw("API key validation failed", "error", err)
		return nil, fmt.Errorf("api key validation failed: %w", err)
	}

	userID := user.ID
	if userID == "" {
		userID = "unknown"
	}
	name := user.Name
	if name == "" {
		name = user.Email
	}
	if name == "" {
		name = "API User"
	}
	email := user.Email
	if email == "" {
		email = "api-user@agenticwork.io"
	}

	a.logger.Infow("API key validated", "email", email)
	return &Principal{
		UserID:  userID,
		Name:    name,
		Email:   email,
		Groups:  user.Groups,
		IsAdmin: user.IsAdmin,
		Method:  MethodAPIKey,
		// The key itself is the assertion for the on-behalf-of exchange.
		Token: token,
	}, nil
}

func (a *Authenticator) matchServiceKey(token string) (string, bool) {
	for _, sk := range a.keys {
		if token == sk.key {
			return sk.name, true
		}
	}
	return "", false
}

func orderedServiceKeys(configured map[string]string) []serviceKey {
	keys := make([]serviceKey, 0, len(configured))
	seen := make(map[string]bool, len(configured))
	for _, name := range serviceKeyOrder {
		seen[name] = true
		if v := configured[name]; v != "" {
			keys = append(keys, serviceKey{name: name, key: v})
		}
	}
	extras := make([]string, 0, len(configured))
	for name, v := range configured {
		if !seen[name] && v != "" {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	for _, name := range extras {
		keys = append(keys, serviceKey{name: name, key: configured[name]})
	}
	return keys
}

func localAdminPrincipal() *Principal {
	return &Principal{
		UserID:  "system-admin",
		Name:    "System Admin",
		Email:   "admin@local",
		Groups:  []string{"system-admins"},
		IsAdmin: true,
		Method:  MethodLocalAdmin,
	}
}

func systemRootPrincipal() *Principal {
	return &Principal{
		UserID:              "system-root",
		Name:                "System Root",
		Email:               "system@agenticwork.io",
		Groups:              []string{"system-admins"},
		IsAdmin:             true,
		Method:              MethodSystemKey,
		UseServicePrincipal: true,
	}
}

func serviceAccountPrincipal(name string) *Principal {
	display := serviceDisplayNames[name]
	if display == "" {
		display = name + " service"
	}
	return &Principal{
		UserID:              name + "-service",
		Name:                display,
		Email:               name + "@agenticwork.io",
		Groups:              []string{"service-accounts"},
		IsAdmin:             true,
		Method:              MethodServiceKey,
		UseServicePrincipal: true,
	}
}
