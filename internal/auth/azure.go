package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.uber.org/zap"
)

// ManagementResource is the cloud-management audience accepted on
// inbound tokens and the default downstream resource for exchanged ones.
const ManagementResource = "https://management.azure.com"

// AzureVerifierConfig configures RS256 validation. JWKSURL is derived
// from the tenant when empty.
type AzureVerifierConfig struct {
	TenantID    string
	ClientID    string
	JWKSURL     string
	UserGroups  []string
	AdminGroups []string
}

// AzureVerifier validates RS256 tokens against the tenant JWKS. The IdP
// issues tokens under both its v1 and v2 issuer formats and with
// several audience spellings, so a token passes when its issuer and any
// of its audiences match the accepted sets.
type AzureVerifier struct {
	jwksURL     string
	issuers     []string
	audiences   []string
	authorized  []string // union of user and admin groups, order preserved
	adminGroups []string
	jwksCache   *jwk.Cache
	logger      *zap.SugaredLogger

	// Lazy JWKS registration, resolved on first verification.
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// NewAzureVerifier builds the verifier and its auto-refreshing JWKS
// cache. The context bounds the cache's background refresh loop.
func NewAzureVerifier(ctx context.Context, cfg AzureVerifierConfig, logger *zap.SugaredLogger) (*AzureVerifier, error) {
	httprcClient := httprc.NewClient(httprc.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = fmt.Sprintf("https://login.microsoftonline.com/%s/discovery/v2.0/keys", cfg.TenantID)
	}

	return &AzureVerifier{
		jwksURL:     jwksURL,
		issuers:     issuersForTenant(cfg.TenantID),
		audiences:   audiencesForClient(cfg.ClientID),
		authorized:  unionGroups(cfg.UserGroups, cfg.AdminGroups),
		adminGroups: cfg.AdminGroups,
		jwksCache:   cache,
		logger:      logger,
	}, nil
}

// issuersForTenant lists the issuer formats the IdP has used for this
// tenant. v1 tokens carry the sts.windows.net form.
func issuersForTenant(tenantID string) []string {
	return []string{
		fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", tenantID),
		fmt.Sprintf("https://sts.windows.net/%s/", tenantID),
		fmt.Sprintf("https://login.microsoftonline.com/%s/", tenantID),
	}
}

// audiencesForClient lists the audience spellings accepted on inbound
// tokens: the bare client id, the application ID URI, and the
// cloud-management resource used by ARM access tokens.
func audiencesForClient(clientID string) []string {
	return []string{
		clientID,
		"api://" + clientID,
		ManagementResource,
	}
}

func unionGroups(userGroups, adminGroups []string) []string {
	union := make([]string, 0, len(userGroups)+len(adminGroups))
	for _, group := range userGroups {
		if group != "" && !slices.Contains(union, group) {
			union = append(union, group)
		}
	}
	for _, group := range adminGroups {
		if group != "" && !slices.Contains(union, group) {
			union = append(union, group)
		}
	}
	return union
}

// Verify validates the token signature against the JWKS, checks issuer,
// audience, and group membership, and builds the principal.
func (v *AzureVerifier) Verify(ctx context.Context, tokenString string) (*Principal, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return v.keyFromJWKS(ctx, t)
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			v.logger.Warn("IdP token expired")
			return nil, ErrTokenExpired
		}
		v.logger.Warnw("IdP token validation failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	groups := stringsClaim(claims["groups"])
	if len(v.authorized) > 0 && !overlaps(groups, v.authorized) {
		v.logger.Warnw("Caller not in any authorized group", "groups", groups)
		return nil, &GroupMembershipError{Required: v.authorized}
	}
	isAdmin := overlaps(groups, v.adminGroups)

	userID, subjectClaim := stringClaimSource(claims, "oid", "sub")
	email, usernameClaim := stringClaimSource(claims, "email", "preferred_username")
	name := stringClaim(claims, "name")
	if name == "" {
		name = stringClaim(claims, "preferred_username")
	}

	v.logger.Debugw("IdP token validated", "user_id", userID, "admin", isAdmin)
	return &Principal{
		UserID:        userID,
		Name:          name,
		Email:         email,
		UPN:           stringClaim(claims, "upn"),
		Groups:        groups,
		IsAdmin:       isAdmin,
		Method:        MethodAzureAD,
		Token:         tokenString,
		SubjectClaim:  subjectClaim,
		UsernameClaim: usernameClaim,
		Claims:        claims,
	}, nil
}

func (v *AzureVerifier) validateClaims(claims jwt.MapClaims) error {
	issuer, err := claims.GetIssuer()
	if err != nil || !slices.Contains(v.issuers, issuer) {
		return ErrInvalidIssuer
	}
	audience, err := claims.GetAudience()
	if err != nil {
		return ErrInvalidAudience
	}
	for _, aud := range audience {
		if slices.Contains(v.audiences, aud) {
			return nil
		}
	}
	return ErrInvalidAudience
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first
// use so a slow IdP cannot block startup.
func (v *AzureVerifier) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksCache.Register(registrationCtx, v.jwksURL); err != nil {
		v.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

func (v *AzureVerifier) keyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksCache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to look up JWKS: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export JWKS key: %w", err)
	}
	return rawKey, nil
}
