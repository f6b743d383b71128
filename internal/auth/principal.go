// Package auth resolves inbound credentials into principals and decides
// what those principals may do. It covers the credential chain (API
// keys, service keys, locally signed tokens, IdP tokens), the
// on-behalf-of exchange, the browser login flow, and the provider
// access policy.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Method names the chain branch that admitted a caller.
type Method string

const (
	MethodLocalAdmin  Method = "local_admin"  // no credential, local operator
	MethodSystemKey   Method = "system_key"   // awc_system_ prefixed key
	MethodAPIKey      Method = "api_key"      // awc_ prefixed user key
	MethodServiceKey  Method = "service_key"  // configured service-to-service key
	MethodInternalJWT Method = "internal_jwt" // HS256 token from the platform API
	MethodAzureAD     Method = "azure_ad"     // RS256 token from the IdP
)

// Sentinel errors returned by the verifiers. All of them map to an
// unauthorized response at the HTTP layer.
var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid token issuer")
	ErrInvalidAudience = errors.New("invalid token audience")
)

// GroupMembershipError rejects a caller whose token verified but who
// belongs to none of the authorized groups. It maps to a forbidden
// response rather than unauthorized.
type GroupMembershipError struct {
	Required []string
}

func (e *GroupMembershipError) Error() string {
	return "caller is not a member of any authorized group"
}

// Message returns the operator-facing text sent with the forbidden
// response.
func (e *GroupMembershipError) Message() string {
	return "Access denied. You must be a member of one of these groups: " + strings.Join(e.Required, ", ")
}

// Principal is the resolved identity of whoever is calling the proxy.
type Principal struct {
	UserID  string
	Name    string
	Email   string
	UPN     string
	Groups  []string
	IsAdmin bool
	Method  Method

	// Token is the raw credential carried forward for this caller. It
	// feeds the on-behalf-of exchange for identities that can go
	// through it and is empty for identities that cannot.
	Token string

	// UseServicePrincipal marks identities whose provider calls run on
	// the proxy's own service-principal credentials regardless of any
	// token they presented.
	UseServicePrincipal bool

	// SubjectClaim and UsernameClaim record which token claim supplied
	// UserID and Email, so claim drift between token versions stays
	// visible in audit output. Empty for non-JWT branches.
	SubjectClaim  string
	UsernameClaim string

	// Claims is the decoded token payload, nil for non-JWT branches.
	Claims map[string]any
}

// HasUserToken reports whether provider calls on behalf of this
// principal may use an exchanged user token. Service identities and the
// local operator run on service-principal credentials instead.
func (p *Principal) HasUserToken() bool {
	return p.Token != "" && !p.UseServicePrincipal
}

// MemberOf reports whether the principal belongs to the named group.
func (p *Principal) MemberOf(group string) bool {
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// String renders a short description for log lines.
func (p *Principal) String() string {
	return fmt.Sprintf("%s (%s, admin=%t)", p.UserID, p.Method, p.IsAdmin)
}

type principalContextKey struct{}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}
