package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/platform"
)

// Policy rulings as the platform reports them.
const (
	AccessAllow = "allow"
	AccessDeny  = "deny"
)

// adminOnlyProviders are barred from non-admin callers unless a policy
// explicitly allows them.
var adminOnlyProviders = map[string]struct{}{
	"admin":          {},
	"awp_admin":      {},
	"awp_kubernetes": {},
}

// AdminOnly reports whether the named provider is barred from
// non-admin callers by default. Denial messages distinguish this case
// from a policy ruling.
func AdminOnly(name string) bool {
	_, ok := adminOnlyProviders[name]
	return ok
}

// AccessFetcher returns the per-group policy rulings from the platform.
type AccessFetcher interface {
	GroupAccessSummary(ctx context.Context, group string) ([]platform.AccessEntry, error)
}

// PolicyEngine merges per-group platform rulings and answers provider
// access questions for a principal.
type PolicyEngine struct {
	fetcher AccessFetcher
	logger  *zap.SugaredLogger
}

func NewPolicyEngine(fetcher AccessFetcher, logger *zap.SugaredLogger) *PolicyEngine {
	return &PolicyEngine{fetcher: fetcher, logger: logger}
}

// Policies fetches the rulings for each group and merges them into a
// provider-name map. Allow beats deny when groups disagree. A group
// whose fetch fails contributes nothing and the merge continues; with
// no fetcher configured the map is empty and defaults decide.
func (e *PolicyEngine) Policies(ctx context.Context, groups []string) map[string]string {
	access := make(map[string]string)
	if e.fetcher == nil {
		return access
	}
	for _, group := range groups {
		entries, err := e.fetcher.GroupAccessSummary(ctx, group)
		if err != nil {
			e.logger.Warnw("Failed to fetch access policies for group", "group", group, "error", err)
			continue
		}
		for _, entry := range entries {
			name := entry.Server.Name
			if _, seen := access[name]; !seen || entry.Access == AccessAllow {
				access[name] = entry.Access
			}
		}
	}
	e.logger.Debugw("Fetched access policies", "providers", len(access))
	return access
}

// Allowed reports whether the principal may reach the named provider
// under the given policy map: admins always may, an explicit ruling is
// followed, admin-only providers are denied, everything else is open.
func (e *PolicyEngine) Allowed(provider string, p *Principal, policies map[string]string) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin {
		return true
	}
	if access, ok := policies[provider]; ok {
		return access == AccessAllow
	}
	if _, ok := adminOnlyProviders[provider]; ok {
		return false
	}
	return true
}

// CheckAccess fetches the caller's policies and evaluates a single
// provider. Admins skip the fetch entirely.
func (e *PolicyEngine) CheckAccess(ctx context.Context, provider string, p *Principal) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin {
		return true
	}
	return e.Allowed(provider, p, e.Policies(ctx, p.Groups))
}
