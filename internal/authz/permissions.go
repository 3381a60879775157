package authz

import (
	"context"
	"sort"

	"github.com/openfleet/fleetgate/internal/tenant"
)

// Baseline permissions every active tenant holds.
var basePermissions = []string{"fleet:query", "data:realtime"}

// Role bundles per tier. Each bundle is a complete, independently named set:
// higher tiers happen to be supersets today, but the sets are maintained
// separately so an admin rewrite of one bundle cannot silently change
// another.
var tierBundles = map[tenant.Tier][]string{
	tenant.TierFree: { // Viewer
		"fleet:query",
		"vehicles:read",
		"fuel:read",
		"maintenance:read",
	},
	tenant.TierBasic: { // FleetUser
		"fleet:query",
		"vehicles:read",
		"vehicles:write",
		"fuel:read",
		"fuel:write",
		"maintenance:read",
		"maintenance:write",
		"insurance:read",
	},
	tenant.TierPremium: { // FleetAnalyst
		"fleet:query",
		"vehicles:read",
		"vehicles:write",
		"fuel:read",
		"fuel:write",
		"maintenance:read",
		"maintenance:write",
		"insurance:read",
		"insurance:write",
		"financials:read",
		"analytics:read",
		"reports:generate",
	},
	tenant.TierEnterprise: { // TenantAdmin
		"fleet:query",
		"vehicles:read",
		"vehicles:write",
		"fuel:read",
		"fuel:write",
		"maintenance:read",
		"maintenance:write",
		"insurance:read",
		"insurance:write",
		"financials:read",
		"financials:write",
		"analytics:read",
		"reports:generate",
		"tenant:manage",
		"keys:manage",
		"integrations:manage",
	},
}

// ResolvePermissions computes the full permission set for a tenant.
func (g *Gate) ResolvePermissions(ctx context.Context, tenantID string) ([]string, error) {
	t, err := g.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return resolvePermissions(t), nil
}

// resolvePermissions composes permissions additively with set semantics:
// baseline for active tenants, the tier's role bundle, one permission per
// enabled feature flag, and one per allow-listed integration.
func resolvePermissions(t *tenant.Tenant) []string {
	set := make(map[string]struct{})
	add := func(perms ...string) {
		for _, p := range perms {
			set[p] = struct{}{}
		}
	}

	if t.Status == tenant.StatusActive {
		add(basePermissions...)
	}
	add(tierBundles[t.Tier]...)

	if t.Features.AdvancedAIModels {
		add("fleet:query:advanced")
	}
	if t.Features.ExtendedHistoricalData {
		add("data:historical:extended")
	}
	if t.Features.DataExport {
		add("data:export")
	}

	for _, key := range t.Integrations.Allowed {
		add("integration:" + key)
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}
