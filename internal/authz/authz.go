// Package authz implements the tenant authorization and rate-limiting gate.
//
// The gate sits in front of every tenant-affecting operation. For each
// inbound request it checks, in order: subscription/status validity, daily
// and per-minute rate limits, tenant permissions, and API-key scopes. The
// first failure short-circuits into a denial decision. Usage recording is a
// separate, unconditional second phase so that authorization may also be
// evaluated speculatively.
package authz

import "time"

// Identity is the resolved caller identity produced by authentication.
type Identity struct {
	TenantID string
	APIKeyID string
	// Scopes restricts what the key may do. Empty means no restriction
	// beyond the tenant's own permissions.
	Scopes []string
}

// HasScope reports whether the identity's scope list permits the given
// permission. An empty scope list permits everything.
func (id Identity) HasScope(permission string) bool {
	if len(id.Scopes) == 0 {
		return true
	}
	for _, s := range id.Scopes {
		if s == permission {
			return true
		}
	}
	return false
}

// Clock abstracts time for deterministic window-boundary tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
