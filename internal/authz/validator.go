package authz

import (
	"context"
	"fmt"

	"github.com/openfleet/fleetgate/internal/tenant"
)

// Subscriptions within this many days of expiry are flagged as in grace
// period so clients can surface a renewal warning.
const gracePeriodDays = 7

// SubscriptionCheck is the validator's verdict on whether a tenant's account
// is usable at all.
type SubscriptionCheck struct {
	Valid           bool          `json:"valid"`
	Reason          string        `json:"reason,omitempty"`
	Status          tenant.Status `json:"status,omitempty"`
	DaysUntilExpiry *int          `json:"daysUntilExpiry,omitempty"`
	InGracePeriod   bool          `json:"inGracePeriod"`
}

// ValidateSubscription checks tenant lifecycle status and subscription
// expiry. It runs before permission resolution so an expired but still
// nominally active tenant is denied.
func (g *Gate) ValidateSubscription(ctx context.Context, tenantID string) SubscriptionCheck {
	t, err := g.tenants.Get(ctx, tenantID)
	if err != nil {
		return SubscriptionCheck{Valid: false, Reason: "tenant not found"}
	}
	return g.validateRecord(t)
}

func (g *Gate) validateRecord(t *tenant.Tenant) SubscriptionCheck {
	if t.Status != tenant.StatusActive {
		return SubscriptionCheck{
			Valid:  false,
			Reason: fmt.Sprintf("tenant is %s", t.Status),
			Status: t.Status,
		}
	}

	if t.SubscriptionExpiresAt == nil {
		// Perpetual subscription.
		return SubscriptionCheck{Valid: true, Status: t.Status}
	}

	// Whole days, truncated toward zero so a 25-hour-old expiry reads as
	// one day ago, not two.
	now := g.clock.Now()
	days := int(t.SubscriptionExpiresAt.Sub(now).Hours() / 24)

	if now.After(*t.SubscriptionExpiresAt) {
		return SubscriptionCheck{
			Valid:           false,
			Reason:          "subscription expired",
			Status:          t.Status,
			DaysUntilExpiry: &days,
		}
	}

	return SubscriptionCheck{
		Valid:           true,
		Status:          t.Status,
		DaysUntilExpiry: &days,
		InGracePeriod:   days <= gracePeriodDays,
	}
}
