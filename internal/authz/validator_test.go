package authz

import (
	"context"
	"testing"
	"time"

	"github.com/openfleet/fleetgate/internal/tenant"
)

func seedTenant(t *testing.T, store tenant.Store, id string, mutate func(*tenant.Tenant)) {
	t.Helper()
	tn := tenant.New(id, "Validator Co", tenant.TierBasic, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if mutate != nil {
		mutate(tn)
	}
	if err := store.Create(context.Background(), tn); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestValidateSubscription(t *testing.T) {
	store := tenant.NewMemoryStore()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	g := NewGate(store, testLogger(), WithClock(clock))

	in3Days := now.Add(3 * 24 * time.Hour)
	in30Days := now.Add(30 * 24 * time.Hour)
	ago5Days := now.Add(-5 * 24 * time.Hour)
	ago25Hours := now.Add(-25 * time.Hour)

	seedTenant(t, store, "ten_active", nil)
	seedTenant(t, store, "ten_pending", func(tn *tenant.Tenant) { tn.Status = tenant.StatusPending })
	seedTenant(t, store, "ten_suspended", func(tn *tenant.Tenant) { tn.Status = tenant.StatusSuspended })
	seedTenant(t, store, "ten_disabled", func(tn *tenant.Tenant) { tn.Status = tenant.StatusDisabled })
	seedTenant(t, store, "ten_grace", func(tn *tenant.Tenant) { tn.SubscriptionExpiresAt = &in3Days })
	seedTenant(t, store, "ten_healthy", func(tn *tenant.Tenant) { tn.SubscriptionExpiresAt = &in30Days })
	seedTenant(t, store, "ten_expired", func(tn *tenant.Tenant) { tn.SubscriptionExpiresAt = &ago5Days })
	seedTenant(t, store, "ten_just_expired", func(tn *tenant.Tenant) { tn.SubscriptionExpiresAt = &ago25Hours })

	tests := []struct {
		name      string
		tenantID  string
		valid     bool
		reason    string
		grace     bool
		days      *int
		wantDays  int
		checkDays bool
	}{
		{name: "unknown tenant", tenantID: "ten_nope", valid: false, reason: "tenant not found"},
		{name: "active perpetual", tenantID: "ten_active", valid: true},
		{name: "pending", tenantID: "ten_pending", valid: false, reason: "tenant is pending"},
		{name: "suspended", tenantID: "ten_suspended", valid: false, reason: "tenant is suspended"},
		{name: "disabled", tenantID: "ten_disabled", valid: false, reason: "tenant is disabled"},
		{name: "inside grace window", tenantID: "ten_grace", valid: true, grace: true, checkDays: true, wantDays: 3},
		{name: "healthy subscription", tenantID: "ten_healthy", valid: true, grace: false, checkDays: true, wantDays: 30},
		{name: "expired", tenantID: "ten_expired", valid: false, reason: "subscription expired", checkDays: true, wantDays: -5},
		{name: "expired 25 hours counts one day", tenantID: "ten_just_expired", valid: false, reason: "subscription expired", checkDays: true, wantDays: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := g.ValidateSubscription(context.Background(), tt.tenantID)
			if check.Valid != tt.valid {
				t.Fatalf("valid = %v, want %v (reason %q)", check.Valid, tt.valid, check.Reason)
			}
			if tt.reason != "" && check.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", check.Reason, tt.reason)
			}
			if check.InGracePeriod != tt.grace {
				t.Errorf("grace = %v, want %v", check.InGracePeriod, tt.grace)
			}
			if tt.checkDays {
				if check.DaysUntilExpiry == nil {
					t.Fatal("expected daysUntilExpiry to be set")
				}
				if *check.DaysUntilExpiry != tt.wantDays {
					t.Errorf("days = %d, want %d", *check.DaysUntilExpiry, tt.wantDays)
				}
			}
		})
	}
}

func TestValidateSubscription_PerpetualNeverInGrace(t *testing.T) {
	store := tenant.NewMemoryStore()
	g := NewGate(store, testLogger())
	seedTenant(t, store, "ten_forever", nil)

	check := g.ValidateSubscription(context.Background(), "ten_forever")
	if !check.Valid || check.InGracePeriod {
		t.Errorf("perpetual subscription: valid=%v grace=%v, want true/false",
			check.Valid, check.InGracePeriod)
	}
	if check.DaysUntilExpiry != nil {
		t.Error("perpetual subscription should not report days until expiry")
	}
}

func TestValidateSubscription_StatusBeforeExpiry(t *testing.T) {
	store := tenant.NewMemoryStore()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	g := NewGate(store, testLogger(), WithClock(&fakeClock{now: now}))

	// Suspended AND expired: the status rule runs first
	ago := now.Add(-24 * time.Hour)
	seedTenant(t, store, "ten_both", func(tn *tenant.Tenant) {
		tn.Status = tenant.StatusSuspended
		tn.SubscriptionExpiresAt = &ago
	})

	check := g.ValidateSubscription(context.Background(), "ten_both")
	if check.Reason != "tenant is suspended" {
		t.Errorf("reason = %q, want status to win over expiry", check.Reason)
	}
}
