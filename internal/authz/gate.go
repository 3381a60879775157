package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openfleet/fleetgate/internal/metrics"
	"github.com/openfleet/fleetgate/internal/syncutil"
	"github.com/openfleet/fleetgate/internal/tenant"
	"github.com/openfleet/fleetgate/internal/traces"
)

// Gate is the orchestrating component called once per inbound request.
type Gate struct {
	tenants tenant.Store
	history *usageHistory
	clock   Clock
	logger  *slog.Logger
	locks   syncutil.ShardedMutex
	events  EventSink
}

// EventSink receives decision and usage events for live streaming.
// Implementations must not block; the gate calls it on the request path.
type EventSink interface {
	BroadcastDecision(tenantID string, data map[string]interface{})
	BroadcastUsage(tenantID string, data map[string]interface{})
}

// Option configures the gate.
type Option func(*Gate)

// WithClock sets a custom clock (for testing window boundaries).
func WithClock(c Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithEvents attaches a sink that receives every decision and usage record.
func WithEvents(sink EventSink) Option {
	return func(g *Gate) { g.events = sink }
}

// NewGate creates a gate over the given tenant store.
func NewGate(store tenant.Store, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		tenants: store,
		history: newUsageHistory(),
		clock:   systemClock{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize produces a pass/fail decision for one operation. Checks run in
// order — status/subscription, rate limits, tenant permission, key scope —
// and the first failure wins. Denials are values, never errors; a storage
// fault collapses into a generic denial so the caller always gets a
// disposition.
func (g *Gate) Authorize(ctx context.Context, id Identity, permission string) Decision {
	ctx, span := traces.StartSpan(ctx, "authz.Authorize",
		traces.TenantID(id.TenantID), traces.Permission(permission))
	defer span.End()

	d := g.authorize(ctx, id, permission)
	g.observe(id, permission, d)
	return d
}

// AuthorizeIntegration authorizes use of an integration. Beyond the
// integration:<key> permission it re-checks allow-list membership against a
// fresh read, since the allow-list can change while a decision is in flight
// (an admin may revoke an integration between the permission resolution and
// the final word here).
func (g *Gate) AuthorizeIntegration(ctx context.Context, id Identity, integrationKey string) Decision {
	ctx, span := traces.StartSpan(ctx, "authz.AuthorizeIntegration",
		traces.TenantID(id.TenantID), traces.IntegrationKey(integrationKey))
	defer span.End()

	permission := "integration:" + integrationKey
	d := g.authorize(ctx, id, permission)
	if d.Allowed {
		t, err := g.tenants.Get(ctx, id.TenantID)
		switch {
		case err != nil:
			g.logger.Error("allow-list re-check failed",
				"tenant", id.TenantID, "integration", integrationKey, "error", err)
			d = deny(DenyError, "authorization failed", d.Timestamp)
		case !t.Integrations.Contains(integrationKey):
			d = deny(DenyForbidden,
				fmt.Sprintf("integration %q is not in the tenant allow-list", integrationKey),
				d.Timestamp)
		}
	}
	g.observe(id, permission, d)
	return d
}

func (g *Gate) authorize(ctx context.Context, id Identity, permission string) Decision {
	now := g.clock.Now()

	t, err := g.tenants.Get(ctx, id.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return deny(DenyNotFound, "tenant not found", now)
		}
		g.logger.Error("tenant lookup failed", "tenant", id.TenantID, "error", err)
		return deny(DenyError, "authorization failed", now)
	}

	if sub := g.validateRecord(t); !sub.Valid {
		if sub.Reason == "subscription expired" {
			days := 0
			if sub.DaysUntilExpiry != nil {
				days = -*sub.DaysUntilExpiry
			}
			return deny(DenyExpired,
				fmt.Sprintf("subscription expired %d days ago", days), now)
		}
		return deny(DenyInactive, sub.Reason, now)
	}

	rl := g.checkRateLimit(t)
	snapshot := &RateLimitInfo{
		Limit:     rl.Limit,
		Remaining: rl.Remaining,
		ResetTime: rl.ResetTime,
		Current:   rl.Current,
	}
	if !rl.Allowed {
		d := deny(DenyRateLimited, rl.Reason, now)
		d.RateLimit = snapshot
		return d
	}

	// Tenant entitlement and key scope are distinct failure causes and the
	// reasons must not be conflated: operators fix the first by changing the
	// tenant's tier or flags, the second by reissuing the key.
	perms := resolvePermissions(t)
	if !hasPermission(perms, permission) {
		return deny(DenyForbidden,
			fmt.Sprintf("tenant lacks permission %q", permission), now)
	}
	if !id.HasScope(permission) {
		return deny(DenyForbidden,
			fmt.Sprintf("API key is not scoped for %q", permission), now)
	}

	return allow(t, snapshot, now)
}

// RecordUsage records one completed call against the tenant's counters and
// the sliding-window history. It is fire-and-forget: failures are logged and
// swallowed, never propagated to the request that triggered them. Callers
// invoke it once per attempted operation whether or not the operation
// succeeded, since failed calls still consume capacity.
func (g *Gate) RecordUsage(tenantID string, responseTime time.Duration, success bool) {
	// Rollover detection and the increment are one atomic unit per tenant.
	unlock := g.locks.Lock(tenantID)
	defer unlock()

	ctx := context.Background()
	t, err := g.tenants.Get(ctx, tenantID)
	if err != nil {
		g.logger.Warn("usage not recorded: tenant lookup failed",
			"tenant", tenantID, "error", err)
		return
	}

	now := g.clock.Now()
	if pastDailyReset(t.Usage.LastDailyReset, now) {
		t.Usage.CallsToday = 0
		t.Usage.LastDailyReset = now
	}
	if pastMonthlyReset(t.Usage.LastMonthlyReset, now) {
		t.Usage.CallsThisMonth = 0
		t.Usage.LastMonthlyReset = now
	}
	t.Usage.CallsToday++
	t.Usage.CallsThisMonth++

	// Incremental mean over the month for latency and error rate.
	n := float64(t.Usage.CallsThisMonth)
	ms := float64(responseTime.Milliseconds())
	t.Usage.AvgResponseMs += (ms - t.Usage.AvgResponseMs) / n
	failPct := 0.0
	if !success {
		failPct = 100.0
	}
	t.Usage.ErrorRatePct += (failPct - t.Usage.ErrorRatePct) / n
	t.UpdatedAt = now

	if err := g.tenants.Update(ctx, t); err != nil {
		g.logger.Warn("usage counters not persisted", "tenant", tenantID, "error", err)
	}

	g.history.record(tenantID, UsageEvent{
		Timestamp:    now,
		Count:        1,
		ResponseTime: responseTime,
		Success:      success,
	})
	metrics.UsageRecorded.Inc()

	if g.events != nil {
		g.events.BroadcastUsage(tenantID, map[string]interface{}{
			"responseMs": responseTime.Milliseconds(),
			"success":    success,
			"callsToday": t.Usage.CallsToday,
		})
	}
}

func (g *Gate) observe(id Identity, permission string, d Decision) {
	outcome := "allowed"
	if !d.Allowed {
		outcome = string(d.Code)
	}
	metrics.AuthzDecisions.WithLabelValues(outcome).Inc()
	if d.RateLimited() {
		metrics.RateLimitDenials.Inc()
	}
	if !d.Allowed {
		g.logger.Info("authorization denied",
			"tenant", id.TenantID,
			"key", id.APIKeyID,
			"permission", permission,
			"code", string(d.Code),
			"reason", d.Reason,
		)
	}

	if g.events != nil {
		g.events.BroadcastDecision(id.TenantID, map[string]interface{}{
			"allowed":    d.Allowed,
			"code":       string(d.Code),
			"reason":     d.Reason,
			"permission": permission,
			"keyId":      id.APIKeyID,
		})
	}
}
