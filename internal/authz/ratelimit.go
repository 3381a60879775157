package authz

import (
	"sync"
	"time"

	"github.com/openfleet/fleetgate/internal/tenant"
)

const (
	// minuteWindow is the sliding short-window span.
	minuteWindow = time.Minute
	// historyRetention bounds how long usage events are kept. Events only
	// need to outlive the sliding window; the tenant record's aggregate
	// counters are the durable summary.
	historyRetention = 24 * time.Hour
)

// UsageEvent is the ephemeral record of one completed call.
type UsageEvent struct {
	Timestamp    time.Time
	Count        int
	ResponseTime time.Duration
	Success      bool
}

// usageHistory keeps recent usage events per tenant for the sliding-window
// check. Old events are pruned opportunistically on write.
type usageHistory struct {
	mu     sync.RWMutex
	events map[string][]UsageEvent
}

func newUsageHistory() *usageHistory {
	return &usageHistory{events: make(map[string][]UsageEvent)}
}

func (h *usageHistory) record(tenantID string, ev UsageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := ev.Timestamp.Add(-historyRetention)
	kept := h.events[tenantID][:0]
	for _, e := range h.events[tenantID] {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	h.events[tenantID] = append(kept, ev)
}

// windowCount sums call counts inside the trailing window ending at now and
// returns the timestamp of the oldest contributing event.
func (h *usageHistory) windowCount(tenantID string, now time.Time, window time.Duration) (count int, oldest time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := now.Add(-window)
	for _, e := range h.events[tenantID] {
		if e.Timestamp.After(cutoff) && !e.Timestamp.After(now) {
			count += e.Count
			if oldest.IsZero() || e.Timestamp.Before(oldest) {
				oldest = e.Timestamp
			}
		}
	}
	return count, oldest
}

// RateLimitResult is the outcome of a quota check.
type RateLimitResult struct {
	Allowed   bool
	Reason    string
	Limit     int
	Remaining int
	ResetTime time.Time
	Current   int
}

// checkRateLimit evaluates the daily window first (the coarser, cheaper
// check), then the per-minute sliding window. Either failure short-circuits.
//
// The check never records usage; recording happens after the caller's
// operation completes. Concurrent in-flight requests can therefore exceed
// the limit by at most the concurrency width, which is an accepted
// approximation.
func (g *Gate) checkRateLimit(t *tenant.Tenant) RateLimitResult {
	now := g.clock.Now()

	// Rollover is observed lazily: the persisted counter is only reset on
	// the next recorded call, but a check after the boundary sees zero.
	callsToday := t.Usage.CallsToday
	if pastDailyReset(t.Usage.LastDailyReset, now) {
		callsToday = 0
	}

	if callsToday >= t.Limits.RequestsPerDay {
		return RateLimitResult{
			Allowed:   false,
			Reason:    "daily request limit reached",
			Limit:     t.Limits.RequestsPerDay,
			Remaining: 0,
			ResetTime: nextUTCMidnight(now),
			Current:   callsToday,
		}
	}

	minuteCount, oldest := g.history.windowCount(t.ID, now, minuteWindow)
	if minuteCount >= t.Limits.RequestsPerMinute {
		return RateLimitResult{
			Allowed:   false,
			Reason:    "per-minute request limit reached",
			Limit:     t.Limits.RequestsPerMinute,
			Remaining: 0,
			ResetTime: oldest.Add(minuteWindow),
			Current:   minuteCount,
		}
	}

	return RateLimitResult{
		Allowed:   true,
		Limit:     t.Limits.RequestsPerDay,
		Remaining: t.Limits.RequestsPerDay - callsToday,
		ResetTime: nextUTCMidnight(now),
		Current:   callsToday,
	}
}

// pastDailyReset reports whether now falls on a later UTC calendar day than
// the last reset.
func pastDailyReset(lastReset, now time.Time) bool {
	last := lastReset.UTC()
	cur := now.UTC()
	ly, lm, ld := last.Date()
	cy, cm, cd := cur.Date()
	if cy != ly {
		return cy > ly
	}
	if cm != lm {
		return cm > lm
	}
	return cd > ld
}

// pastMonthlyReset reports whether now falls in a later UTC calendar month.
func pastMonthlyReset(lastReset, now time.Time) bool {
	last := lastReset.UTC()
	cur := now.UTC()
	if cur.Year() != last.Year() {
		return cur.Year() > last.Year()
	}
	return cur.Month() > last.Month()
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
