package authz

import (
	"strconv"
	"time"

	"github.com/openfleet/fleetgate/internal/tenant"
)

// DenialCode classifies why a request was denied.
type DenialCode string

const (
	DenyNotFound    DenialCode = "not_found"
	DenyInactive    DenialCode = "inactive"
	DenyExpired     DenialCode = "expired"
	DenyRateLimited DenialCode = "rate_limited"
	DenyForbidden   DenialCode = "forbidden"
	DenyError       DenialCode = "error"
)

// RateLimitInfo is a snapshot of the caller's quota at decision time.
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
	Current   int       `json:"current"`
}

// Decision is the gate's output for one request. It is constructed once and
// never mutated; the HTTP layer projects it into headers and an error body.
type Decision struct {
	Allowed   bool
	Code      DenialCode
	Reason    string
	RateLimit *RateLimitInfo
	Tenant    *tenant.Tenant
	Timestamp time.Time
}

// RateLimited reports whether the denial carries retry-later semantics.
// It is the only denial kind where retrying without a config change helps.
func (d Decision) RateLimited() bool {
	return !d.Allowed && d.Code == DenyRateLimited
}

// RetryAfter returns how long the caller should wait before retrying.
// Zero unless the decision is rate-limited.
func (d Decision) RetryAfter() time.Duration {
	if !d.RateLimited() || d.RateLimit == nil {
		return 0
	}
	wait := d.RateLimit.ResetTime.Sub(d.Timestamp)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Headers projects the decision into rate-limit response headers. Values are
// always non-negative and Remaining never exceeds Limit, even when in-flight
// concurrency pushed the counters transiently past the quota.
func (d Decision) Headers() map[string]string {
	h := make(map[string]string)
	if rl := d.RateLimit; rl != nil {
		remaining := rl.Remaining
		if remaining < 0 {
			remaining = 0
		}
		if remaining > rl.Limit {
			remaining = rl.Limit
		}
		h["X-RateLimit-Limit"] = strconv.Itoa(rl.Limit)
		h["X-RateLimit-Remaining"] = strconv.Itoa(remaining)
		h["X-RateLimit-Reset"] = strconv.FormatInt(rl.ResetTime.Unix(), 10)
	}
	if d.RateLimited() {
		secs := int64(d.RetryAfter() / time.Second)
		if secs < 1 {
			secs = 1
		}
		h["Retry-After"] = strconv.FormatInt(secs, 10)
	}
	return h
}

// ErrorBody projects a denial into the JSON error response shape.
func (d Decision) ErrorBody() map[string]interface{} {
	body := map[string]interface{}{
		"success":   false,
		"error":     d.Reason,
		"timestamp": d.Timestamp.UTC().Format(time.RFC3339),
	}
	if d.RateLimited() && d.RateLimit != nil {
		remaining := d.RateLimit.Remaining
		if remaining < 0 {
			remaining = 0
		}
		body["rateLimitInfo"] = map[string]interface{}{
			"limit":             d.RateLimit.Limit,
			"remaining":         remaining,
			"resetTime":         d.RateLimit.ResetTime.UTC().Format(time.RFC3339),
			"retryAfterSeconds": int64(d.RetryAfter() / time.Second),
		}
	}
	return body
}

func allow(t *tenant.Tenant, rl *RateLimitInfo, now time.Time) Decision {
	return Decision{
		Allowed:   true,
		RateLimit: rl,
		Tenant:    t,
		Timestamp: now,
	}
}

func deny(code DenialCode, reason string, now time.Time) Decision {
	return Decision{
		Allowed:   false,
		Code:      code,
		Reason:    reason,
		Timestamp: now,
	}
}
