package authz

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfleet/fleetgate/internal/tenant"
)

// Gin context keys shared with the auth middleware, which populates the
// identity before the gate runs.
const (
	ContextIdentity = "authz_identity"
	ContextTenant   = "authz_tenant"
)

// IdentityFrom extracts the authenticated identity from the request context.
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// TenantFrom extracts the tenant snapshot attached by a passed gate check.
func TenantFrom(c *gin.Context) (*tenant.Tenant, bool) {
	v, ok := c.Get(ContextTenant)
	if !ok {
		return nil, false
	}
	t, ok := v.(*tenant.Tenant)
	return t, ok
}

// RequirePermission gates a route on one permission. On a pass it stores the
// tenant snapshot in the context, runs the handler, then records usage with
// the observed latency. On a denial it writes the rate-limit headers and the
// error body and aborts.
func RequirePermission(gate *Gate, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "authentication required",
			})
			return
		}

		d := gate.Authorize(c.Request.Context(), id, permission)
		writeDecisionHeaders(c, d)
		if !d.Allowed {
			c.AbortWithStatusJSON(denialStatus(d), d.ErrorBody())
			return
		}

		c.Set(ContextTenant, d.Tenant)
		recordAfter(c, gate, id.TenantID)
	}
}

// RequireIntegration gates a route on the integration named by the given
// path parameter.
func RequireIntegration(gate *Gate, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "authentication required",
			})
			return
		}

		key := c.Param(param)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "integration key is required",
			})
			return
		}

		d := gate.AuthorizeIntegration(c.Request.Context(), id, key)
		writeDecisionHeaders(c, d)
		if !d.Allowed {
			c.AbortWithStatusJSON(denialStatus(d), d.ErrorBody())
			return
		}

		c.Set(ContextTenant, d.Tenant)
		recordAfter(c, gate, id.TenantID)
	}
}

// recordAfter runs the handler chain and records usage once it returns.
// A panicking handler still consumes capacity: the panic is counted as a
// failed call and re-raised for the recovery middleware.
func recordAfter(c *gin.Context, gate *Gate, tenantID string) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			gate.RecordUsage(tenantID, time.Since(start), false)
			panic(r)
		}
		gate.RecordUsage(tenantID, time.Since(start), c.Writer.Status() < http.StatusBadRequest)
	}()
	c.Next()
}

func writeDecisionHeaders(c *gin.Context, d Decision) {
	for k, v := range d.Headers() {
		c.Header(k, v)
	}
}

func denialStatus(d Decision) int {
	switch d.Code {
	case DenyNotFound:
		return http.StatusNotFound
	case DenyRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}
