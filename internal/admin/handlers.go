// Package admin provides the operator surface for tenant lifecycle and key
// management. Every route here sits behind the shared admin secret; tenants
// never call these endpoints themselves.
package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfleet/fleetgate/internal/auth"
	"github.com/openfleet/fleetgate/internal/idgen"
	"github.com/openfleet/fleetgate/internal/pagination"
	"github.com/openfleet/fleetgate/internal/tenant"
	"github.com/openfleet/fleetgate/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	store   tenant.Store
	svc     *tenant.Service
	authMgr *auth.Manager
	events  Notifier
}

// Notifier receives tenant lifecycle events, typically the live operator
// stream. Implementations must not block.
type Notifier interface {
	BroadcastTenant(tenantID string, data map[string]interface{})
}

// NewHandler creates a new admin handler.
func NewHandler(store tenant.Store, svc *tenant.Service, authMgr *auth.Manager) *Handler {
	return &Handler{store: store, svc: svc, authMgr: authMgr}
}

// SetNotifier attaches a lifecycle event sink.
func (h *Handler) SetNotifier(n Notifier) { h.events = n }

func (h *Handler) notify(tenantID, action string) {
	if h.events != nil {
		h.events.BroadcastTenant(tenantID, map[string]interface{}{"action": action})
	}
}

// RegisterRoutes sets up the admin routes on a group already guarded by
// auth.RequireAdmin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants", h.ListTenants)
	r.GET("/tenants/:id", h.GetTenant)
	r.PATCH("/tenants/:id", h.UpdateTenant)
	r.POST("/tenants/:id/suspend", h.SuspendTenant)
	r.POST("/tenants/:id/reactivate", h.ReactivateTenant)
	r.POST("/tenants/:id/keys", h.CreateKey)
	r.GET("/tenants/:id/keys", h.ListKeys)
	r.DELETE("/tenants/:id/keys/:keyId", h.RevokeKey)
}

// CreateTenant handles POST /admin/tenants.
func (h *Handler) CreateTenant(c *gin.Context) {
	var req struct {
		Name                  string      `json:"name" binding:"required"`
		Tier                  tenant.Tier `json:"tier"`
		SubscriptionExpiresAt *time.Time  `json:"subscriptionExpiresAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name required"})
		return
	}

	if req.Tier == "" {
		req.Tier = tenant.TierFree
	}
	if !tenant.ValidTier(req.Tier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
		return
	}

	t := tenant.New(idgen.WithPrefix("ten_"), validation.SanitizeString(req.Name, 200), req.Tier, time.Now())
	t.SubscriptionExpiresAt = req.SubscriptionExpiresAt

	if err := h.store.Create(c.Request.Context(), t); err != nil {
		if errors.Is(err, tenant.ErrTenantExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "tenant_exists", "message": "tenant already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create tenant"})
		return
	}
	h.notify(t.ID, "created")

	// Mint a first unrestricted key so the tenant can start calling.
	rawKey, keyInfo, err := h.authMgr.GenerateKey(c.Request.Context(), t.ID, "Initial key", nil)
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{
			"tenant":  t,
			"warning": "Tenant created but key generation failed. Mint a key separately.",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"tenant":  t,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// ListTenants handles GET /admin/tenants with optional status and tier
// filters plus cursor pagination over the ID-ordered result set.
func (h *Handler) ListTenants(c *gin.Context) {
	filter := tenant.Filter{
		Status: tenant.Status(c.Query("status")),
		Tier:   tenant.Tier(c.Query("tier")),
	}

	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "malformed cursor"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	limit = pagination.ClampLimit(limit)

	tenants, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	page, next, more := pagination.Page(tenants, after, limit, func(t *tenant.Tenant) string { return t.ID })
	resp := gin.H{"tenants": page, "count": len(page), "hasMore": more}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetTenant handles GET /admin/tenants/:id.
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// UpdateTenant handles PATCH /admin/tenants/:id. Changing the tier reapplies
// that tier's default limits, features, and integration caps; explicit
// feature or integration overrides in the same request win over defaults.
func (h *Handler) UpdateTenant(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}

	var req struct {
		Name                  *string              `json:"name"`
		Tier                  *tenant.Tier         `json:"tier"`
		SubscriptionExpiresAt *time.Time           `json:"subscriptionExpiresAt"`
		ClearSubscription     bool                 `json:"clearSubscription"`
		Features              *tenant.Features     `json:"features"`
		Integrations          *tenant.Integrations `json:"integrations"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Name != nil {
		t.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.Tier != nil {
		if !tenant.ValidTier(*req.Tier) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
			return
		}
		cfg := tenant.DefaultsForTier(*req.Tier)
		t.Tier = *req.Tier
		t.Limits = cfg.Limits
		t.Features = cfg.Features
		t.Integrations.MaxActive = cfg.MaxIntegrations
	}
	if req.Features != nil {
		t.Features = *req.Features
	}
	if req.Integrations != nil {
		for _, key := range req.Integrations.Allowed {
			if !validation.IsValidIntegrationKey(key) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_integration_key", "message": "bad integration key: " + key})
				return
			}
		}
		if len(req.Integrations.Allowed) > t.Integrations.MaxActive {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "too_many_integrations",
				"message": "allow-list exceeds the tier's integration cap",
				"limit":   t.Integrations.MaxActive,
			})
			return
		}
		t.Integrations.Allowed = req.Integrations.Allowed
	}
	if req.ClearSubscription {
		t.SubscriptionExpiresAt = nil
	} else if req.SubscriptionExpiresAt != nil {
		t.SubscriptionExpiresAt = req.SubscriptionExpiresAt
	}
	t.UpdatedAt = time.Now()

	if err := h.store.Update(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update tenant"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// SuspendTenant handles POST /admin/tenants/:id/suspend.
func (h *Handler) SuspendTenant(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	t, err := h.svc.Suspend(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		h.storeError(c, err)
		return
	}
	h.notify(t.ID, "suspended")

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// ReactivateTenant handles POST /admin/tenants/:id/reactivate.
func (h *Handler) ReactivateTenant(c *gin.Context) {
	t, err := h.svc.Reactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, tenant.ErrNotSuspended) {
			c.JSON(http.StatusConflict, gin.H{"error": "not_suspended", "message": "tenant is not suspended"})
			return
		}
		h.storeError(c, err)
		return
	}
	h.notify(t.ID, "reactivated")

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// CreateKey handles POST /admin/tenants/:id/keys.
func (h *Handler) CreateKey(c *gin.Context) {
	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Tenant key"
	}

	rawKey, keyInfo, err := h.authMgr.GenerateKey(c.Request.Context(), c.Param("id"), req.Name, req.Scopes)
	if err != nil {
		if errors.Is(err, auth.ErrMaxKeys) {
			c.JSON(http.StatusForbidden, gin.H{"error": "key_limit_reached", "message": "tenant API key limit reached"})
			return
		}
		h.storeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"name":    keyInfo.Name,
		"scopes":  keyInfo.Scopes,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /admin/tenants/:id/keys.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.authMgr.ListKeys(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"scopes":    k.Scopes,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{"keys": safeKeys, "count": len(safeKeys)})
}

// RevokeKey handles DELETE /admin/tenants/:id/keys/:keyId.
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	if err := h.authMgr.RevokeKey(c.Request.Context(), c.Param("id"), keyID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": "key not found in this tenant"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "key revoked", "keyId": keyID})
}

func (h *Handler) storeError(c *gin.Context, err error) {
	if errors.Is(err, tenant.ErrTenantNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
