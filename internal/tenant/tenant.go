// Package tenant provides multi-tenancy for the Fleetgate platform.
package tenant

import (
	"errors"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrTenantExists   = errors.New("tenant: already exists")
	ErrNotSuspended   = errors.New("tenant: not suspended")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDisabled  Status = "disabled"
)

// Tier identifies the pricing tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Limits stores per-tenant request quotas. Tier defaults apply unless the
// tenant record carries explicit overrides.
type Limits struct {
	RequestsPerMinute     int `json:"requestsPerMinute"`
	RequestsPerDay        int `json:"requestsPerDay"`
	MaxConcurrentRequests int `json:"maxConcurrentRequests"`
	MaxAPIKeys            int `json:"maxApiKeys"`
}

// Features stores boolean capability flags.
type Features struct {
	AdvancedAIModels       bool `json:"advancedAiModels"`
	ExtendedHistoricalData bool `json:"extendedHistoricalData"`
	PredictiveAnalytics    bool `json:"predictiveAnalytics"`
	DataExport             bool `json:"dataExport"`
	CustomIntegrations     bool `json:"customIntegrations"`
	WhiteLabel             bool `json:"whiteLabel"`
	Webhooks               bool `json:"webhooks"`
	PrioritySupport        bool `json:"prioritySupport"`
}

// Integrations holds the set of integration keys a tenant may use.
type Integrations struct {
	Allowed   []string `json:"allowed,omitempty"`
	MaxActive int      `json:"maxActive"`
}

// Contains reports whether key is in the allow-list.
func (i Integrations) Contains(key string) bool {
	for _, k := range i.Allowed {
		if k == key {
			return true
		}
	}
	return false
}

// Usage is the durable usage summary on the tenant record. Daily and monthly
// counters reset lazily when the calendar window rolls over; they are never
// rewound retroactively.
type Usage struct {
	CallsToday       int       `json:"callsToday"`
	CallsThisMonth   int       `json:"callsThisMonth"`
	LastDailyReset   time.Time `json:"lastDailyReset"`
	LastMonthlyReset time.Time `json:"lastMonthlyReset"`
	AvgResponseMs    float64   `json:"avgResponseMs"`
	ErrorRatePct     float64   `json:"errorRatePct"`
}

// Tenant represents an organisation using the platform.
type Tenant struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	Status                Status            `json:"status"`
	Tier                  Tier              `json:"tier"`
	Limits                Limits            `json:"limits"`
	Features              Features          `json:"features"`
	Integrations          Integrations      `json:"integrations"`
	SubscriptionExpiresAt *time.Time        `json:"subscriptionExpiresAt,omitempty"` // nil = perpetual
	Usage                 Usage             `json:"usage"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}

// New builds an active tenant with tier defaults applied.
func New(id, name string, tier Tier, now time.Time) *Tenant {
	cfg := DefaultsForTier(tier)
	return &Tenant{
		ID:           id,
		Name:         name,
		Status:       StatusActive,
		Tier:         cfg.Tier,
		Limits:       cfg.Limits,
		Features:     cfg.Features,
		Integrations: Integrations{MaxActive: cfg.MaxIntegrations},
		Usage: Usage{
			LastDailyReset:   now,
			LastMonthlyReset: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
