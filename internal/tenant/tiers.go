package tenant

// TierConfig defines the default limits and capabilities for a pricing tier.
type TierConfig struct {
	Tier            Tier
	Limits          Limits
	Features        Features
	MaxIntegrations int
}

// Tiers is the hardcoded tier catalogue. It is the single source of truth for
// tier defaults; record creation and tests both read from it.
var Tiers = map[Tier]TierConfig{
	TierFree: {
		Tier: TierFree,
		Limits: Limits{
			RequestsPerMinute:     10,
			RequestsPerDay:        100,
			MaxConcurrentRequests: 1,
			MaxAPIKeys:            2,
		},
		MaxIntegrations: 1,
	},
	TierBasic: {
		Tier: TierBasic,
		Limits: Limits{
			RequestsPerMinute:     50,
			RequestsPerDay:        1000,
			MaxConcurrentRequests: 3,
			MaxAPIKeys:            5,
		},
		MaxIntegrations: 2,
	},
	TierPremium: {
		Tier: TierPremium,
		Limits: Limits{
			RequestsPerMinute:     200,
			RequestsPerDay:        10000,
			MaxConcurrentRequests: 10,
			MaxAPIKeys:            15,
		},
		Features: Features{
			AdvancedAIModels:       true,
			ExtendedHistoricalData: true,
			PredictiveAnalytics:    true,
			DataExport:             true,
		},
		MaxIntegrations: 5,
	},
	TierEnterprise: {
		Tier: TierEnterprise,
		Limits: Limits{
			RequestsPerMinute:     1000,
			RequestsPerDay:        100000,
			MaxConcurrentRequests: 25,
			MaxAPIKeys:            50,
		},
		Features: Features{
			AdvancedAIModels:       true,
			ExtendedHistoricalData: true,
			PredictiveAnalytics:    true,
			DataExport:             true,
			CustomIntegrations:     true,
			WhiteLabel:             true,
			Webhooks:               true,
			PrioritySupport:        true,
		},
		MaxIntegrations: 10,
	},
}

// DefaultsForTier returns the config for a tier, falling back to free for
// unrecognised tiers.
func DefaultsForTier(t Tier) TierConfig {
	cfg, ok := Tiers[t]
	if !ok {
		cfg = Tiers[TierFree]
	}
	return cfg
}

// ValidTier returns true if the tier name is recognised.
func ValidTier(t Tier) bool {
	_, ok := Tiers[t]
	return ok
}
