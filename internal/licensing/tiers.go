// Package licensing holds the license domain core: tiers, entitlements,
// status enums, and the pure state transitions driven by billing events.
package licensing

import "strings"

// Tier represents a license tier.
type Tier string

const (
	TierCommunity  Tier = "community"
	TierTeam       Tier = "team"
	TierEnterprise Tier = "enterprise"
)

// AllTiers lists every known tier in ascending order of entitlement.
var AllTiers = []Tier{TierCommunity, TierTeam, TierEnterprise}

// ParseTier normalizes a tier string. Returns false for unknown tiers.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierCommunity:
		return TierCommunity, true
	case TierTeam:
		return TierTeam, true
	case TierEnterprise:
		return TierEnterprise, true
	}
	return "", false
}

// IsPaid reports whether the tier is backed by a billing subscription.
func (t Tier) IsPaid() bool {
	return t == TierTeam || t == TierEnterprise
}

// Limits bounds deployment resources for a tier. Zero means unlimited.
type Limits struct {
	MaxUsers              int `json:"maxUsers"`
	MaxInstances          int `json:"maxInstances"`
	MaxConcurrentSessions int `json:"maxConcurrentSessions"`
}

// Features are the gated capabilities included in a tier.
type Features struct {
	SSO             bool `json:"sso"`
	AuditLogs       bool `json:"auditLogs"`
	CustomBranding  bool `json:"customBranding"`
	PrioritySupport bool `json:"prioritySupport"`
	APIAccess       bool `json:"apiAccess"`
	MultiTenant     bool `json:"multiTenant"`
}

var tierLimits = map[Tier]Limits{
	TierCommunity:  {MaxUsers: 5, MaxInstances: 10, MaxConcurrentSessions: 3},
	TierTeam:       {MaxUsers: 25, MaxInstances: 50, MaxConcurrentSessions: 10},
	TierEnterprise: {}, // unlimited
}

var tierFeatures = map[Tier]Features{
	TierCommunity: {APIAccess: true},
	TierTeam: {
		AuditLogs:       true,
		CustomBranding:  true,
		PrioritySupport: true,
		APIAccess:       true,
	},
	TierEnterprise: {
		SSO:             true,
		AuditLogs:       true,
		CustomBranding:  true,
		PrioritySupport: true,
		APIAccess:       true,
		MultiTenant:     true,
	},
}

// TierLimits returns the resource limits for the tier.
func TierLimits(t Tier) Limits {
	return tierLimits[t]
}

// TierFeatures returns the feature set for the tier.
func TierFeatures(t Tier) Features {
	return tierFeatures[t]
}
