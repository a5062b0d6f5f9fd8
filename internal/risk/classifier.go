// Package risk classifies proposed tool executions into coarse risk tiers.
// The classifier is a pure function: no I/O, no clock, no state. It is
// deliberately conservative — escalating a benign action is acceptable,
// missing a dangerous one is not.
package risk

import (
	"strings"

	"github.com/toolgate/toolgate/internal/tool"
)

// Tier is the coarse risk classification of a proposed execution.
type Tier string

// Tiers, ordered low < medium < high.
const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Rank returns the ordinal of the tier for comparisons. Unknown tiers rank
// highest.
func (t Tier) Rank() int {
	switch t {
	case TierLow:
		return 0
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	default:
		return 3
	}
}

// categoryTiers maps each tool category to the set of tiers it can
// contribute. The classifier takes the highest tier present.
var categoryTiers = map[tool.Category][]Tier{
	tool.CategoryFilesystem:  {TierHigh, TierMedium, TierLow},
	tool.CategorySystem:      {TierHigh},
	tool.CategoryNetwork:     {TierMedium, TierLow},
	tool.CategoryDevelopment: {TierLow, TierMedium},
	tool.CategoryData:        {TierMedium},
	tool.CategoryUtility:     {TierLow},
}

// highRiskTokens is the keyword denylist scanned against the lower-cased
// serialized input. Any match forces the high tier.
var highRiskTokens = []string{
	"delete",
	"drop",
	"rm",
	"sudo",
	"admin",
	"chmod",
	"chown",
	"mkfs",
	"truncate",
	"shutdown",
	"passwd",
	"format",
}

// Classify returns the risk tier for a proposed execution. The category
// table and the keyword scan are evaluated independently; the result is the
// highest tier either produces. The declared permission level escalates but
// never lowers the tier: tools requiring human approval are never treated
// as low risk, and admin-gated or denied tools are always high.
func Classify(category tool.Category, permission tool.PermissionLevel, input string) Tier {
	tier := TierLow

	for _, t := range categoryTiers[category] {
		if t.Rank() > tier.Rank() {
			tier = t
		}
	}

	lowered := strings.ToLower(input)
	for _, token := range highRiskTokens {
		if strings.Contains(lowered, token) {
			return TierHigh
		}
	}

	switch permission {
	case tool.PermissionAdminApproval, tool.PermissionDenied:
		return TierHigh
	case tool.PermissionUserApproval:
		if tier.Rank() < TierMedium.Rank() {
			tier = TierMedium
		}
	}

	return tier
}
