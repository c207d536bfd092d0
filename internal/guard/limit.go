package guard

import "github.com/opina-lab/signal-engine/internal/domain"

// Unlimited marks a tier without a daily signal cap.
const Unlimited = -1

// DefaultTierLimits are the daily signal caps per verification tier.
var DefaultTierLimits = map[string]int{
	"unverified":      3,
	"verified_basic":  15,
	"pending":         20,
	"verified_strong": Unlimited,
}

// LimitGovernor turns daily usage into a continue/warn/halt action.
type LimitGovernor struct {
	// DefaultLimit applies to tiers missing from TierLimits. 0 or less means
	// unlimited.
	DefaultLimit int
	TierLimits   map[string]int

	// WarnRatio is the fraction of the limit at which a warning is issued (default 0.8).
	WarnRatio float64
	// HaltRatio is the fraction of the limit at which signals are refused (default 1.0).
	HaltRatio float64
}

// NewLimitGovernor creates a governor with standard thresholds.
func NewLimitGovernor(defaultLimit int, tiers map[string]int) *LimitGovernor {
	if tiers == nil {
		tiers = DefaultTierLimits
	}
	return &LimitGovernor{
		DefaultLimit: defaultLimit,
		TierLimits:   tiers,
		WarnRatio:    0.8,
		HaltRatio:    1.0,
	}
}

// LimitFor returns the daily cap for tier, or Unlimited.
func (g *LimitGovernor) LimitFor(tier string) int {
	if n, ok := g.TierLimits[tier]; ok {
		return n
	}
	if g.DefaultLimit <= 0 {
		return Unlimited
	}
	return g.DefaultLimit
}

// Evaluate returns the action for a user of tier who already sent used
// signals today.
func (g *LimitGovernor) Evaluate(tier string, used int) domain.LimitAction {
	limit := g.LimitFor(tier)
	if limit <= 0 {
		return domain.LimitContinue
	}
	ratio := float64(used) / float64(limit)
	if ratio >= g.HaltRatio {
		return domain.LimitHalt
	}
	if ratio >= g.WarnRatio {
		return domain.LimitWarn
	}
	return domain.LimitContinue
}
