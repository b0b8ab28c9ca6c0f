// Package moderation schedules background LLM review of contributions and applies the consequences of
// confirmed violations.
package moderation

import (
	"errors"
	"fmt"
	"strings"
)

// Tier selects the LLM temperature and confidence cutoff for a review.
type Tier string

const (
	TierNone   Tier = ""
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

var errUnknownTier = errors.New("moderation: unknown tier")

// ParseTier converts configuration text to a Tier.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierHigh:
		return TierHigh, nil
	case TierMedium:
		return TierMedium, nil
	case TierLow:
		return TierLow, nil
	default:
		return TierNone, fmt.Errorf("%w: %q", errUnknownTier, raw)
	}
}

// TierPolicy is the per-tier LLM configuration.
type TierPolicy struct {
	Threshold   float64
	Temperature float64
}

// Tiers maps each tier to its policy.
type Tiers map[Tier]TierPolicy

// DefaultTiers returns the stock tier table.
func DefaultTiers() Tiers {
	return Tiers{
		TierHigh:   {Threshold: 0.70, Temperature: 0.20},
		TierMedium: {Threshold: 0.75, Temperature: 0.25},
		TierLow:    {Threshold: 0.80, Temperature: 0.30},
	}
}

// Validate checks that every tier is present with a threshold in (0,1].
func (t Tiers) Validate() error {
	for _, tier := range []Tier{TierHigh, TierMedium, TierLow} {
		policy, ok := t[tier]
		if !ok {
			return fmt.Errorf("moderation: tier %s is not configured", tier)
		}
		if policy.Threshold <= 0 || policy.Threshold > 1 {
			return fmt.Errorf("moderation: tier %s threshold %.2f outside (0,1]", tier, policy.Threshold)
		}
		if policy.Temperature < 0 {
			return fmt.Errorf("moderation: tier %s temperature must not be negative", tier)
		}
	}
	return nil
}

// TierRules are the cutoffs used to pick a tier for a freshly persisted artifact.
type TierRules struct {
	HighScore    float64
	MediumScore  float64
	LowScore     float64
	HighInternal int
}

// DefaultTierRules returns the stock cutoffs.
func DefaultTierRules() TierRules {
	return TierRules{HighScore: 3.5, MediumScore: 2.5, LowScore: 1.5, HighInternal: 70}
}

// Select returns the review tier for an artifact, or TierNone when no review is needed. The first
// matching rule wins.
func (r TierRules) Select(shadowBanned bool, spamScore float64, authorInternal int) Tier {
	switch {
	case shadowBanned || spamScore >= r.HighScore:
		return TierHigh
	case authorInternal <= r.HighInternal:
		return TierHigh
	case spamScore >= r.MediumScore:
		return TierMedium
	case spamScore >= r.LowScore:
		return TierLow
	default:
		return TierNone
	}
}
