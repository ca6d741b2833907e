// Package scoring is the pure scoring model for the verification engine.
// It maps method completions to trust points, derives verification levels,
// and suggests paths to the next level. No I/O.
package scoring

import (
	"time"

	"github.com/1withall/nabr/internal/core"
)

// Model evaluates completions against a method policy table.
type Model struct {
	policies map[core.Method]MethodPolicy
}

// NewModel builds a scoring model. Overrides replace the default policy for
// the named methods; pass nil to use the authoritative defaults.
func NewModel(overrides map[core.Method]MethodPolicy) *Model {
	policies := DefaultPolicies()
	for m, p := range overrides {
		policies[m] = p
	}
	return &Model{policies: policies}
}

// Policy returns the policy for a method. The zero policy is returned for
// unknown methods and contributes nothing.
func (md *Model) Policy(m core.Method) MethodPolicy {
	return md.policies[m]
}

// Applicable reports whether a method counts for the given subject class.
func (md *Model) Applicable(m core.Method, class core.SubjectClass) bool {
	return md.policies[m].AppliesTo(class)
}

// MaxMultiplier returns how many distinct completions of a method count.
func (md *Model) MaxMultiplier(m core.Method) int {
	return md.policies[m].MaxMultiplier
}

// IsExpired reports whether a completion has decayed at the given instant.
// The expiry boundary is inclusive: a completion is still valid at exactly
// expires_at and expired any time after.
func IsExpired(c core.MethodCompletion, now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return now.After(*c.ExpiresAt)
}

// countValid returns the number of non-revoked, non-expired completions.
func countValid(cs []core.MethodCompletion, now time.Time) int {
	n := 0
	for _, c := range cs {
		if c.RevokedAt != nil || IsExpired(c, now) {
			continue
		}
		n++
	}
	return n
}

// Score sums min(valid completions, max_multiplier) × base_points over all
// methods applicable to the subject class. Completions of non-applicable
// methods contribute zero.
func (md *Model) Score(completions map[core.Method][]core.MethodCompletion, class core.SubjectClass, now time.Time) int {
	total := 0
	for m, cs := range completions {
		p := md.policies[m]
		if !p.AppliesTo(class) {
			continue
		}
		n := countValid(cs, now)
		if n > p.MaxMultiplier {
			n = p.MaxMultiplier
		}
		total += n * p.BasePoints
	}
	return total
}

// CountValid returns the scoring-relevant completion count for one method.
func (md *Model) CountValid(cs []core.MethodCompletion, now time.Time) int {
	return countValid(cs, now)
}

// LevelFor is the piecewise step function over the level thresholds.
// A score exactly at a threshold yields the higher level.
func LevelFor(score int) core.Level {
	level := core.LevelUnverified
	for _, l := range []core.Level{core.LevelMinimal, core.LevelStandard, core.LevelEnhanced, core.LevelComplete} {
		if score >= Thresholds[l] {
			level = l
		}
	}
	return level
}

// ExpiresAt derives a completion's expiry from its policy. Returns nil for
// methods that never decay. Exact-day arithmetic in UTC.
func (md *Model) ExpiresAt(m core.Method, completedAt time.Time) *time.Time {
	p := md.policies[m]
	if p.DecayDays <= 0 {
		return nil
	}
	t := completedAt.UTC().Add(time.Duration(p.DecayDays) * 24 * time.Hour)
	return &t
}
