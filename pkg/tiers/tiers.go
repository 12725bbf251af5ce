// Package tiers defines autonomy tier definitions for safehold.
// Tiers map declared action risk to safety depth: snapshot overhead,
// approval requirements, and benchmark battery selection.
package tiers

// Tier identifies an autonomy risk tier.
type Tier string

const (
	// Tier1 is low risk: no snapshot, smoke battery only.
	Tier1 Tier = "tier_1"
	// Tier2 is elevated risk: pre-action snapshot, regression battery,
	// approval required before auto-run.
	Tier2 Tier = "tier_2"
	// Tier3 is high risk: same safety depth as Tier2 with the strictest
	// governance posture upstream.
	Tier3 Tier = "tier_3"
)

// Policy describes the safety overhead a tier carries.
type Policy struct {
	ID              Tier
	Name            string
	Snapshot        bool // take a pre-action SafeHold snapshot
	Approval        bool // governance approval before auto-run
	RegressionSuite bool // full regression battery, not just smoke
	DriftRollsBack  bool // benchmark drift alone triggers rollback
}

// All available tier policies.
var (
	Low = Policy{
		ID:   Tier1,
		Name: "Low risk",
	}

	Elevated = Policy{
		ID:              Tier2,
		Name:            "Elevated risk",
		Snapshot:        true,
		Approval:        true,
		RegressionSuite: true,
		DriftRollsBack:  true,
	}

	High = Policy{
		ID:              Tier3,
		Name:            "High risk",
		Snapshot:        true,
		Approval:        true,
		RegressionSuite: true,
		DriftRollsBack:  true,
	}

	// AllPolicies contains every known tier policy.
	AllPolicies = map[Tier]Policy{
		Tier1: Low,
		Tier2: Elevated,
		Tier3: High,
	}
)

// Get returns the policy for a tier, or nil if the tier is unknown.
func Get(t Tier) *Policy {
	p, ok := AllPolicies[t]
	if !ok {
		return nil
	}
	return &p
}

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	_, ok := AllPolicies[t]
	return ok
}

// RequiresSnapshot reports whether a pre-action snapshot is mandatory.
// Tier 1 deliberately trades recoverability for overhead.
func (t Tier) RequiresSnapshot() bool {
	if p := Get(t); p != nil {
		return p.Snapshot
	}
	return false
}

// RequiresApproval reports whether governance approval gates auto-run.
func (t Tier) RequiresApproval() bool {
	if p := Get(t); p != nil {
		return p.Approval
	}
	return false
}

// UsesRegressionSuite reports whether the full regression battery runs
// after execution instead of the smoke battery alone.
func (t Tier) UsesRegressionSuite() bool {
	if p := Get(t); p != nil {
		return p.RegressionSuite
	}
	return false
}

// DriftTriggersRollback reports whether detected benchmark drift is by
// itself sufficient to roll back.
func (t Tier) DriftTriggersRollback() bool {
	if p := Get(t); p != nil {
		return p.DriftRollsBack
	}
	return false
}
