// Package billing provides plan management and plan-resolution domain logic.
package billing

import "lexcredit/internal/types"

// PlanRegistry defines the authoritative limits and credit costs for each
// tier. This is the single source of truth for what each plan allows and
// what each action costs.
type PlanRegistry interface {
	// GetLimits returns the resource limits for the given plan tier.
	// For unknown tiers, returns the most restrictive (Free) limits
	// to fail safely.
	GetLimits(tier types.PlanTier) types.PlanLimits

	// ActionSpec returns the cost-table entry for the given action type.
	// ok is false for unknown actions; callers must reject those before
	// touching any state.
	ActionSpec(action types.ActionType) (ActionSpec, bool)
}

// ActionSpec is one row of the fixed cost table.
type ActionSpec struct {
	Family types.ActionFamily
	// Cost is the nominal credit cost. For session actions it is the
	// session-start cost; extensions are free. For quota actions it is zero
	// (they consume allowance, not credits). For adjustments the delta is
	// caller-supplied.
	Cost int64
}

// staticPlanRegistry is a compile-time plan registry backed by in-memory
// maps. It implements PlanRegistry and is the standard implementation for
// production use.
type staticPlanRegistry struct {
	limits  map[types.PlanTier]types.PlanLimits
	actions map[types.ActionType]ActionSpec
}

// planDefaults defines the hardcoded plan limit table.
//
//	| Plan      | Cases/Month | Msgs/Session | Monthly Refill | Unlimited |
//	|-----------|-------------|--------------|----------------|-----------|
//	| free      | 1           | 10           | 10             | no        |
//	| starter   | 5           | 10           | 100            | no        |
//	| pro       | 25          | 10           | 500            | no        |
//	| unlimited | 0 (no cap)  | 10           | 0              | yes       |
//
// MaxCasesPerMonth uses 0 to represent "unlimited" -- enforcement code must
// treat 0 as no limit.
var planDefaults = map[types.PlanTier]types.PlanLimits{
	types.PlanFree: {
		MaxCasesPerMonth:    1,
		MessagesPerSession:  10,
		MonthlyCreditRefill: 10,
	},
	types.PlanStarter: {
		MaxCasesPerMonth:    5,
		MessagesPerSession:  10,
		MonthlyCreditRefill: 100,
	},
	types.PlanPro: {
		MaxCasesPerMonth:    25,
		MessagesPerSession:  10,
		MonthlyCreditRefill: 500,
	},
	types.PlanUnlimited: {
		MaxCasesPerMonth:   0, // no cap
		MessagesPerSession: 10,
		Unlimited:          true,
	},
}

// actionDefaults is the fixed per-action cost table.
var actionDefaults = map[types.ActionType]ActionSpec{
	types.ActionCaseCreated:   {Family: types.FamilyQuota, Cost: 0},
	types.ActionChatMessage:   {Family: types.FamilySession, Cost: 5},
	types.ActionDraftGenerate: {Family: types.FamilyFlat, Cost: 1},
	types.ActionDocAnalyze:    {Family: types.FamilyFlat, Cost: 3},
	types.ActionAdminAdjust:   {Family: types.FamilyAdjustment, Cost: 0},
}

// freeLimits is cached to avoid map lookups on the fallback path.
var freeLimits = planDefaults[types.PlanFree]

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded plan
// and cost tables. This is the standard production implementation; no
// database or external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	// Copy the defaults into new maps so callers cannot mutate the
	// package-level variables.
	limits := make(map[types.PlanTier]types.PlanLimits, len(planDefaults))
	for k, v := range planDefaults {
		limits[k] = v
	}
	actions := make(map[types.ActionType]ActionSpec, len(actionDefaults))
	for k, v := range actionDefaults {
		actions[k] = v
	}
	return &staticPlanRegistry{limits: limits, actions: actions}
}

// GetLimits returns the resource limits for the given plan tier.
// If the tier is unknown, it returns the Free tier limits as a safe default.
func (r *staticPlanRegistry) GetLimits(tier types.PlanTier) types.PlanLimits {
	if limits, ok := r.limits[tier]; ok {
		return limits
	}
	return freeLimits
}

// ActionSpec returns the cost-table entry for the given action type.
func (r *staticPlanRegistry) ActionSpec(action types.ActionType) (ActionSpec, bool) {
	spec, ok := r.actions[action]
	return spec, ok
}
