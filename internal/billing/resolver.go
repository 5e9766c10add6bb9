package billing

import (
	"context"
	"time"

	"lexcredit/internal/types"
)

// AdminChecker reports whether a user is in the fixed administrator set.
type AdminChecker interface {
	IsAdmin(userID string) bool
}

// ResolverStore provides the read-only records the resolver merges.
// Both calls return (nil, nil) when no row exists.
type ResolverStore interface {
	GetActiveOverride(ctx context.Context, userID string) (*types.PlanOverride, error)
	GetSubscriptionState(ctx context.Context, userID string) (*types.SubscriptionState, error)
}

// Resolver merges three competing sources of truth -- admin allowlist,
// PlanOverride, billing subscription -- into one effective plan with a strict
// priority order. Resolution is a pure read: it has no side effects and is
// safe to call arbitrarily often.
type Resolver struct {
	admins   AdminChecker
	store    ResolverStore
	registry PlanRegistry
	now      func() time.Time
}

// NewResolver creates a plan Resolver. The now function may be nil, in which
// case time.Now is used.
func NewResolver(admins AdminChecker, store ResolverStore, registry PlanRegistry, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{admins: admins, store: store, registry: registry, now: now}
}

// Resolve returns the effective plan for the user. Priority, first match
// wins:
//
//  1. Admin allowlist -> unlimited, source "admin", independent of all
//     other records.
//  2. Active, unexpired PlanOverride -> its plan code, source "override".
//  3. Billing subscription with a paid plan and status in
//     {active, trialing, past_due} -> that plan, source "billing".
//     past_due still yields the paid plan label here; suspension is
//     enforced by the separate access gate, not by the resolver.
//  4. Default -> free, source "default".
func (r *Resolver) Resolve(ctx context.Context, userID string) (types.ResolvedPlan, error) {
	if r.admins != nil && r.admins.IsAdmin(userID) {
		return r.resolved(types.PlanUnlimited, types.SourceAdmin), nil
	}

	override, err := r.store.GetActiveOverride(ctx, userID)
	if err != nil {
		return types.ResolvedPlan{}, err
	}
	if override.InEffect(r.now()) {
		return r.resolved(override.PlanCode, types.SourceOverride), nil
	}

	sub, err := r.store.GetSubscriptionState(ctx, userID)
	if err != nil {
		return types.ResolvedPlan{}, err
	}
	if sub != nil && sub.Plan != types.PlanFree && sub.Status.YieldsPaidLabel() {
		return r.resolved(sub.Plan, types.SourceBilling), nil
	}

	return r.resolved(types.PlanFree, types.SourceDefault), nil
}

// AccessAllowed is the second, independent check of the past_due split: it
// reports whether usage should be gated for dunning, regardless of the plan
// label the resolver produced. A missing subscription (free user) is never
// gated.
func (r *Resolver) AccessAllowed(ctx context.Context, userID string) (bool, error) {
	sub, err := r.store.GetSubscriptionState(ctx, userID)
	if err != nil {
		return false, err
	}
	if sub == nil {
		return true, nil
	}
	return sub.Status != types.SubStatusPastDue && sub.Status != types.SubStatusUnpaid, nil
}

func (r *Resolver) resolved(plan types.PlanTier, source types.PlanSource) types.ResolvedPlan {
	return types.ResolvedPlan{
		Plan:   plan,
		Source: source,
		Limits: r.registry.GetLimits(plan),
	}
}
