package metering

import (
	"context"
	"time"

	"lexcredit/internal/billing"
	"lexcredit/internal/types"
)

// ViewStore provides the read-only lookups backing the display snapshot and
// entitlements views. Wallet and subscription return nil when no row exists.
type ViewStore interface {
	GetWallet(ctx context.Context, userID string) (*types.Wallet, error)
	GetUsage(ctx context.Context, userID, yearMonth string) (types.UsageCounter, error)
	GetSubscriptionState(ctx context.Context, userID string) (*types.SubscriptionState, error)
}

// StatusService builds the read-only display snapshot served by
// GET /v1/credits/status. The snapshot's plan label is derived directly from
// the subscription row -- deliberately independent of the Plan Resolver --
// so the Reconciliation Monitor has two separately computed views to compare.
// The snapshot must never be treated as authoritative; only Consume enforces.
type StatusService struct {
	store    ViewStore
	registry billing.PlanRegistry
	now      func() time.Time
}

// NewStatusService creates a StatusService. now may be nil.
func NewStatusService(store ViewStore, registry billing.PlanRegistry, now func() time.Time) *StatusService {
	if now == nil {
		now = time.Now
	}
	return &StatusService{store: store, registry: registry, now: now}
}

// Status returns the current display snapshot for the user.
func (s *StatusService) Status(ctx context.Context, userID string) (*types.StatusSnapshot, error) {
	sub, err := s.store.GetSubscriptionState(ctx, userID)
	if err != nil {
		return nil, err
	}

	plan := types.PlanFree
	isActive := false
	var periodEnd *time.Time
	if sub != nil {
		if sub.Plan != types.PlanFree && sub.Status.YieldsPaidLabel() {
			plan = sub.Plan
		}
		isActive = sub.Status == types.SubStatusActive || sub.Status == types.SubStatusTrialing
		periodEnd = sub.CurrentPeriodEnd
	}
	limits := s.registry.GetLimits(plan)

	usage, err := s.store.GetUsage(ctx, userID, types.MonthKey(s.now()))
	if err != nil {
		return nil, err
	}

	var balance int64
	if wallet, err := s.store.GetWallet(ctx, userID); err != nil {
		return nil, err
	} else if wallet != nil {
		balance = wallet.BalanceCredits
	}

	// Unlimited plans have no remaining count; the field is omitted rather
	// than reported as zero, which would read as "no cases left".
	var remaining *int
	if !limits.Unlimited {
		n := limits.MaxCasesPerMonth - usage.CasesCreated
		if n < 0 {
			n = 0
		}
		remaining = &n
	}

	return &types.StatusSnapshot{
		Plan:               plan,
		IsActive:           isActive,
		MonthlyCaseLimit:   limits.MaxCasesPerMonth,
		CasesUsedThisMonth: usage.CasesCreated,
		CasesRemaining:     remaining,
		CreditsBalance:     balance,
		PeriodEnd:          periodEnd,
	}, nil
}

// EntitlementsService builds the independent entitlements view consumed by
// the Reconciliation Monitor and by callers that need the full resolution
// outcome. Unlike the status snapshot, this view goes through the Plan
// Resolver and therefore reflects admin status and overrides.
type EntitlementsService struct {
	resolver *billing.Resolver
	store    ViewStore
	now      func() time.Time
}

// NewEntitlementsService creates an EntitlementsService. now may be nil.
func NewEntitlementsService(resolver *billing.Resolver, store ViewStore, now func() time.Time) *EntitlementsService {
	if now == nil {
		now = time.Now
	}
	return &EntitlementsService{resolver: resolver, store: store, now: now}
}

// Entitlements returns the resolved entitlements for the user.
func (s *EntitlementsService) Entitlements(ctx context.Context, userID string) (*types.Entitlements, error) {
	resolved, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	allowed, err := s.resolver.AccessAllowed(ctx, userID)
	if err != nil {
		return nil, err
	}

	usage, err := s.store.GetUsage(ctx, userID, types.MonthKey(s.now()))
	if err != nil {
		return nil, err
	}

	role := types.RoleUser
	if resolved.Source == types.SourceAdmin {
		role = types.RoleAdmin
	}

	return &types.Entitlements{
		Role:          role,
		Plan:          resolved.Plan,
		PlanSource:    resolved.Source,
		AccessAllowed: allowed,
		Limits:        resolved.Limits,
		Usage:         usage,
	}, nil
}
