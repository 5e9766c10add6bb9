// Package metering implements the Consumption Gateway: the single entry point
// every chargeable action calls. It composes plan resolution, the idempotency
// guard, the session manager, and wallet/usage enforcement into one atomic
// decision per call.
//
// All mutation of wallets, usage counters, sessions, and the ledger happens
// inside this package's unit of work. Steps run under a row lock on the
// user's wallet row so concurrent calls for the same user cannot interleave
// between "check balance" and "debit balance".
package metering

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lexcredit/internal/billing"
	"lexcredit/internal/types"
)

// Store opens the gateway's transactional unit of work.
// Using an interface allows clean testing without database dependencies.
type Store interface {
	// BeginTx starts a new database transaction. The returned Tx must be
	// committed or rolled back by the caller.
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx defines the transactional operations for processing a single consume
// call. All methods operate within the transaction started by Store.BeginTx.
type Tx interface {
	// LockWallet acquires a FOR UPDATE lock on the user's wallet row,
	// creating a zero-balance row first if none exists. The lock serializes
	// all concurrent consume calls for the user.
	LockWallet(ctx context.Context, userID string) (*types.Wallet, error)

	// ApplyWalletDelta adjusts balance_credits by delta and
	// lifetime_credits by lifetimeDelta, returning the new balance.
	ApplyWalletDelta(ctx context.Context, userID string, delta, lifetimeDelta int64) (int64, error)

	// SetWalletBalance overwrites balance_credits; used only by ledger
	// replay verification.
	SetWalletBalance(ctx context.Context, userID string, balance int64) error

	// GetUsage returns the usage counters for (user, yearMonth). A month
	// with no row reads as all-zero counters.
	GetUsage(ctx context.Context, userID, yearMonth string) (types.UsageCounter, error)

	// BumpUsage upserts the (user, yearMonth) row, adding the given amounts.
	BumpUsage(ctx context.Context, userID, yearMonth string, cases int, credits int64, sessions int) error

	// FindLedgerByKey returns the newest ledger entry for
	// (user, action, idempotency key) created at or after since, or nil.
	FindLedgerByKey(ctx context.Context, userID string, action types.ActionType, key string, since time.Time) (*types.LedgerEntry, error)

	// InsertLedger appends one ledger entry.
	InsertLedger(ctx context.Context, entry *types.LedgerEntry) error

	// SumLedgerDeltas returns the sum of all committed deltas for the user.
	SumLedgerDeltas(ctx context.Context, userID string) (int64, error)

	// ActiveSession returns the newest active session for (user, case), or
	// nil if none exists.
	ActiveSession(ctx context.Context, userID, caseID string) (*types.Session, error)

	// DeactivateSession marks the session inactive. The row is kept as an
	// audit trail.
	DeactivateSession(ctx context.Context, sessionID string) error

	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, s *types.Session) error

	// TouchSession increments message_count and updates last_message_at,
	// returning the new count.
	TouchSession(ctx context.Context, sessionID string, at time.Time) (int, error)

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction. Safe to call after Commit (no-op).
	Rollback(ctx context.Context) error
}

// PlanResolver is the read-only plan resolution dependency.
type PlanResolver interface {
	Resolve(ctx context.Context, userID string) (types.ResolvedPlan, error)
}

// ConsumeRequest is one chargeable action submitted to the gateway.
type ConsumeRequest struct {
	Action         types.ActionType
	CaseID         *string
	Meta           types.Metadata
	IdempotencyKey string
}

// Options are the engine tunables. Zero values fall back to the product
// defaults.
type Options struct {
	SessionDuration    time.Duration
	SessionMaxMessages int
	IdempotencyWindow  time.Duration
}

func (o Options) withDefaults() Options {
	if o.SessionDuration <= 0 {
		o.SessionDuration = 30 * time.Minute
	}
	if o.SessionMaxMessages < 1 {
		o.SessionMaxMessages = 10
	}
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = 60 * time.Second
	}
	return o
}

// Gateway is the Consumption Gateway.
type Gateway struct {
	store    Store
	resolver PlanResolver
	registry billing.PlanRegistry
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewGateway creates a Gateway. logger and now may be nil.
func NewGateway(store Store, resolver PlanResolver, registry billing.PlanRegistry, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:    store,
		resolver: resolver,
		registry: registry,
		opts:     opts.withDefaults(),
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Consume decides whether the action is permitted, what it costs, and records
// it exactly once. The call either fully commits or fully rolls back; callers
// get a definitive result and may safely retry under the same idempotency
// key.
func (g *Gateway) Consume(ctx context.Context, actor types.Actor, req ConsumeRequest) (*types.ConsumeResult, error) {
	if actor.ID == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "not authenticated", nil)
	}

	spec, ok := g.registry.ActionSpec(req.Action)
	if !ok {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidAction,
			"unknown action type",
			nil,
			map[string]any{"action_type": string(req.Action)},
		)
	}

	// Adjustments are the administrative escape hatch; they bypass quota
	// checks but are still ledger-recorded.
	var adjustDelta int64
	if spec.Family == types.FamilyAdjustment {
		if actor.Role != types.RoleAdmin {
			return nil, types.NewAppError(types.ErrCodePermissionRole, "admin role required for adjustments", nil)
		}
		delta, ok := req.Meta.GetInt64("delta")
		if !ok || delta == 0 {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidDelta, "adjustment requires a non-zero integer meta.delta", nil)
		}
		adjustDelta = delta
	}

	resolved, err := g.resolver.Resolve(ctx, actor.ID)
	if err != nil {
		return nil, err
	}

	now := g.now()

	tx, err := g.store.BeginTx(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	wallet, err := tx.LockWallet(ctx, actor.ID)
	if err != nil {
		return nil, err
	}

	// Idempotency guard: a retry within the window must not re-apply any
	// delta; it returns the previously computed result. The lookup runs
	// under the wallet lock: a concurrent retry blocks on LockWallet until
	// the first attempt commits, then sees its ledger entry here.
	if req.IdempotencyKey != "" {
		prior, err := tx.FindLedgerByKey(ctx, actor.ID, req.Action, req.IdempotencyKey, now.Add(-g.opts.IdempotencyWindow))
		if err != nil {
			return nil, err
		}
		if prior != nil {
			result := resultFromLedger(prior)
			g.logger.Info("idempotent replay",
				slog.String("user_id", actor.ID),
				slog.String("action", string(req.Action)),
				slog.String("idempotency_key", req.IdempotencyKey),
			)
			return result, nil
		}
	}

	var result *types.ConsumeResult
	switch spec.Family {
	case types.FamilyQuota:
		result, err = g.consumeQuota(ctx, tx, actor.ID, resolved, req, wallet, now)
	case types.FamilySession:
		result, err = g.startOrExtendSession(ctx, tx, actor.ID, resolved, req, spec, wallet, now)
	case types.FamilyFlat:
		result, err = g.consumeFlat(ctx, tx, actor.ID, resolved, req, spec, wallet, now)
	case types.FamilyAdjustment:
		result, err = g.applyAdjustment(ctx, tx, actor.ID, resolved, req, adjustDelta, wallet, now)
	default:
		err = types.NewAppError(types.ErrCodeInternalUnexpected, "unhandled action family", nil)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to commit consume transaction", err)
	}

	return result, nil
}

// consumeQuota handles actions that consume monthly allowance instead of
// credits. The ledger entry is zero-delta; quota actions never touch the
// balance, but the entry keeps the audit trail complete.
func (g *Gateway) consumeQuota(
	ctx context.Context,
	tx Tx,
	userID string,
	resolved types.ResolvedPlan,
	req ConsumeRequest,
	wallet *types.Wallet,
	now time.Time,
) (*types.ConsumeResult, error) {
	ym := types.MonthKey(now)
	usage, err := tx.GetUsage(ctx, userID, ym)
	if err != nil {
		return nil, err
	}

	limit := resolved.Limits.MaxCasesPerMonth
	if !resolved.Limits.Unlimited && limit > 0 && usage.CasesCreated >= limit {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeCaseLimitReached,
			"monthly case limit reached",
			nil,
			map[string]any{
				"cases_used":  usage.CasesCreated,
				"cases_limit": limit,
				"plan":        string(resolved.Plan),
			},
		)
	}

	if err := tx.BumpUsage(ctx, userID, ym, 1, 0, 0); err != nil {
		return nil, err
	}

	used := usage.CasesCreated + 1
	meta := baseMeta(req, 0)
	meta[types.MetaNewBalance] = wallet.BalanceCredits
	meta[types.MetaCasesUsed] = used
	meta[types.MetaCasesLimit] = limit

	if err := tx.InsertLedger(ctx, &types.LedgerEntry{
		ID:         g.newID(),
		UserID:     userID,
		CaseID:     req.CaseID,
		ActionType: req.Action,
		Delta:      0,
		Meta:       meta,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}

	return &types.ConsumeResult{
		NewBalance: wallet.BalanceCredits,
		CasesUsed:  &used,
		CasesLimit: &limit,
	}, nil
}

// consumeFlat handles fixed-cost actions: check affordability, debit the
// wallet, count the spend. Unlimited plans are never debited; the ledger
// still records a zero-delta entry tagged unlimited for observability.
func (g *Gateway) consumeFlat(
	ctx context.Context,
	tx Tx,
	userID string,
	resolved types.ResolvedPlan,
	req ConsumeRequest,
	spec billing.ActionSpec,
	wallet *types.Wallet,
	now time.Time,
) (*types.ConsumeResult, error) {
	charged, newBalance, err := g.debit(ctx, tx, userID, resolved, spec.Cost, wallet)
	if err != nil {
		return nil, err
	}

	if charged > 0 {
		if err := tx.BumpUsage(ctx, userID, types.MonthKey(now), 0, charged, 0); err != nil {
			return nil, err
		}
	}

	meta := baseMeta(req, spec.Cost)
	meta[types.MetaNewBalance] = newBalance
	meta[types.MetaCreditsCharged] = charged
	if resolved.Limits.Unlimited {
		meta[types.MetaUnlimited] = true
	}

	if err := tx.InsertLedger(ctx, &types.LedgerEntry{
		ID:         g.newID(),
		UserID:     userID,
		CaseID:     req.CaseID,
		ActionType: req.Action,
		Delta:      -charged,
		Meta:       meta,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}

	return &types.ConsumeResult{
		NewBalance:     newBalance,
		CreditsCharged: charged,
	}, nil
}

// applyAdjustment applies a signed manual wallet adjustment (grant or
// claw-back). Positive deltas also grow lifetime_credits.
func (g *Gateway) applyAdjustment(
	ctx context.Context,
	tx Tx,
	userID string,
	resolved types.ResolvedPlan,
	req ConsumeRequest,
	delta int64,
	wallet *types.Wallet,
	now time.Time,
) (*types.ConsumeResult, error) {
	if delta < 0 && !resolved.Limits.Unlimited && wallet.BalanceCredits+delta < 0 {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeInsufficientCredits,
			"adjustment would drive balance negative",
			nil,
			map[string]any{
				"current_balance": wallet.BalanceCredits,
				"required":        -delta,
			},
		)
	}

	var lifetimeDelta int64
	if delta > 0 {
		lifetimeDelta = delta
	}
	newBalance, err := tx.ApplyWalletDelta(ctx, userID, delta, lifetimeDelta)
	if err != nil {
		return nil, err
	}

	meta := baseMeta(req, 0)
	meta[types.MetaNewBalance] = newBalance
	meta[types.MetaCreditsCharged] = int64(0)

	if err := tx.InsertLedger(ctx, &types.LedgerEntry{
		ID:         g.newID(),
		UserID:     userID,
		CaseID:     req.CaseID,
		ActionType: req.Action,
		Delta:      delta,
		Meta:       meta,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}

	return &types.ConsumeResult{NewBalance: newBalance}, nil
}

// debit checks affordability and applies the charge. It returns the amount
// actually charged (zero for unlimited plans) and the resulting balance.
func (g *Gateway) debit(
	ctx context.Context,
	tx Tx,
	userID string,
	resolved types.ResolvedPlan,
	cost int64,
	wallet *types.Wallet,
) (charged, newBalance int64, err error) {
	if resolved.Limits.Unlimited || cost == 0 {
		return 0, wallet.BalanceCredits, nil
	}
	if wallet.BalanceCredits < cost {
		return 0, 0, types.NewAppErrorWithDetails(
			types.ErrCodeInsufficientCredits,
			"insufficient credits",
			nil,
			map[string]any{
				"current_balance": wallet.BalanceCredits,
				"required":        cost,
			},
		)
	}
	newBalance, err = tx.ApplyWalletDelta(ctx, userID, -cost, 0)
	if err != nil {
		return 0, 0, err
	}
	return cost, newBalance, nil
}

// ApplyRefill credits the monthly plan refill exactly once per period. It is
// called by the billing webhook collaborator after renewal; the period key
// doubles as a permanent idempotency key, so repeated delivery is a no-op
// returning the recorded result.
func (g *Gateway) ApplyRefill(ctx context.Context, userID string, amount int64, periodKey string) (*types.ConsumeResult, error) {
	if amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidDelta, "refill amount must be positive", nil)
	}
	key := "refill:" + periodKey

	tx, err := g.store.BeginTx(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.LockWallet(ctx, userID); err != nil {
		return nil, err
	}

	// Refill dedup never expires: pass the zero time as the window start.
	// Checked under the wallet lock so a webhook delivery and the sweep
	// racing on the same period serialize, and the loser sees the
	// committed grant.
	prior, err := tx.FindLedgerByKey(ctx, userID, types.ActionMonthlyRefill, key, time.Time{})
	if err != nil {
		return nil, err
	}
	if prior != nil {
		result := resultFromLedger(prior)
		return result, nil
	}
	newBalance, err := tx.ApplyWalletDelta(ctx, userID, amount, amount)
	if err != nil {
		return nil, err
	}

	if err := tx.InsertLedger(ctx, &types.LedgerEntry{
		ID:         g.newID(),
		UserID:     userID,
		ActionType: types.ActionMonthlyRefill,
		Delta:      amount,
		Meta: types.Metadata{
			types.MetaIdempotencyKey: key,
			types.MetaRefillPeriod:   periodKey,
			types.MetaNewBalance:     newBalance,
			types.MetaCreditsCharged: int64(0),
		},
		CreatedAt: g.now(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to commit refill transaction", err)
	}

	return &types.ConsumeResult{NewBalance: newBalance, CreditsCharged: 0}, nil
}

// RebuildBalance recomputes the wallet balance from the ledger and repairs
// the cached projection if it drifted. Returns the recomputed balance and
// whether a repair was needed.
func (g *Gateway) RebuildBalance(ctx context.Context, userID string) (int64, bool, error) {
	tx, err := g.store.BeginTx(ctx)
	if err != nil {
		return 0, false, types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	wallet, err := tx.LockWallet(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	sum, err := tx.SumLedgerDeltas(ctx, userID)
	if err != nil {
		return 0, false, err
	}

	if sum == wallet.BalanceCredits {
		return sum, false, nil
	}

	g.logger.Warn("wallet balance drifted from ledger",
		slog.String("user_id", userID),
		slog.Int64("cached", wallet.BalanceCredits),
		slog.Int64("replayed", sum),
	)
	if err := tx.SetWalletBalance(ctx, userID, sum); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, types.NewAppError(types.ErrCodeInternalDB, "failed to commit balance repair", err)
	}
	return sum, true, nil
}

// baseMeta seeds the ledger meta for a consume call: caller meta first, then
// the engine's bookkeeping keys.
func baseMeta(req ConsumeRequest, nominalCost int64) types.Metadata {
	meta := types.Metadata{}
	for k, v := range req.Meta {
		meta[k] = v
	}
	if req.IdempotencyKey != "" {
		meta[types.MetaIdempotencyKey] = req.IdempotencyKey
	}
	if nominalCost > 0 {
		meta[types.MetaNominalCost] = nominalCost
	}
	return meta
}

// resultFromLedger reconstructs the originally returned result from a ledger
// entry's meta, so a replayed call observes the identical outcome.
func resultFromLedger(e *types.LedgerEntry) *types.ConsumeResult {
	result := &types.ConsumeResult{Replayed: true}
	if v, ok := e.Meta.GetInt64(types.MetaNewBalance); ok {
		result.NewBalance = v
	}
	if v, ok := e.Meta.GetInt64(types.MetaCreditsCharged); ok {
		result.CreditsCharged = v
	}
	if v, ok := e.Meta.GetInt64(types.MetaCasesUsed); ok {
		used := int(v)
		result.CasesUsed = &used
	}
	if v, ok := e.Meta.GetInt64(types.MetaCasesLimit); ok {
		limit := int(v)
		result.CasesLimit = &limit
	}
	if id := e.Meta.GetString(types.MetaSessionID); id != "" {
		info := &types.SessionInfo{SessionID: id, Charged: true}
		if v, ok := e.Meta.GetInt64("message_count"); ok {
			info.MessageCount = int(v)
		}
		if v, ok := e.Meta.GetInt64("max_messages"); ok {
			info.MaxMessages = int(v)
		}
		result.Session = info
	}
	return result
}
