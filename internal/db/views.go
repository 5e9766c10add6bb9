package db

import (
	"context"
	"log/slog"

	"lexcredit/internal/types"
)

// ViewReader bundles the read-only queries the status and entitlements views
// need. It runs against the pool directly; view reads never join the
// gateway's transaction.
type ViewReader struct {
	wallets *WalletRepo
	usage   *UsageRepo
	subs    *SubscriptionRepo
}

// NewViewReader creates a ViewReader backed by the given database connection.
func NewViewReader(db DBTX, logger *slog.Logger) *ViewReader {
	return &ViewReader{
		wallets: NewWalletRepo(db),
		usage:   NewUsageRepo(db),
		subs:    NewSubscriptionRepo(db, logger),
	}
}

// GetWallet returns the user's wallet, or nil if none exists yet.
func (v *ViewReader) GetWallet(ctx context.Context, userID string) (*types.Wallet, error) {
	return v.wallets.Get(ctx, userID)
}

// GetUsage returns the counters for (user, yearMonth), zero-valued when the
// month has no row.
func (v *ViewReader) GetUsage(ctx context.Context, userID, yearMonth string) (types.UsageCounter, error) {
	return v.usage.Get(ctx, userID, yearMonth)
}

// GetSubscriptionState returns the last synced subscription, or nil.
func (v *ViewReader) GetSubscriptionState(ctx context.Context, userID string) (*types.SubscriptionState, error) {
	return v.subs.GetSubscriptionState(ctx, userID)
}

// GetActiveOverride returns the active plan override, or nil.
func (v *ViewReader) GetActiveOverride(ctx context.Context, userID string) (*types.PlanOverride, error) {
	return v.subs.GetActiveOverride(ctx, userID)
}
