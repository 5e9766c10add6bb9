package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"lexcredit/internal/types"
)

// WalletRepo provides data access for the wallets table. One row per user;
// the balance is a cached projection of the ledger and is only mutated inside
// the gateway's transaction.
type WalletRepo struct {
	db DBTX
}

// NewWalletRepo creates a new WalletRepo backed by the given database
// connection (pool or transaction).
func NewWalletRepo(db DBTX) *WalletRepo {
	return &WalletRepo{db: db}
}

// Lock acquires a FOR UPDATE lock on the user's wallet row, creating a
// zero-balance row first if none exists. Must be called inside a transaction;
// the lock is what serializes concurrent consume calls for the same user.
//
// The insert uses ON CONFLICT DO NOTHING so two transactions racing to create
// the row both proceed to the locking select, where one blocks until the
// other commits.
func (r *WalletRepo) Lock(ctx context.Context, userID string) (*types.Wallet, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO wallets (user_id, balance_credits, lifetime_credits, created_at, updated_at)
		 VALUES ($1, 0, 0, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to ensure wallet row", err)
	}

	var w types.Wallet
	err = r.db.QueryRow(ctx,
		`SELECT user_id, balance_credits, lifetime_credits, created_at, updated_at
		 FROM wallets
		 WHERE user_id = $1
		 FOR UPDATE`,
		userID,
	).Scan(&w.UserID, &w.BalanceCredits, &w.LifetimeCredits, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock wallet row", err)
	}
	return &w, nil
}

// ApplyDelta adjusts balance_credits by delta and lifetime_credits by
// lifetimeDelta, returning the new balance. The caller holds the row lock, so
// the returned balance is the committed value other transactions will see.
func (r *WalletRepo) ApplyDelta(ctx context.Context, userID string, delta, lifetimeDelta int64) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx,
		`UPDATE wallets
		 SET balance_credits = balance_credits + $1,
		     lifetime_credits = lifetime_credits + $2,
		     updated_at = NOW()
		 WHERE user_id = $3
		 RETURNING balance_credits`,
		delta, lifetimeDelta, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, types.NewAppError(types.ErrCodeNotFoundWallet, "wallet not found", nil)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to apply wallet delta", err)
	}
	return balance, nil
}

// SetBalance overwrites balance_credits. Used only by the ledger replay
// verification path; normal flow goes through ApplyDelta.
func (r *WalletRepo) SetBalance(ctx context.Context, userID string, balance int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE wallets
		 SET balance_credits = $1,
		     updated_at = NOW()
		 WHERE user_id = $2`,
		balance, userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set wallet balance", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundWallet, "wallet not found", nil)
	}
	return nil
}

// Get returns the user's wallet, or nil if none exists yet. Read-only; used
// by the status view outside the gateway's transaction.
func (r *WalletRepo) Get(ctx context.Context, userID string) (*types.Wallet, error) {
	var w types.Wallet
	err := r.db.QueryRow(ctx,
		`SELECT user_id, balance_credits, lifetime_credits, created_at, updated_at
		 FROM wallets
		 WHERE user_id = $1`,
		userID,
	).Scan(&w.UserID, &w.BalanceCredits, &w.LifetimeCredits, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get wallet", err)
	}
	return &w, nil
}
