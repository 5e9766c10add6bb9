package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"lexcredit/internal/types"
)

// meterTx is the metering.Tx implementation. It binds the repositories to one
// pgx transaction so every step of a consume call commits or rolls back as a
// unit.
type meterTx struct {
	tx       pgx.Tx
	wallets  *WalletRepo
	ledger   *LedgerRepo
	usage    *UsageRepo
	sessions *SessionRepo
}

func newMeterTx(tx pgx.Tx) *meterTx {
	return &meterTx{
		tx:       tx,
		wallets:  NewWalletRepo(tx),
		ledger:   NewLedgerRepo(tx),
		usage:    NewUsageRepo(tx),
		sessions: NewSessionRepo(tx),
	}
}

func (t *meterTx) LockWallet(ctx context.Context, userID string) (*types.Wallet, error) {
	return t.wallets.Lock(ctx, userID)
}

func (t *meterTx) ApplyWalletDelta(ctx context.Context, userID string, delta, lifetimeDelta int64) (int64, error) {
	return t.wallets.ApplyDelta(ctx, userID, delta, lifetimeDelta)
}

func (t *meterTx) SetWalletBalance(ctx context.Context, userID string, balance int64) error {
	return t.wallets.SetBalance(ctx, userID, balance)
}

func (t *meterTx) GetUsage(ctx context.Context, userID, yearMonth string) (types.UsageCounter, error) {
	return t.usage.Get(ctx, userID, yearMonth)
}

func (t *meterTx) BumpUsage(ctx context.Context, userID, yearMonth string, cases int, credits int64, sessions int) error {
	return t.usage.Bump(ctx, userID, yearMonth, cases, credits, sessions)
}

func (t *meterTx) FindLedgerByKey(ctx context.Context, userID string, action types.ActionType, key string, since time.Time) (*types.LedgerEntry, error) {
	return t.ledger.FindByIdempotencyKey(ctx, userID, action, key, since)
}

func (t *meterTx) InsertLedger(ctx context.Context, entry *types.LedgerEntry) error {
	return t.ledger.Insert(ctx, entry)
}

func (t *meterTx) SumLedgerDeltas(ctx context.Context, userID string) (int64, error) {
	return t.ledger.SumDeltas(ctx, userID)
}

func (t *meterTx) ActiveSession(ctx context.Context, userID, caseID string) (*types.Session, error) {
	return t.sessions.Active(ctx, userID, caseID)
}

func (t *meterTx) DeactivateSession(ctx context.Context, sessionID string) error {
	return t.sessions.Deactivate(ctx, sessionID)
}

func (t *meterTx) CreateSession(ctx context.Context, s *types.Session) error {
	return t.sessions.Create(ctx, s)
}

func (t *meterTx) TouchSession(ctx context.Context, sessionID string, at time.Time) (int, error) {
	return t.sessions.Touch(ctx, sessionID, at)
}

func (t *meterTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}

// Rollback rolls back the transaction. Safe to call after Commit; pgx returns
// ErrTxClosed which is swallowed here.
func (t *meterTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to roll back transaction", err)
	}
	return nil
}
