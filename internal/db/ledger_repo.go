package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"lexcredit/internal/types"
)

// LedgerRepo provides data access for the ledger_entries table. The ledger is
// append-only: Insert is the only write, rows are never updated or deleted.
type LedgerRepo struct {
	db DBTX
}

// NewLedgerRepo creates a new LedgerRepo backed by the given database
// connection (pool or transaction).
func NewLedgerRepo(db DBTX) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Insert appends one ledger entry. The meta column is JSONB; types.Metadata
// implements driver.Valuer so it marshals in place.
func (r *LedgerRepo) Insert(ctx context.Context, entry *types.LedgerEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, case_id, action_type, delta, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID,
		entry.UserID,
		entry.CaseID,
		entry.ActionType,
		entry.Delta,
		entry.Meta,
		entry.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert ledger entry", err)
	}
	return nil
}

// FindByIdempotencyKey returns the newest entry for (user, action, key)
// created at or after since, or nil if none matches. The key lives in the
// JSONB meta column; the partial expression index on
// (user_id, action_type, (meta->>'idempotency_key')) keeps this a point
// lookup.
func (r *LedgerRepo) FindByIdempotencyKey(ctx context.Context, userID string, action types.ActionType, key string, since time.Time) (*types.LedgerEntry, error) {
	var e types.LedgerEntry
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, case_id, action_type, delta, meta, created_at
		 FROM ledger_entries
		 WHERE user_id = $1
		   AND action_type = $2
		   AND meta->>'idempotency_key' = $3
		   AND created_at >= $4
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, action, key, since,
	).Scan(&e.ID, &e.UserID, &e.CaseID, &e.ActionType, &e.Delta, &e.Meta, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up idempotency key", err)
	}
	return &e, nil
}

// SumDeltas returns the sum of all committed deltas for the user. Used by the
// balance rebuild path to verify the cached wallet balance against the
// ledger.
func (r *LedgerRepo) SumDeltas(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0)
		 FROM ledger_entries
		 WHERE user_id = $1`,
		userID,
	).Scan(&sum)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum ledger deltas", err)
	}
	return sum, nil
}

// ListByUser returns the user's entries newest first, capped at limit. Serves
// the audit/history endpoint; limit <= 0 defaults to 50.
func (r *LedgerRepo) ListByUser(ctx context.Context, userID string, limit int) ([]types.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, case_id, action_type, delta, meta, created_at
		 FROM ledger_entries
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query ledger entries", err)
	}
	defer rows.Close()

	var entries []types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.CaseID, &e.ActionType, &e.Delta, &e.Meta, &e.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating ledger entries", err)
	}
	return entries, nil
}
