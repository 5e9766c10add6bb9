package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"lexcredit/internal/types"
)

// TokenRepo provides data access for the api_tokens table. Tokens use bcrypt
// hashing; plaintext secrets are never stored. The lookup_hash column is a
// deterministic digest used only to find the candidate row before the bcrypt
// verify.
type TokenRepo struct {
	db DBTX
}

// NewTokenRepo creates a new TokenRepo backed by the given database
// connection (pool or transaction).
func NewTokenRepo(db DBTX) *TokenRepo {
	return &TokenRepo{db: db}
}

// FindByLookupHash returns the non-revoked token with the given lookup hash,
// or nil if none exists. Expiry is evaluated by the caller so that expired
// and missing tokens can map to distinct error codes.
func (r *TokenRepo) FindByLookupHash(ctx context.Context, lookupHash string) (*types.APIToken, error) {
	var t types.APIToken
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, lookup_hash, secret_hash, role, expires_at, revoked_at, created_at
		 FROM api_tokens
		 WHERE lookup_hash = $1
		   AND revoked_at IS NULL`,
		lookupHash,
	).Scan(&t.ID, &t.UserID, &t.LookupHash, &t.SecretHash, &t.Role,
		&t.ExpiresAt, &t.RevokedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up api token", err)
	}
	return &t, nil
}
