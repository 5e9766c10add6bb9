// Package auth verifies bearer tokens and resolves them to request actors.
// Tokens are API-token style credentials: a deterministic SHA-256 lookup hash
// finds the candidate row, then bcrypt verifies the secret. Plaintext tokens
// are never stored.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lexcredit/internal/types"
)

// bcryptCost is the bcrypt cost factor used for token secret hashing.
const bcryptCost = 12

// TokenLookup is the data access the service needs. Implemented by
// db.TokenRepo. Returns (nil, nil) when no non-revoked row matches.
type TokenLookup interface {
	FindByLookupHash(ctx context.Context, lookupHash string) (*types.APIToken, error)
}

// SecretHasher abstracts bcrypt operations for testability.
type SecretHasher interface {
	CompareHashAndPassword(hashedSecret, secret string) error
	GenerateFromPassword(secret string) (string, error)
}

// bcryptHasher is the production implementation of SecretHasher.
type bcryptHasher struct{}

func (b *bcryptHasher) CompareHashAndPassword(hashedSecret, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedSecret), []byte(secret))
}

func (b *bcryptHasher) GenerateFromPassword(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// HashToken produces a hex-encoded SHA-256 hash of a raw token string.
// Unlike bcrypt this is deterministic, so it can drive the indexed lookup;
// it never serves as the verification step on its own.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// Service authenticates bearer tokens into actors.
type Service struct {
	tokens TokenLookup
	hasher SecretHasher
	logger *slog.Logger
	now    func() time.Time
}

// ServiceConfig holds the dependencies for creating a Service.
// Hasher, Logger, and Now may be nil.
type ServiceConfig struct {
	Tokens TokenLookup
	Hasher SecretHasher
	Logger *slog.Logger
	Now    func() time.Time
}

// NewService creates an auth Service.
func NewService(cfg ServiceConfig) *Service {
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = &bcryptHasher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{tokens: cfg.Tokens, hasher: hasher, logger: logger, now: now}
}

// Authenticate resolves a raw bearer token to the acting user. Missing,
// unknown, and expired tokens map to distinct error codes so clients can tell
// "re-authenticate" apart from "request a new token".
func (s *Service) Authenticate(ctx context.Context, rawToken string) (types.Actor, error) {
	if rawToken == "" {
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing bearer token", nil)
	}

	token, err := s.tokens.FindByLookupHash(ctx, HashToken(rawToken))
	if err != nil {
		return types.Actor{}, err
	}
	if token == nil {
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid bearer token", nil)
	}

	if token.ExpiresAt != nil && !token.ExpiresAt.After(s.now()) {
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenExpired, "bearer token expired", nil)
	}

	if err := s.hasher.CompareHashAndPassword(token.SecretHash, rawToken); err != nil {
		// A lookup-hash hit with a bcrypt miss should not happen unless rows
		// were tampered with; log it.
		s.logger.Warn("token lookup hash matched but secret verification failed",
			slog.String("token_id", token.ID),
		)
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid bearer token", nil)
	}

	return types.Actor{
		ID:   token.UserID,
		Type: types.ActorTypeUser,
		Role: token.Role,
	}, nil
}

// AdminAllowlist is the config-driven admin set. It implements the
// billing.AdminChecker dependency of plan resolution.
type AdminAllowlist map[string]struct{}

// NewAdminAllowlist builds the set from the configured user IDs.
func NewAdminAllowlist(userIDs []string) AdminAllowlist {
	set := make(AdminAllowlist, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// IsAdmin reports allowlist membership.
func (a AdminAllowlist) IsAdmin(userID string) bool {
	_, ok := a[userID]
	return ok
}
