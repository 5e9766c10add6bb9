package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"lexcredit/internal/types"
)

// SessionRepo provides data access for the ai_sessions table. Expiry is
// evaluated lazily by the caller; this repo only distinguishes is_active.
// Deactivated rows stay behind as the audit trail.
type SessionRepo struct {
	db DBTX
}

// NewSessionRepo creates a new SessionRepo backed by the given database
// connection (pool or transaction).
func NewSessionRepo(db DBTX) *SessionRepo {
	return &SessionRepo{db: db}
}

// Active returns the newest active session for (user, case), or nil if none
// exists. The row may already be expired or at its message cap; the caller
// decides what to do with it.
func (r *SessionRepo) Active(ctx context.Context, userID, caseID string) (*types.Session, error) {
	var s types.Session
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, case_id, started_at, last_message_at,
		        message_count, max_messages, expires_at, is_active
		 FROM ai_sessions
		 WHERE user_id = $1
		   AND case_id = $2
		   AND is_active
		 ORDER BY started_at DESC
		 LIMIT 1`,
		userID, caseID,
	).Scan(&s.ID, &s.UserID, &s.CaseID, &s.StartedAt, &s.LastMessageAt,
		&s.MessageCount, &s.MaxMessages, &s.ExpiresAt, &s.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get active session", err)
	}
	return &s, nil
}

// Create inserts a new session row.
func (r *SessionRepo) Create(ctx context.Context, s *types.Session) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO ai_sessions (id, user_id, case_id, started_at, last_message_at,
		                          message_count, max_messages, expires_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.UserID, s.CaseID, s.StartedAt, s.LastMessageAt,
		s.MessageCount, s.MaxMessages, s.ExpiresAt, s.IsActive,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create session", err)
	}
	return nil
}

// Touch increments message_count and updates last_message_at, returning the
// new count.
func (r *SessionRepo) Touch(ctx context.Context, sessionID string, at time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`UPDATE ai_sessions
		 SET message_count = message_count + 1,
		     last_message_at = $1
		 WHERE id = $2
		 RETURNING message_count`,
		at, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to touch session", err)
	}
	return count, nil
}

// Deactivate marks the session inactive.
func (r *SessionRepo) Deactivate(ctx context.Context, sessionID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE ai_sessions
		 SET is_active = FALSE
		 WHERE id = $1`,
		sessionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate session", err)
	}
	return nil
}
