package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"lexcredit/internal/types"
)

// SubscriptionRepo manages the local mirror of billing provider state
// (subscription_states) and the administrative plan_overrides table.
//
// The metering engine reads both tables but writes only subscription_states,
// and only through Upsert on the billing-sync path. Overrides are written by
// the back-office tooling, never here.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a new SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

// GetSubscriptionState returns the user's last synced subscription, or nil if
// the user has never had one.
func (r *SubscriptionRepo) GetSubscriptionState(ctx context.Context, userID string) (*types.SubscriptionState, error) {
	var s types.SubscriptionState
	err := r.db.QueryRow(ctx,
		`SELECT user_id, plan, status, monthly_case_limit, monthly_credit_refill,
		        current_period_end, updated_at
		 FROM subscription_states
		 WHERE user_id = $1`,
		userID,
	).Scan(&s.UserID, &s.Plan, &s.Status, &s.MonthlyCaseLimit, &s.MonthlyCreditRefill,
		&s.CurrentPeriodEnd, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription state", err)
	}
	return &s, nil
}

// GetActiveOverride returns the user's active plan override, or nil if none
// exists. Expiry is evaluated by the caller; rows flagged inactive are
// filtered here.
func (r *SubscriptionRepo) GetActiveOverride(ctx context.Context, userID string) (*types.PlanOverride, error) {
	var o types.PlanOverride
	err := r.db.QueryRow(ctx,
		`SELECT user_id, plan_code, is_active, expires_at
		 FROM plan_overrides
		 WHERE user_id = $1
		   AND is_active
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID,
	).Scan(&o.UserID, &o.PlanCode, &o.IsActive, &o.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get plan override", err)
	}
	return &o, nil
}

// Upsert writes the provider's latest subscription state for the user. The
// guard on updated_at makes out-of-order sync results an idempotent no-op:
// an older snapshot never overwrites a newer one.
func (r *SubscriptionRepo) Upsert(ctx context.Context, s *types.SubscriptionState) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscription_states
		   (user_id, plan, status, monthly_case_limit, monthly_credit_refill,
		    current_period_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE
		 SET plan = EXCLUDED.plan,
		     status = EXCLUDED.status,
		     monthly_case_limit = EXCLUDED.monthly_case_limit,
		     monthly_credit_refill = EXCLUDED.monthly_credit_refill,
		     current_period_end = EXCLUDED.current_period_end,
		     updated_at = EXCLUDED.updated_at
		 WHERE subscription_states.updated_at < EXCLUDED.updated_at`,
		s.UserID, s.Plan, s.Status, s.MonthlyCaseLimit, s.MonthlyCreditRefill,
		s.CurrentPeriodEnd, s.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription state", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("stale subscription sync ignored",
			slog.String("user_id", s.UserID),
			slog.Time("updated_at", s.UpdatedAt),
		)
	}
	return nil
}

// expiresSoonWindow bounds the ExpiringOverrides sweep.
const expiresSoonWindow = 24 * time.Hour

// ExpiringOverrides lists active overrides that lapse within the next day.
// The reconcile sweep uses this to warm the resync debounce before users
// notice a plan downgrade.
func (r *SubscriptionRepo) ExpiringOverrides(ctx context.Context, now time.Time) ([]types.PlanOverride, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id, plan_code, is_active, expires_at
		 FROM plan_overrides
		 WHERE is_active
		   AND expires_at IS NOT NULL
		   AND expires_at BETWEEN $1 AND $2`,
		now, now.Add(expiresSoonWindow),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query expiring overrides", err)
	}
	defer rows.Close()

	var overrides []types.PlanOverride
	for rows.Next() {
		var o types.PlanOverride
		if err := rows.Scan(&o.UserID, &o.PlanCode, &o.IsActive, &o.ExpiresAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan override", err)
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plan overrides", err)
	}
	return overrides, nil
}

// DueForRefill lists subscriptions that carry a monthly credit refill and are
// in a status that still earns one. The refill sweep applies each under the
// current period key; the ledger makes re-application a no-op, so the query
// does not need to track what has already been granted.
func (r *SubscriptionRepo) DueForRefill(ctx context.Context) ([]types.SubscriptionState, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id, plan, status, monthly_case_limit, monthly_credit_refill,
		        current_period_end, updated_at
		 FROM subscription_states
		 WHERE monthly_credit_refill > 0
		   AND status IN ('active', 'trialing', 'past_due')`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query refill candidates", err)
	}
	defer rows.Close()

	var subs []types.SubscriptionState
	for rows.Next() {
		var s types.SubscriptionState
		if err := rows.Scan(&s.UserID, &s.Plan, &s.Status, &s.MonthlyCaseLimit,
			&s.MonthlyCreditRefill, &s.CurrentPeriodEnd, &s.UpdatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan refill candidate", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating refill candidates", err)
	}
	return subs, nil
}
