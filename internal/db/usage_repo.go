package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"lexcredit/internal/types"
)

// UsageRepo provides data access for the usage_counters table. Rows are
// keyed (user_id, year_month) and created lazily by upsert on first use of a
// month; there is no scheduled reset job.
type UsageRepo struct {
	db DBTX
}

// NewUsageRepo creates a new UsageRepo backed by the given database
// connection (pool or transaction).
func NewUsageRepo(db DBTX) *UsageRepo {
	return &UsageRepo{db: db}
}

// Get returns the counters for (user, yearMonth). A month with no row reads
// as all-zero counters, never an error.
func (r *UsageRepo) Get(ctx context.Context, userID, yearMonth string) (types.UsageCounter, error) {
	c := types.UsageCounter{UserID: userID, YearMonth: yearMonth}
	err := r.db.QueryRow(ctx,
		`SELECT cases_created, credits_spent, ai_sessions_started
		 FROM usage_counters
		 WHERE user_id = $1
		   AND year_month = $2`,
		userID, yearMonth,
	).Scan(&c.CasesCreated, &c.CreditsSpent, &c.AISessionsStarted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, nil
		}
		return c, types.NewAppError(types.ErrCodeInternalDB, "failed to get usage counters", err)
	}
	return c, nil
}

// Bump upserts the (user, yearMonth) row, adding the given amounts to its
// counters. The ON CONFLICT arm makes first-use-of-month creation and
// subsequent increments the same statement.
func (r *UsageRepo) Bump(ctx context.Context, userID, yearMonth string, cases int, credits int64, sessions int) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_counters (user_id, year_month, cases_created, credits_spent, ai_sessions_started)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, year_month) DO UPDATE
		 SET cases_created = usage_counters.cases_created + EXCLUDED.cases_created,
		     credits_spent = usage_counters.credits_spent + EXCLUDED.credits_spent,
		     ai_sessions_started = usage_counters.ai_sessions_started + EXCLUDED.ai_sessions_started`,
		userID, yearMonth, cases, credits, sessions,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to bump usage counters", err)
	}
	return nil
}
