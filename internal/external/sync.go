package external

import (
	"context"
	"log/slog"
	"time"

	"lexcredit/internal/types"
)

// SyncService pulls the authoritative subscription from the billing provider
// and writes it to the local mirror. This is the only write path into
// subscription_states; the metering engine itself never mutates billing
// state.
type SyncService struct {
	provider BillingProvider
	writer   SubscriptionWriter
	logger   *slog.Logger
	now      func() time.Time
}

// NewSyncService creates a SyncService. logger may be nil.
func NewSyncService(provider BillingProvider, writer SubscriptionWriter, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		provider: provider,
		writer:   writer,
		logger:   logger,
		now:      time.Now,
	}
}

// TriggerSync fetches the provider's current subscription for the user and
// upserts it locally. Idempotent: re-syncing an unchanged subscription is a
// no-op thanks to the writer's staleness guard.
//
// A user with no subscription at the provider is written back as a canceled
// free-tier row, so that a locally stale "paid" mirror converges to free
// instead of persisting forever.
func (s *SyncService) TriggerSync(ctx context.Context, userID string) (*types.SubscriptionState, error) {
	state, err := s.provider.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	if state == nil {
		state = &types.SubscriptionState{
			UserID:    userID,
			Plan:      types.PlanFree,
			Status:    types.SubStatusCanceled,
			UpdatedAt: s.now().UTC(),
		}
	}

	if err := s.writer.Upsert(ctx, state); err != nil {
		return nil, err
	}

	s.logger.Info("subscription synced",
		slog.String("user_id", userID),
		slog.String("plan", string(state.Plan)),
		slog.String("status", string(state.Status)),
	)
	return state, nil
}
