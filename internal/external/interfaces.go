package external

import (
	"context"

	"lexcredit/internal/types"
)

// BillingProvider fetches the authoritative subscription for a user from the
// billing vendor. Returns (nil, nil) when the user has no subscription there.
type BillingProvider interface {
	GetSubscription(ctx context.Context, userID string) (*types.SubscriptionState, error)
}

// SubscriptionWriter persists a synced subscription snapshot locally.
// Implemented by db.SubscriptionRepo.
type SubscriptionWriter interface {
	Upsert(ctx context.Context, s *types.SubscriptionState) error
}
