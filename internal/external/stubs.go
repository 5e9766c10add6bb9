package external

import (
	"context"
	"sync"

	"lexcredit/internal/types"
)

// StubBillingProvider is the in-memory BillingProvider used in local
// development and tests when no Stripe key is configured. Seed it with
// SetSubscription; unseeded users read as having no subscription.
type StubBillingProvider struct {
	mu   sync.RWMutex
	subs map[string]types.SubscriptionState
}

// NewStubBillingProvider creates an empty stub provider.
func NewStubBillingProvider() *StubBillingProvider {
	return &StubBillingProvider{subs: make(map[string]types.SubscriptionState)}
}

// SetSubscription seeds or replaces the stub subscription for a user.
func (p *StubBillingProvider) SetSubscription(s types.SubscriptionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[s.UserID] = s
}

// ClearSubscription removes the stub subscription for a user.
func (p *StubBillingProvider) ClearSubscription(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, userID)
}

// GetSubscription implements BillingProvider.
func (p *StubBillingProvider) GetSubscription(_ context.Context, userID string) (*types.SubscriptionState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.subs[userID]; ok {
		out := s
		return &out, nil
	}
	return nil, nil
}
