package external

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lexcredit/internal/types"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) Upsert(ctx context.Context, s *types.SubscriptionState) error {
	return m.Called(ctx, s).Error(0)
}

func TestSyncWritesProviderState(t *testing.T) {
	provider := NewStubBillingProvider()
	provider.SetSubscription(types.SubscriptionState{
		UserID:    "user-1",
		Plan:      types.PlanPro,
		Status:    types.SubStatusActive,
		UpdatedAt: time.Now().UTC(),
	})

	writer := new(mockWriter)
	writer.On("Upsert", mock.Anything, mock.MatchedBy(func(s *types.SubscriptionState) bool {
		return s.UserID == "user-1" && s.Plan == types.PlanPro
	})).Return(nil)

	svc := NewSyncService(provider, writer, nil)
	state, err := svc.TriggerSync(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanPro, state.Plan)
	writer.AssertExpectations(t)
}

func TestSyncMissingSubscriptionWritesFreeCanceled(t *testing.T) {
	writer := new(mockWriter)
	writer.On("Upsert", mock.Anything, mock.MatchedBy(func(s *types.SubscriptionState) bool {
		return s.UserID == "user-2" && s.Plan == types.PlanFree && s.Status == types.SubStatusCanceled
	})).Return(nil)

	svc := NewSyncService(NewStubBillingProvider(), writer, nil)
	state, err := svc.TriggerSync(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Equal(t, types.PlanFree, state.Plan)
	writer.AssertExpectations(t)
}

func TestSyncPropagatesWriterError(t *testing.T) {
	provider := NewStubBillingProvider()
	provider.SetSubscription(types.SubscriptionState{UserID: "user-1", Plan: types.PlanStarter, Status: types.SubStatusActive})

	writer := new(mockWriter)
	writer.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("db down"))

	svc := NewSyncService(provider, writer, nil)
	_, err := svc.TriggerSync(context.Background(), "user-1")
	require.Error(t, err)
}
