package metering

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lexcredit/internal/types"
)

func chatReq() ConsumeRequest {
	caseID := gwCase
	return ConsumeRequest{Action: types.ActionChatMessage, CaseID: &caseID}
}

func liveSession(count int) *types.Session {
	return &types.Session{
		ID:           "sess_1",
		UserID:       "usr_1",
		CaseID:       gwCase,
		StartedAt:    gwNow.Add(-5 * time.Minute),
		MessageCount: count,
		MaxMessages:  10,
		ExpiresAt:    gwNow.Add(25 * time.Minute),
		IsActive:     true,
	}
}

func TestConsume_SessionStartCharges(t *testing.T) {
	g, tx := setupGateway(t, types.PlanFree)

	tx.On("LockWallet", mock.Anything, "usr_1").Return(wallet(10), nil)
	tx.On("ActiveSession", mock.Anything, "usr_1", gwCase).Return(nil, nil)
	tx.On("ApplyWalletDelta", mock.Anything, "usr_1", int64(-5), int64(0)).Return(int64(5), nil)
	tx.On("CreateSession", mock.Anything, mock.MatchedBy(func(s *types.Session) bool {
		return s.MessageCount == 1 &&
			s.MaxMessages == 10 &&
			s.ExpiresAt.Equal(gwNow.Add(30*time.Minute)) &&
			s.IsActive
	})).Return(nil)
	tx.On("BumpUsage", mock.Anything, "usr_1", "2026-08", 0, int64(5), 1).Return(nil)
	tx.On("InsertLedger", mock.Anything, mock.MatchedBy(func(e *types.LedgerEntry) bool {
		return e.Delta == -5 && e.Meta.GetString(types.MetaSessionID) != ""
	})).Return(nil)
	tx.On("Commit", mock.Anything).Return(nil)

	result, err := g.Consume(context.Background(), gwUser, chatReq())
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	assert.True(t, result.Session.Charged)
	assert.Equal(t, 1, result.Session.MessageCount)
	assert.Equal(t, int64(5), result.CreditsCharged)
	assert.Equal(t, int64(5), result.NewBalance)
	tx.AssertExpectations(t)
}

// N messages within the cap and window produce exactly one charge and N-1
// free extensions; only the start writes a ledger entry.
func TestConsume_SessionExtensionIsFree(t *testing.T) {
	g, tx := setupGateway(t, types.PlanFree)

	tx.On("LockWallet", mock.Anything, "usr_1").Return(wallet(5), nil)
	tx.On("ActiveSession", mock.Anything, "usr_1", gwCase).Return(liveSession(3), nil)
	tx.On("TouchSession", mock.Anything, "sess_1", gwNow).Return(4, nil)
	tx.On("Commit", mock.Anything).Return(nil)

	result, err := g.Consume(context.Background(), gwUser, chatReq())
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	assert.False(t, result.Session.Charged)
	assert.Equal(t, 4, result.Session.MessageCount)
	assert.Equal(t, int64(0), result.CreditsCharged)
	assert.Equal(t, int64(5), result.NewBalance)

	tx.AssertNotCalled(t, "InsertLedger", mock.Anything, mock.Anything)
	tx.AssertNotCalled(t, "ApplyWalletDelta", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	tx.AssertNotCalled(t, "BumpUsage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestConsume_ExpiredSessionRechargesLazily(t *testing.T) {
	g, tx := setupGateway(t, types.PlanFree)

	stale := liveSession(4)
	stale.ExpiresAt = gwNow.Add(-time.Minute)

	tx.On("LockWallet", mock.Anything, "usr_1").Return(wallet(10), nil)
	tx.On("ActiveSession", mock.Anything, "usr_1", gwCase).Return(stale, nil)
	tx.On("DeactivateSession", mock.Anything, "sess_1").Return(nil)
	tx.On("ApplyWalletDelta", mock.Anything, "usr_1", int64(-5), int64(0)).Return(int64(5), nil)
	tx.On("CreateSession", mock.Anything, mock.Anything).Return(nil)
	tx.On("BumpUsage", mock.Anything, "usr_1", "2026-08", 0, int64(5), 1).Return(nil)
	tx.On("InsertLedger", mock.Anything, mock.Anything).Return(nil)
	tx.On("Commit", mock.Anything).Return(nil)

	result, err := g.Consume(context.Background(), gwUser, chatReq())
	require.NoError(t, err)
	assert.True(t, result.Session.Charged)
	assert.NotEqual(t, "sess_1", result.Session.SessionID)
	tx.AssertExpectations(t)
}

func TestConsume_MessageCapForcesNewSession(t *testing.T) {
	g, tx := setupGateway(t, types.PlanFree)

	capped := liveSession(10) // at the cap, not yet expired

	tx.On("LockWallet", mock.Anything, "usr_1").Return(wallet(10), nil)
	tx.On("ActiveSession", mock.Anything, "usr_1", gwCase).Return(capped, nil)
	tx.On("DeactivateSession", mock.Anything, "sess_1").Return(nil)
	tx.On("ApplyWalletDelta", mock.Anything, "usr_1", int64(-5), int64(0)).Return(int64(5), nil)
	tx.On("CreateSession", mock.Anything, mock.Anything).Return(nil)
	tx.On("BumpUsage", mock.Anything, "usr_1", "2026-08", 0, int64(5), 1).Return(nil)
	tx.On("InsertLedger", mock.Anything, mock.Anything).Return(nil)
	tx.On("Commit", mock.Anything).Return(nil)

	result, err := g.Consume(context.Background(), gwUser, chatReq())
	require.NoError(t, err)
	assert.True(t, result.Session.Charged)
	assert.Equal(t, 1, result.Session.MessageCount)
}

func TestConsume_SessionStartInsufficientCredits(t *testing.T) {
	g, tx := setupGateway(t, types.PlanFree)

	tx.On("LockWallet", mock.Anything, "usr_1").Return(wallet(4), nil)
	tx.On("ActiveSession", mock.Anything, "usr_1", gwCase).Return(nil, nil)

	_, err := g.Consume(context.Background(), gwUser, chatReq())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInsufficientCredits, appErrCode(t, err))

	appErr := err.(*types.AppError)
	assert.Equal(t, int64(4), appErr.Details["current_balance"])
	assert.Equal(t, int64(5), appErr.Details["required"])
	tx.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything)
}

// Unlimited users re-enter the start branch on expiry but are never debited;
// the ledger still records a zero-delta entry with the nominal cost for
// observability.
func TestConsume_SessionStartUnlimitedZeroDelta(t *testing.T) {
	g, tx := setupGateway(t, types.PlanUnlimited)

	tx.On("LockWallet", mock.Anything, "usr_1").Return(wallet(0), nil)
	tx.On("ActiveSession", mock.Anything, "usr_1", gwCase).Return(nil, nil)
	tx.On("CreateSession", mock.Anything, mock.Anything).Return(nil)
	tx.On("BumpUsage", mock.Anything, "usr_1", "2026-08", 0, int64(0), 1).Return(nil)
	tx.On("InsertLedger", mock.Anything, mock.MatchedBy(func(e *types.LedgerEntry) bool {
		cost, _ := e.Meta.GetInt64(types.MetaNominalCost)
		return e.Delta == 0 && e.Meta.GetBool(types.MetaUnlimited) && cost == 5
	})).Return(nil)
	tx.On("Commit", mock.Anything).Return(nil)

	result, err := g.Consume(context.Background(), gwUser, chatReq())
	require.NoError(t, err)
	assert.True(t, result.Session.Charged)
	assert.Equal(t, int64(0), result.CreditsCharged)
	tx.AssertNotCalled(t, "ApplyWalletDelta", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestConsume_SessionActionRequiresCaseID(t *testing.T) {
	g, tx := setupGateway(t, types.PlanFree)
	tx.On("LockWallet", mock.Anything, "usr_1").Return(wallet(10), nil)

	_, err := g.Consume(context.Background(), gwUser, ConsumeRequest{Action: types.ActionChatMessage})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidationMissingField, appErrCode(t, err))
}
