package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexcredit/internal/core"
	"lexcredit/internal/metering"
	"lexcredit/internal/reconcile"
	"lexcredit/internal/types"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type mockConsumeService struct {
	consumeFn func(ctx context.Context, actor types.Actor, req metering.ConsumeRequest) (*types.ConsumeResult, error)
	refillFn  func(ctx context.Context, userID string, amount int64, periodKey string) (*types.ConsumeResult, error)
	rebuildFn func(ctx context.Context, userID string) (int64, bool, error)
}

func (m *mockConsumeService) Consume(ctx context.Context, actor types.Actor, req metering.ConsumeRequest) (*types.ConsumeResult, error) {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, actor, req)
	}
	return &types.ConsumeResult{NewBalance: 90, CreditsCharged: 10}, nil
}

func (m *mockConsumeService) ApplyRefill(ctx context.Context, userID string, amount int64, periodKey string) (*types.ConsumeResult, error) {
	if m.refillFn != nil {
		return m.refillFn(ctx, userID, amount, periodKey)
	}
	return &types.ConsumeResult{NewBalance: 600, CreditsCharged: 0}, nil
}

func (m *mockConsumeService) RebuildBalance(ctx context.Context, userID string) (int64, bool, error) {
	if m.rebuildFn != nil {
		return m.rebuildFn(ctx, userID)
	}
	return 100, false, nil
}

type mockStatusViewer struct {
	statusFn func(ctx context.Context, userID string) (*types.StatusSnapshot, error)
}

func (m *mockStatusViewer) Status(ctx context.Context, userID string) (*types.StatusSnapshot, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, userID)
	}
	remaining := 22
	return &types.StatusSnapshot{
		Plan:               types.PlanPro,
		IsActive:           true,
		MonthlyCaseLimit:   25,
		CasesUsedThisMonth: 3,
		CasesRemaining:     &remaining,
		CreditsBalance:     480,
	}, nil
}

type mockEntitlementsViewer struct {
	entitlementsFn func(ctx context.Context, userID string) (*types.Entitlements, error)
}

func (m *mockEntitlementsViewer) Entitlements(ctx context.Context, userID string) (*types.Entitlements, error) {
	if m.entitlementsFn != nil {
		return m.entitlementsFn(ctx, userID)
	}
	return &types.Entitlements{
		Role:          types.RoleUser,
		Plan:          types.PlanPro,
		PlanSource:    types.SourceBilling,
		AccessAllowed: true,
	}, nil
}

type mockLedgerReader struct {
	listFn func(ctx context.Context, userID string, limit int) ([]types.LedgerEntry, error)
}

func (m *mockLedgerReader) ListByUser(ctx context.Context, userID string, limit int) ([]types.LedgerEntry, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID, limit)
	}
	return nil, nil
}

type mockReconcileChecker struct {
	checkFn func(ctx context.Context, userID string) (reconcile.Status, error)
}

func (m *mockReconcileChecker) Check(ctx context.Context, userID string) (reconcile.Status, error) {
	if m.checkFn != nil {
		return m.checkFn(ctx, userID)
	}
	return reconcile.Status{Ready: true, Plan: types.PlanPro}, nil
}

type mockDenialRecorder struct {
	reasons []string
}

func (m *mockDenialRecorder) RecordConsumeDenied(ctx context.Context, reason string) {
	m.reasons = append(m.reasons, reason)
}

// Compile-time interface assertions for mocks.
var (
	_ ConsumeService     = (*mockConsumeService)(nil)
	_ StatusViewer       = (*mockStatusViewer)(nil)
	_ EntitlementsViewer = (*mockEntitlementsViewer)(nil)
	_ LedgerReader       = (*mockLedgerReader)(nil)
	_ ReconcileChecker   = (*mockReconcileChecker)(nil)
	_ DenialRecorder     = (*mockDenialRecorder)(nil)
)

// =============================================================================
// Test Helpers
// =============================================================================

type creditsTestDeps struct {
	consumer     *mockConsumeService
	status       *mockStatusViewer
	entitlements *mockEntitlementsViewer
	ledger       *mockLedgerReader
	reconciler   *mockReconcileChecker
	metrics      *mockDenialRecorder
}

func newTestCreditsHandler(deps creditsTestDeps) (*CreditsHandler, *creditsTestDeps) {
	if deps.consumer == nil {
		deps.consumer = &mockConsumeService{}
	}
	if deps.status == nil {
		deps.status = &mockStatusViewer{}
	}
	if deps.entitlements == nil {
		deps.entitlements = &mockEntitlementsViewer{}
	}
	if deps.ledger == nil {
		deps.ledger = &mockLedgerReader{}
	}
	if deps.reconciler == nil {
		deps.reconciler = &mockReconcileChecker{}
	}
	if deps.metrics == nil {
		deps.metrics = &mockDenialRecorder{}
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := NewCreditsHandler(
		deps.consumer,
		deps.status,
		deps.entitlements,
		deps.ledger,
		deps.reconciler,
		core.NewValidator(),
		deps.metrics,
		logger,
	)
	return h, &deps
}

func creditsRouter(h *CreditsHandler) *chi.Mux {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func contextWithActor(userID string, role types.UserRole) context.Context {
	ctx := types.WithRequestID(context.Background(), "req_test_123")
	return types.WithActor(ctx, types.Actor{
		ID:   userID,
		Type: types.ActorTypeUser,
		Role: role,
	})
}

func makeRequest(method, path string, body any, ctx context.Context) *http.Request {
	var reqBody *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	return req
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body: %s", rr.Body.String())
	return resp.Error.Code
}

// =============================================================================
// Consume Tests
// =============================================================================

func TestConsume_Success(t *testing.T) {
	var captured metering.ConsumeRequest
	consumer := &mockConsumeService{
		consumeFn: func(ctx context.Context, actor types.Actor, req metering.ConsumeRequest) (*types.ConsumeResult, error) {
			captured = req
			return &types.ConsumeResult{NewBalance: 85, CreditsCharged: 15}, nil
		},
	}
	h, _ := newTestCreditsHandler(creditsTestDeps{consumer: consumer})

	caseID := "case-9"
	body := ConsumeRequest{
		Action:         "draft_generate",
		CaseID:         &caseID,
		IdempotencyKey: "idem-1",
	}
	req := makeRequest("POST", "/credits/consume", body, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, types.ActionDraftGenerate, captured.Action)
	require.NotNil(t, captured.CaseID)
	assert.Equal(t, "case-9", *captured.CaseID)
	assert.Equal(t, "idem-1", captured.IdempotencyKey)

	var envelope struct {
		Data types.ConsumeResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	assert.Equal(t, int64(85), envelope.Data.NewBalance)
	assert.Equal(t, int64(15), envelope.Data.CreditsCharged)
}

func TestConsume_MissingAction(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	req := makeRequest("POST", "/credits/consume", map[string]any{"case_id": "c1"}, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(types.ErrCodeValidationMissingField), errorCode(t, rr))
}

func TestConsume_NoActor(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	req := makeRequest("POST", "/credits/consume", ConsumeRequest{Action: "doc_analyze"}, nil)
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, string(types.ErrCodeAuthTokenMissing), errorCode(t, rr))
}

func TestConsume_InsufficientCreditsRecordsDenial(t *testing.T) {
	consumer := &mockConsumeService{
		consumeFn: func(ctx context.Context, actor types.Actor, req metering.ConsumeRequest) (*types.ConsumeResult, error) {
			return nil, types.NewAppError(types.ErrCodeInsufficientCredits, "insufficient credits", nil)
		},
	}
	h, deps := newTestCreditsHandler(creditsTestDeps{consumer: consumer})

	req := makeRequest("POST", "/credits/consume", ConsumeRequest{Action: "doc_analyze"}, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, string(types.ErrCodeInsufficientCredits), errorCode(t, rr))
	require.Len(t, deps.metrics.reasons, 1)
	assert.Equal(t, string(types.ErrCodeInsufficientCredits), deps.metrics.reasons[0])
}

func TestConsume_ValidationErrorNotCountedAsDenial(t *testing.T) {
	consumer := &mockConsumeService{
		consumeFn: func(ctx context.Context, actor types.Actor, req metering.ConsumeRequest) (*types.ConsumeResult, error) {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidAction, "unknown action type", nil)
		},
	}
	h, deps := newTestCreditsHandler(creditsTestDeps{consumer: consumer})

	req := makeRequest("POST", "/credits/consume", ConsumeRequest{Action: "not_a_thing"}, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, deps.metrics.reasons)
}

func TestConsume_AdminActsOnAnotherUser(t *testing.T) {
	var actedOn types.Actor
	consumer := &mockConsumeService{
		consumeFn: func(ctx context.Context, actor types.Actor, req metering.ConsumeRequest) (*types.ConsumeResult, error) {
			actedOn = actor
			return &types.ConsumeResult{NewBalance: 250}, nil
		},
	}
	h, _ := newTestCreditsHandler(creditsTestDeps{consumer: consumer})

	body := ConsumeRequest{
		Action: "admin_adjust",
		UserID: "user-target",
		Meta:   map[string]any{"delta": 50, "reason": "support credit"},
	}
	req := makeRequest("POST", "/credits/consume", body, contextWithActor("admin-1", types.RoleAdmin))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "user-target", actedOn.ID)
	assert.Equal(t, types.RoleAdmin, actedOn.Role)
}

func TestConsume_NonAdminCannotTargetAnotherUser(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	body := ConsumeRequest{Action: "doc_analyze", UserID: "someone-else"}
	req := makeRequest("POST", "/credits/consume", body, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(types.ErrCodePermissionRole), errorCode(t, rr))
}

// =============================================================================
// Status / Entitlements Tests
// =============================================================================

func TestStatus_Success(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	req := makeRequest("GET", "/credits/status", nil, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var envelope struct {
		Data types.StatusSnapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	assert.Equal(t, types.PlanPro, envelope.Data.Plan)
	assert.Equal(t, int64(480), envelope.Data.CreditsBalance)
	require.NotNil(t, envelope.Data.CasesRemaining)
	assert.Equal(t, 22, *envelope.Data.CasesRemaining)
}

func TestStatus_AdminReadsAnotherUser(t *testing.T) {
	var askedFor string
	status := &mockStatusViewer{
		statusFn: func(ctx context.Context, userID string) (*types.StatusSnapshot, error) {
			askedFor = userID
			return &types.StatusSnapshot{Plan: types.PlanFree}, nil
		},
	}
	h, _ := newTestCreditsHandler(creditsTestDeps{status: status})

	req := makeRequest("GET", "/credits/status?user_id=user-7", nil, contextWithActor("admin-1", types.RoleAdmin))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user-7", askedFor)
}

func TestStatus_NonAdminCannotReadAnotherUser(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	req := makeRequest("GET", "/credits/status?user_id=user-7", nil, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(types.ErrCodePermissionRole), errorCode(t, rr))
}

func TestEntitlements_Success(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	req := makeRequest("GET", "/entitlements", nil, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var envelope struct {
		Data types.Entitlements `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	assert.Equal(t, types.PlanPro, envelope.Data.Plan)
	assert.Equal(t, types.SourceBilling, envelope.Data.PlanSource)
	assert.True(t, envelope.Data.AccessAllowed)
}

// =============================================================================
// Ledger Tests
// =============================================================================

func TestLedger_Success(t *testing.T) {
	var capturedLimit int
	entry := types.LedgerEntry{
		ID:         "le-1",
		UserID:     "user-1",
		ActionType: types.ActionDocAnalyze,
		Delta:      -10,
		CreatedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	ledger := &mockLedgerReader{
		listFn: func(ctx context.Context, userID string, limit int) ([]types.LedgerEntry, error) {
			capturedLimit = limit
			return []types.LedgerEntry{entry}, nil
		},
	}
	h, _ := newTestCreditsHandler(creditsTestDeps{ledger: ledger})

	req := makeRequest("GET", "/credits/ledger?limit=10", nil, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 10, capturedLimit)

	var envelope struct {
		Data LedgerResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data.Entries, 1)
	assert.Equal(t, "le-1", envelope.Data.Entries[0].ID)
	assert.Equal(t, int64(-10), envelope.Data.Entries[0].Delta)
}

func TestLedger_EmptyIsAnArrayNotNull(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	req := makeRequest("GET", "/credits/ledger", nil, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"entries":[]`)
}

func TestLedger_InvalidLimit(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	req := makeRequest("GET", "/credits/ledger?limit=9999", nil, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

// =============================================================================
// Reconcile Tests
// =============================================================================

func TestReconcile_Success(t *testing.T) {
	checker := &mockReconcileChecker{
		checkFn: func(ctx context.Context, userID string) (reconcile.Status, error) {
			return reconcile.Status{Ready: true, Mismatch: false, Resynced: true, Plan: types.PlanPro}, nil
		},
	}
	h, _ := newTestCreditsHandler(creditsTestDeps{reconciler: checker})

	req := makeRequest("POST", "/reconcile", nil, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var envelope struct {
		Data reconcile.Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	assert.True(t, envelope.Data.Ready)
	assert.True(t, envelope.Data.Resynced)
}

func TestReconcile_UpstreamFailure(t *testing.T) {
	checker := &mockReconcileChecker{
		checkFn: func(ctx context.Context, userID string) (reconcile.Status, error) {
			return reconcile.Status{}, types.NewAppError(types.ErrCodeUpstreamBilling, "billing provider unavailable", nil)
		},
	}
	h, _ := newTestCreditsHandler(creditsTestDeps{reconciler: checker})

	req := makeRequest("POST", "/reconcile", nil, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, string(types.ErrCodeUpstreamBilling), errorCode(t, rr))
}

// =============================================================================
// Admin Tests
// =============================================================================

func TestRefill_Success(t *testing.T) {
	var gotUser, gotPeriod string
	var gotAmount int64
	consumer := &mockConsumeService{
		refillFn: func(ctx context.Context, userID string, amount int64, periodKey string) (*types.ConsumeResult, error) {
			gotUser, gotAmount, gotPeriod = userID, amount, periodKey
			return &types.ConsumeResult{NewBalance: 600}, nil
		},
	}
	h, _ := newTestCreditsHandler(creditsTestDeps{consumer: consumer})

	body := RefillRequest{UserID: "user-3", Amount: 500, PeriodKey: "2026-08"}
	req := makeRequest("POST", "/admin/refill", body, contextWithActor("admin-1", types.RoleAdmin))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "user-3", gotUser)
	assert.Equal(t, int64(500), gotAmount)
	assert.Equal(t, "2026-08", gotPeriod)
}

func TestRefill_RequiresAdmin(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	body := RefillRequest{UserID: "user-3", Amount: 500, PeriodKey: "2026-08"}
	req := makeRequest("POST", "/admin/refill", body, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(types.ErrCodePermissionRole), errorCode(t, rr))
}

func TestRefill_RejectsNonPositiveAmount(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	body := RefillRequest{UserID: "user-3", Amount: 0, PeriodKey: "2026-08"}
	req := makeRequest("POST", "/admin/refill", body, contextWithActor("admin-1", types.RoleAdmin))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRebuild_ReportsDriftCorrection(t *testing.T) {
	consumer := &mockConsumeService{
		rebuildFn: func(ctx context.Context, userID string) (int64, bool, error) {
			return 730, true, nil
		},
	}
	h, _ := newTestCreditsHandler(creditsTestDeps{consumer: consumer})

	body := RebuildRequest{UserID: "user-5"}
	req := makeRequest("POST", "/admin/rebuild-balance", body, contextWithActor("admin-1", types.RoleAdmin))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var envelope struct {
		Data RebuildResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	assert.Equal(t, "user-5", envelope.Data.UserID)
	assert.Equal(t, int64(730), envelope.Data.RebuiltBalance)
	assert.True(t, envelope.Data.DriftCorrected)
}

func TestRebuild_RequiresAdmin(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	body := RebuildRequest{UserID: "user-5"}
	req := makeRequest("POST", "/admin/rebuild-balance", body, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRegisterRoutes_UnknownPath(t *testing.T) {
	h, _ := newTestCreditsHandler(creditsTestDeps{})

	req := makeRequest("GET", "/credits/nope", nil, contextWithActor("user-1", types.RoleUser))
	rr := httptest.NewRecorder()
	creditsRouter(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
