// Package handlers contains the HTTP handler implementations for the
// LexCredit API.
//
// This file implements the credit metering surface: consuming actions,
// reading the wallet/usage status view, reading entitlements, listing the
// ledger, running a reconciliation check, and the admin maintenance
// operations (refill, balance rebuild).
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"lexcredit/internal/core"
	"lexcredit/internal/metering"
	"lexcredit/internal/reconcile"
	"lexcredit/internal/types"
)

// --- Service Interfaces ---
//
// These interfaces are defined locally following the handler injection
// pattern. This avoids coupling to concrete types and enables test mocking.

// ConsumeService is the write side of the metering engine.
type ConsumeService interface {
	Consume(ctx context.Context, actor types.Actor, req metering.ConsumeRequest) (*types.ConsumeResult, error)
	ApplyRefill(ctx context.Context, userID string, amount int64, periodKey string) (*types.ConsumeResult, error)
	RebuildBalance(ctx context.Context, userID string) (int64, bool, error)
}

// StatusViewer serves the display-only wallet and usage snapshot.
type StatusViewer interface {
	Status(ctx context.Context, userID string) (*types.StatusSnapshot, error)
}

// EntitlementsViewer serves the resolved plan view.
type EntitlementsViewer interface {
	Entitlements(ctx context.Context, userID string) (*types.Entitlements, error)
}

// LedgerReader lists a user's ledger entries, newest first.
type LedgerReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]types.LedgerEntry, error)
}

// ReconcileChecker compares the entitlement views and forces a billing
// resync when they disagree.
type ReconcileChecker interface {
	Check(ctx context.Context, userID string) (reconcile.Status, error)
}

// DenialRecorder emits a metric when a consume call is refused for a
// business reason (insufficient credits, case limit).
type DenialRecorder interface {
	RecordConsumeDenied(ctx context.Context, reason string)
}

// --- Request/Response Models ---

// ConsumeRequest is the request body for POST /v1/credits/consume.
//
// UserID is optional and admin-only: it lets an administrator apply an
// action (typically admin_adjust) to another user's wallet.
type ConsumeRequest struct {
	Action         string         `json:"action_type" validate:"required,max=64"`
	CaseID         *string        `json:"case_id,omitempty" validate:"omitempty,max=128"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
	Meta           map[string]any `json:"meta,omitempty"`
	UserID         string         `json:"user_id,omitempty" validate:"omitempty,max=128"`
}

// RefillRequest is the request body for POST /v1/admin/refill.
type RefillRequest struct {
	UserID    string `json:"user_id" validate:"required,max=128"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	PeriodKey string `json:"period_key" validate:"required,max=32"`
}

// RebuildRequest is the request body for POST /v1/admin/rebuild-balance.
type RebuildRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

// RebuildResponse reports the outcome of a balance rebuild.
type RebuildResponse struct {
	UserID           string `json:"user_id"`
	RebuiltBalance   int64  `json:"rebuilt_balance"`
	DriftCorrected   bool   `json:"drift_corrected"`
}

// LedgerResponse wraps the ledger listing.
type LedgerResponse struct {
	Entries []types.LedgerEntry `json:"entries"`
}

// --- Constants ---

const (
	// ledgerDefaultLimit is the page size when the caller does not ask for one.
	ledgerDefaultLimit = 50

	// ledgerMaxLimit caps a single ledger listing.
	ledgerMaxLimit = 200
)

// --- Handler ---

// CreditsHandler serves the metering, status, ledger and reconciliation
// endpoints.
type CreditsHandler struct {
	consumer     ConsumeService
	status       StatusViewer
	entitlements EntitlementsViewer
	ledger       LedgerReader
	reconciler   ReconcileChecker
	validator    *core.Validator
	metrics      DenialRecorder
	logger       *slog.Logger
}

// NewCreditsHandler creates a CreditsHandler. metrics and logger may be nil.
func NewCreditsHandler(
	consumer ConsumeService,
	status StatusViewer,
	entitlements EntitlementsViewer,
	ledger LedgerReader,
	reconciler ReconcileChecker,
	v *core.Validator,
	metrics DenialRecorder,
	l *slog.Logger,
) *CreditsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &CreditsHandler{
		consumer:     consumer,
		status:       status,
		entitlements: entitlements,
		ledger:       ledger,
		reconciler:   reconciler,
		validator:    v,
		metrics:      metrics,
		logger:       l,
	}
}

// RegisterRoutes mounts the credit routes onto the provided router.
func (h *CreditsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/credits/consume", h.Consume)
	r.Get("/credits/status", h.Status)
	r.Get("/credits/ledger", h.Ledger)
	r.Get("/entitlements", h.Entitlements)
	r.Post("/reconcile", h.Reconcile)
	r.Post("/admin/refill", h.Refill)
	r.Post("/admin/rebuild-balance", h.Rebuild)
}

// --- Handler Methods ---

// Consume handles POST /v1/credits/consume. It is the only write path for
// chargeable actions; every outcome is decided inside one transaction by the
// metering engine.
func (h *CreditsHandler) Consume(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req ConsumeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	// Admins may act on another user's wallet; everyone else may only act
	// on their own.
	if req.UserID != "" && req.UserID != actor.ID {
		if actor.Role != types.RoleAdmin {
			core.Error(w, r, types.NewAppError(types.ErrCodePermissionRole, "admin role required to act on another user", nil))
			return
		}
		actor = types.Actor{ID: req.UserID, Type: actor.Type, Role: actor.Role}
	}

	result, err := h.consumer.Consume(r.Context(), actor, metering.ConsumeRequest{
		Action:         types.ActionType(req.Action),
		CaseID:         req.CaseID,
		Meta:           types.Metadata(req.Meta),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.recordDenial(r.Context(), err)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// recordDenial emits a metric for business refusals. Validation and internal
// failures are not denials and are not counted.
func (h *CreditsHandler) recordDenial(ctx context.Context, err error) {
	if h.metrics == nil {
		return
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return
	}
	switch appErr.Code {
	case types.ErrCodeInsufficientCredits, types.ErrCodeCaseLimitReached:
		h.metrics.RecordConsumeDenied(ctx, string(appErr.Code))
	}
}

// Status handles GET /v1/credits/status. The snapshot is display-only; it
// never gates anything.
func (h *CreditsHandler) Status(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	userID, err := h.targetUser(r, actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	snapshot, err := h.status.Status(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: snapshot})
}

// Entitlements handles GET /v1/entitlements.
func (h *CreditsHandler) Entitlements(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	userID, err := h.targetUser(r, actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	ent, err := h.entitlements.Entitlements(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ent})
}

// Ledger handles GET /v1/credits/ledger. Entries come back newest first.
func (h *CreditsHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	userID, err := h.targetUser(r, actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	limit := ledgerDefaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 || n > ledgerMaxLimit {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"limit must be a number between 1 and 200",
				nil,
			))
			return
		}
		limit = n
	}

	entries, err := h.ledger.ListByUser(r.Context(), userID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.LedgerEntry{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: LedgerResponse{Entries: entries}})
}

// Reconcile handles POST /v1/reconcile. It compares the two plan views for
// the caller and, on disagreement, forces one billing resync before
// answering.
func (h *CreditsHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	userID, err := h.targetUser(r, actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	status, err := h.reconciler.Check(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: status})
}

// Refill handles POST /v1/admin/refill. Admin only. The period key makes
// repeated delivery of the same refill a no-op.
func (h *CreditsHandler) Refill(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}
	if actor.Role != types.RoleAdmin {
		core.Error(w, r, types.NewAppError(types.ErrCodePermissionRole, "admin role required", nil))
		return
	}

	var req RefillRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.consumer.ApplyRefill(r.Context(), req.UserID, req.Amount, req.PeriodKey)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.Info("manual refill applied",
		slog.String("user_id", req.UserID),
		slog.String("period_key", req.PeriodKey),
		slog.Int64("amount", req.Amount),
		slog.String("admin_id", actor.ID),
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// Rebuild handles POST /v1/admin/rebuild-balance. Admin only. It replays the
// ledger and, when the stored balance has drifted, overwrites it with the
// replayed sum.
func (h *CreditsHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}
	if actor.Role != types.RoleAdmin {
		core.Error(w, r, types.NewAppError(types.ErrCodePermissionRole, "admin role required", nil))
		return
	}

	var req RebuildRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	balance, corrected, err := h.consumer.RebuildBalance(r.Context(), req.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if corrected {
		h.logger.Warn("wallet balance drift corrected",
			slog.String("user_id", req.UserID),
			slog.Int64("rebuilt_balance", balance),
			slog.String("admin_id", actor.ID),
		)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: RebuildResponse{
		UserID:         req.UserID,
		RebuiltBalance: balance,
		DriftCorrected: corrected,
	}})
}

// targetUser resolves which user a read endpoint applies to. The optional
// user_id query parameter is admin-only.
func (h *CreditsHandler) targetUser(r *http.Request, actor types.Actor) (string, error) {
	target := r.URL.Query().Get("user_id")
	if target == "" || target == actor.ID {
		return actor.ID, nil
	}
	if actor.Role != types.RoleAdmin {
		return "", types.NewAppError(types.ErrCodePermissionRole, "admin role required to read another user", nil)
	}
	return target, nil
}
