package metering

import (
	"context"
	"log/slog"
	"time"

	"lexcredit/internal/billing"
	"lexcredit/internal/types"
)

// startOrExtendSession implements the session state machine inside the
// gateway's transaction:
//
//	none    -> active: first session-scoped action for (user, case) charges
//	           the nominal cost once and opens a session.
//	active  -> active: while now < expires_at and message_count < cap,
//	           increment the count and charge nothing.
//	active  -> expired: evaluated lazily on the next lookup; the stale row
//	           is marked inactive and a fresh session re-enters none->active,
//	           charging again.
//
// Unlimited-plan users always take the start-new-session branch on expiry
// but are never debited; the ledger records a zero-delta entry tagged
// unlimited with the nominal cost in meta for reporting.
func (g *Gateway) startOrExtendSession(
	ctx context.Context,
	tx Tx,
	userID string,
	resolved types.ResolvedPlan,
	req ConsumeRequest,
	spec billing.ActionSpec,
	wallet *types.Wallet,
	now time.Time,
) (*types.ConsumeResult, error) {
	if req.CaseID == nil || *req.CaseID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "case_id is required for session actions", nil)
	}
	caseID := *req.CaseID

	maxMessages := resolved.Limits.MessagesPerSession
	if maxMessages < 1 {
		maxMessages = g.opts.SessionMaxMessages
	}

	current, err := tx.ActiveSession(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}

	if current != nil && current.Live(now) {
		count, err := tx.TouchSession(ctx, current.ID, now)
		if err != nil {
			return nil, err
		}
		// Extension: no ledger entry, no wallet change.
		return &types.ConsumeResult{
			NewBalance: wallet.BalanceCredits,
			Session: &types.SessionInfo{
				SessionID:    current.ID,
				Charged:      false,
				MessageCount: count,
				MaxMessages:  current.MaxMessages,
			},
		}, nil
	}

	if current != nil {
		if err := tx.DeactivateSession(ctx, current.ID); err != nil {
			return nil, err
		}
		g.logger.Debug("session expired",
			slog.String("user_id", userID),
			slog.String("case_id", caseID),
			slog.String("session_id", current.ID),
			slog.Int("message_count", current.MessageCount),
		)
	}

	// Affordability check, then the single charge for the whole session.
	charged, newBalance, err := g.debit(ctx, tx, userID, resolved, spec.Cost, wallet)
	if err != nil {
		return nil, err
	}

	session := &types.Session{
		ID:            g.newID(),
		UserID:        userID,
		CaseID:        caseID,
		StartedAt:     now,
		LastMessageAt: now,
		MessageCount:  1,
		MaxMessages:   maxMessages,
		ExpiresAt:     now.Add(g.opts.SessionDuration),
		IsActive:      true,
	}
	if err := tx.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if err := tx.BumpUsage(ctx, userID, types.MonthKey(now), 0, charged, 1); err != nil {
		return nil, err
	}

	meta := baseMeta(req, spec.Cost)
	meta[types.MetaNewBalance] = newBalance
	meta[types.MetaCreditsCharged] = charged
	meta[types.MetaSessionID] = session.ID
	meta["message_count"] = session.MessageCount
	meta["max_messages"] = session.MaxMessages
	if resolved.Limits.Unlimited {
		meta[types.MetaUnlimited] = true
	}

	if err := tx.InsertLedger(ctx, &types.LedgerEntry{
		ID:         g.newID(),
		UserID:     userID,
		CaseID:     req.CaseID,
		ActionType: req.Action,
		Delta:      -charged,
		Meta:       meta,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}

	return &types.ConsumeResult{
		NewBalance:     newBalance,
		CreditsCharged: charged,
		Session: &types.SessionInfo{
			SessionID:    session.ID,
			Charged:      true,
			MessageCount: session.MessageCount,
			MaxMessages:  session.MaxMessages,
		},
	}, nil
}
