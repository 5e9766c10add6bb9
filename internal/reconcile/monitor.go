// Package reconcile implements the Reconciliation Monitor: the watchdog that
// compares two independently computed "is this user paid" signals and forces
// a billing resync when they disagree.
//
// The two views are deliberately maintained separately -- one derived through
// the Plan Resolver (entitlements), one from the subscription/wallet snapshot
// the Consumption Gateway uses -- and the comparison is only over the boolean
// paid projection, to tolerate plan-naming skew between them. Callers must
// never render a "free" view for a user who is actually paid, even
// transiently: the Ready flag stays false until the mismatch resolves or one
// forced resync has completed.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"lexcredit/internal/types"
)

// PlanView is the paid/free projection of one plan source.
type PlanView struct {
	Plan types.PlanTier
	Paid bool
}

// ViewFetcher produces one independently computed plan view for a user.
type ViewFetcher interface {
	Fetch(ctx context.Context, userID string) (PlanView, error)
}

// ViewFetcherFunc adapts a function to the ViewFetcher interface.
type ViewFetcherFunc func(ctx context.Context, userID string) (PlanView, error)

// Fetch implements ViewFetcher.
func (f ViewFetcherFunc) Fetch(ctx context.Context, userID string) (PlanView, error) {
	return f(ctx, userID)
}

// BillingSyncer triggers the provider resync. TriggerSync is idempotent and
// safe to call repeatedly; the monitor still debounces it to avoid hammering
// the provider.
type BillingSyncer interface {
	TriggerSync(ctx context.Context, userID string) (*types.SubscriptionState, error)
}

// MetricsRecorder receives reconciliation telemetry. Implementations must be
// cheap; a nil recorder disables recording.
type MetricsRecorder interface {
	RecordMismatch(ctx context.Context)
	RecordResync(ctx context.Context)
}

// Status is the outcome of one reconciliation check.
type Status struct {
	// Ready reports whether dependent UI may render: the views agree, or
	// one forced resync has completed.
	Ready bool `json:"ready"`
	// Mismatch reports whether the paid projections still disagree.
	Mismatch bool `json:"mismatch"`
	// Resynced reports whether this check performed a forced resync.
	Resynced bool `json:"resynced"`
	// Plan is the entitlements-side plan label.
	Plan types.PlanTier `json:"plan"`
}

// DetectMismatch compares only the boolean paid projection of the two views;
// any disagreement is a mismatch.
func DetectMismatch(a, b PlanView) bool {
	return a.Paid != b.Paid
}

// Monitor compares the two plan views and drives the debounced forced resync.
// It is read-only with respect to wallet/usage/ledger rows; the only write it
// triggers goes through the billing collaborator.
type Monitor struct {
	entitlements ViewFetcher
	snapshot     ViewFetcher
	syncer       BillingSyncer
	debounce     time.Duration
	logger       *slog.Logger
	metrics      MetricsRecorder
	now          func() time.Time

	// group collapses concurrent resyncs for the same user; lastResync
	// enforces the per-user debounce interval across calls.
	group      singleflight.Group
	mu         sync.Mutex
	lastResync map[string]time.Time
}

// NewMonitor creates a Monitor. debounce <= 0 falls back to 30s; logger,
// metrics, and now may be nil.
func NewMonitor(entitlements, snapshot ViewFetcher, syncer BillingSyncer, debounce time.Duration, logger *slog.Logger, metrics MetricsRecorder) *Monitor {
	if debounce <= 0 {
		debounce = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		entitlements: entitlements,
		snapshot:     snapshot,
		syncer:       syncer,
		debounce:     debounce,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
		lastResync:   make(map[string]time.Time),
	}
}

// Check fetches both views, detects disagreement, and on mismatch forces one
// debounced resync before re-fetching. It never loops: if the views still
// disagree after the resync, the unresolved state is surfaced rather than
// retried.
func (m *Monitor) Check(ctx context.Context, userID string) (Status, error) {
	a, b, err := m.fetchBoth(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	if !DetectMismatch(a, b) {
		return Status{Ready: true, Plan: a.Plan}, nil
	}

	m.logger.Warn("plan view mismatch detected",
		slog.String("user_id", userID),
		slog.String("entitlements_plan", string(a.Plan)),
		slog.Bool("entitlements_paid", a.Paid),
		slog.String("snapshot_plan", string(b.Plan)),
		slog.Bool("snapshot_paid", b.Paid),
	)
	if m.metrics != nil {
		m.metrics.RecordMismatch(ctx)
	}

	if !m.claimResync(userID) {
		// Debounced: a resync ran too recently. Not ready yet.
		return Status{Mismatch: true, Plan: a.Plan}, nil
	}

	if err := m.forceResync(ctx, userID); err != nil {
		return Status{Mismatch: true, Plan: a.Plan}, err
	}

	a, b, err = m.fetchBoth(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	// One forced resync has completed; dependent UI may proceed even if the
	// views still disagree (the unresolved state is surfaced, not hidden).
	return Status{
		Ready:    true,
		Mismatch: DetectMismatch(a, b),
		Resynced: true,
		Plan:     a.Plan,
	}, nil
}

func (m *Monitor) fetchBoth(ctx context.Context, userID string) (a, b PlanView, err error) {
	if a, err = m.entitlements.Fetch(ctx, userID); err != nil {
		return a, b, err
	}
	if b, err = m.snapshot.Fetch(ctx, userID); err != nil {
		return a, b, err
	}
	return a, b, nil
}

// claimResync enforces the per-user debounce: at most one forced resync per
// interval. The claim is taken before the sync runs so that concurrent
// callers in the same interval observe it.
func (m *Monitor) claimResync(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if last, ok := m.lastResync[userID]; ok && now.Sub(last) < m.debounce {
		return false
	}
	m.lastResync[userID] = now
	return true
}

// forceResync runs the billing sync once, collapsing concurrent callers for
// the same user onto a single in-flight call. A transient failure is retried
// at most once; after that the error is surfaced.
func (m *Monitor) forceResync(ctx context.Context, userID string) error {
	_, err, _ := m.group.Do(userID, func() (any, error) {
		if m.metrics != nil {
			m.metrics.RecordResync(ctx)
		}
		if _, err := m.syncer.TriggerSync(ctx, userID); err != nil {
			m.logger.Warn("billing resync failed, retrying once",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			if _, err = m.syncer.TriggerSync(ctx, userID); err != nil {
				return nil, types.NewAppError(types.ErrCodeUpstreamBilling, "billing resync failed", err)
			}
		}
		return nil, nil
	})
	return err
}
