package types

import "time"

// Wallet holds a user's current credit balance and the lifetime-earned
// counter. The balance is a cached projection: at any time it equals the sum
// of all committed ledger deltas for the user since wallet creation.
// Wallets are mutated exclusively inside the Consumption Gateway's unit of
// work; no other component writes this table.
type Wallet struct {
	UserID          string    `json:"user_id"`
	BalanceCredits  int64     `json:"balance_credits"`
	LifetimeCredits int64     `json:"lifetime_credits"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LedgerEntry is one append-only, balance-affecting event. Rows are never
// updated or deleted; the ledger is the source of truth and the wallet
// balance is reconstructable by replaying deltas.
type LedgerEntry struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	CaseID     *string    `json:"case_id,omitempty"`
	ActionType ActionType `json:"action_type"`
	Delta      int64      `json:"delta"`
	Meta       Metadata   `json:"meta,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Ledger meta keys. MetaIdempotencyKey drives replay detection; the result
// keys let a replayed call return the originally computed outcome without
// re-deriving state.
const (
	MetaIdempotencyKey = "idempotency_key"
	MetaNominalCost    = "nominal_cost"
	MetaUnlimited      = "unlimited"
	MetaNewBalance     = "new_balance"
	MetaCreditsCharged = "credits_charged"
	MetaCasesUsed      = "cases_used"
	MetaCasesLimit     = "cases_limit"
	MetaSessionID      = "session_id"
	MetaRefillPeriod   = "refill_period"
)

// UsageCounter is the per-user per-calendar-month aggregate. One row per
// (user, year_month), created lazily by upsert on first use of the month;
// a month with no row reads as all-zero counters.
type UsageCounter struct {
	UserID            string `json:"user_id"`
	YearMonth         string `json:"year_month"` // "2026-08"
	CasesCreated      int    `json:"cases_created"`
	CreditsSpent      int64  `json:"credits_spent"`
	AISessionsStarted int    `json:"ai_sessions_started"`
}

// Session is the time-boxed, message-capped grouping construct that
// amortizes AI interaction cost across a burst of messages. Expiry is
// evaluated lazily on lookup; terminal rows are kept as an audit trail.
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	CaseID        string    `json:"case_id"`
	StartedAt     time.Time `json:"started_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
	MaxMessages   int       `json:"max_messages"`
	ExpiresAt     time.Time `json:"expires_at"`
	IsActive      bool      `json:"is_active"`
}

// Live reports whether the session can still absorb a message at the given
// instant without a new charge.
func (s *Session) Live(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt) && s.MessageCount < s.MaxMessages
}

// SubscriptionState reflects the billing provider's last known subscription
// for a user. It is maintained by the billing-sync collaborator; this engine
// reads it only.
type SubscriptionState struct {
	UserID              string             `json:"user_id"`
	Plan                PlanTier           `json:"plan"`
	Status              SubscriptionStatus `json:"status"`
	MonthlyCaseLimit    int                `json:"monthly_case_limit"`
	MonthlyCreditRefill int64              `json:"monthly_credit_refill"`
	CurrentPeriodEnd    *time.Time         `json:"current_period_end,omitempty"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// PlanOverride is the administrative escape hatch that outranks billing
// state during plan resolution.
type PlanOverride struct {
	UserID    string     `json:"user_id"`
	PlanCode  PlanTier   `json:"plan_code"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// InEffect reports whether the override applies at the given instant.
func (o *PlanOverride) InEffect(now time.Time) bool {
	if o == nil || !o.IsActive {
		return false
	}
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// PlanLimits is the fixed limit table attached to a plan tier.
// MaxCasesPerMonth == 0 means unlimited; enforcement code must treat zero as
// no limit.
type PlanLimits struct {
	MaxCasesPerMonth    int   `json:"max_cases_per_month"`
	MessagesPerSession  int   `json:"messages_per_session"`
	MonthlyCreditRefill int64 `json:"monthly_credit_refill"`
	Unlimited           bool  `json:"unlimited"`
}

// ResolvedPlan is the outcome of plan resolution: the effective plan, which
// source of truth produced it, and the limit table it maps to.
type ResolvedPlan struct {
	Plan   PlanTier   `json:"plan"`
	Source PlanSource `json:"source"`
	Limits PlanLimits `json:"limits"`
}

// Paid reports the boolean projection the Reconciliation Monitor compares;
// it deliberately ignores the literal plan string to tolerate naming skew.
func (r ResolvedPlan) Paid() bool {
	return r.Plan != PlanFree
}

// SessionInfo is the session portion of a successful consume result.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	Charged      bool   `json:"charged"`
	MessageCount int    `json:"message_count"`
	MaxMessages  int    `json:"max_messages"`
}

// ConsumeResult is the snapshot returned by a successful consume call.
type ConsumeResult struct {
	NewBalance     int64        `json:"new_balance"`
	CreditsCharged int64        `json:"credits_charged"`
	CasesUsed      *int         `json:"cases_used,omitempty"`
	CasesLimit     *int         `json:"cases_limit,omitempty"`
	Session        *SessionInfo `json:"session,omitempty"`
	Replayed       bool         `json:"replayed,omitempty"`
}

// StatusSnapshot is the read-only display view returned by GET /v1/credits/status.
// It must never be treated as authoritative for enforcement; only the
// Consumption Gateway enforces.
type StatusSnapshot struct {
	Plan               PlanTier   `json:"plan"`
	IsActive           bool       `json:"is_active"`
	MonthlyCaseLimit   int        `json:"monthly_case_limit"`
	CasesUsedThisMonth int        `json:"cases_used_this_month"`
	CasesRemaining     *int       `json:"cases_remaining,omitempty"`
	CreditsBalance     int64      `json:"credits_balance"`
	PeriodEnd          *time.Time `json:"period_end,omitempty"`
}

// Entitlements is the independent plan view consumed by the Reconciliation
// Monitor and by callers that need the full resolution outcome.
type Entitlements struct {
	Role          UserRole     `json:"role"`
	Plan          PlanTier     `json:"plan"`
	PlanSource    PlanSource   `json:"plan_source"`
	AccessAllowed bool         `json:"access_allowed"`
	Limits        PlanLimits   `json:"limits"`
	Usage         UsageCounter `json:"usage"`
}

// APIToken is one bearer credential. Tokens are stored hashed twice: a
// deterministic lookup hash for the index lookup and a bcrypt hash for the
// constant-time verify. Plaintext secrets are never stored.
type APIToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	LookupHash string     `json:"-"`
	SecretHash string     `json:"-"`
	Role       UserRole   `json:"role"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// MonthKey formats a time as the calendar-month key used by usage counters.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
