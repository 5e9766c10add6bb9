package types

// ActionType identifies a chargeable action submitted to the Consumption
// Gateway. The set is closed; unknown values are rejected before any state
// is touched.
type ActionType string

const (
	ActionCaseCreated   ActionType = "case_created"
	ActionChatMessage   ActionType = "ai_chat_message"
	ActionDraftGenerate ActionType = "draft_generate"
	ActionDocAnalyze    ActionType = "doc_analyze"
	ActionAdminAdjust   ActionType = "admin_adjust"
	ActionMonthlyRefill ActionType = "monthly_refill"
)

// ActionFamily determines which enforcement branch the gateway takes for an
// action: quota actions consume monthly allowance, session actions are
// amortized across an AI session, flat actions debit the wallet directly.
type ActionFamily string

const (
	FamilyQuota      ActionFamily = "quota"
	FamilySession    ActionFamily = "session"
	FamilyFlat       ActionFamily = "flat"
	FamilyAdjustment ActionFamily = "adjustment"
)

// PlanTier identifies the billing plan for a user.
type PlanTier string

const (
	PlanFree      PlanTier = "free"
	PlanStarter   PlanTier = "starter"
	PlanPro       PlanTier = "pro"
	PlanUnlimited PlanTier = "unlimited"
)

// PlanSource records which of the competing sources of truth produced the
// effective plan. Priority is admin > override > billing > default.
type PlanSource string

const (
	SourceAdmin    PlanSource = "admin"
	SourceOverride PlanSource = "override"
	SourceBilling  PlanSource = "billing"
	SourceDefault  PlanSource = "default"
)

// SubscriptionStatus mirrors the billing provider's subscription status.
// past_due still yields the paid plan label; suspension is a separate
// access-gate concern.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusUnpaid   SubscriptionStatus = "unpaid"
)

// UserRole defines authorization levels within the platform.
type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// paidLabelStatuses are the subscription statuses that keep the paid plan
// label attached during resolution.
var paidLabelStatuses = map[SubscriptionStatus]bool{
	SubStatusActive:   true,
	SubStatusTrialing: true,
	SubStatusPastDue:  true,
}

// YieldsPaidLabel reports whether a subscription in this status should still
// resolve to its paid plan label.
func (s SubscriptionStatus) YieldsPaidLabel() bool {
	return paidLabelStatuses[s]
}
