package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"lexcredit/internal/types"
)

func TestStaticPlanRegistry_GetLimits(t *testing.T) {
	registry := NewStaticPlanRegistry()

	free := registry.GetLimits(types.PlanFree)
	assert.Equal(t, 1, free.MaxCasesPerMonth)
	assert.Equal(t, 10, free.MessagesPerSession)
	assert.Equal(t, int64(10), free.MonthlyCreditRefill)
	assert.False(t, free.Unlimited)

	pro := registry.GetLimits(types.PlanPro)
	assert.Equal(t, 25, pro.MaxCasesPerMonth)
	assert.Equal(t, int64(500), pro.MonthlyCreditRefill)

	unlimited := registry.GetLimits(types.PlanUnlimited)
	assert.True(t, unlimited.Unlimited)
	assert.Equal(t, 0, unlimited.MaxCasesPerMonth, "zero means no cap")
}

func TestStaticPlanRegistry_UnknownTierFallsBackToFree(t *testing.T) {
	registry := NewStaticPlanRegistry()

	limits := registry.GetLimits(types.PlanTier("platinum"))
	assert.Equal(t, registry.GetLimits(types.PlanFree), limits)
}

func TestStaticPlanRegistry_ActionSpec(t *testing.T) {
	registry := NewStaticPlanRegistry()

	tests := []struct {
		action types.ActionType
		family types.ActionFamily
		cost   int64
	}{
		{types.ActionCaseCreated, types.FamilyQuota, 0},
		{types.ActionChatMessage, types.FamilySession, 5},
		{types.ActionDraftGenerate, types.FamilyFlat, 1},
		{types.ActionDocAnalyze, types.FamilyFlat, 3},
		{types.ActionAdminAdjust, types.FamilyAdjustment, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			spec, ok := registry.ActionSpec(tt.action)
			assert.True(t, ok)
			assert.Equal(t, tt.family, spec.Family)
			assert.Equal(t, tt.cost, spec.Cost)
		})
	}
}

func TestStaticPlanRegistry_UnknownActionRejected(t *testing.T) {
	registry := NewStaticPlanRegistry()

	_, ok := registry.ActionSpec(types.ActionType("launch_rocket"))
	assert.False(t, ok)

	// monthly_refill is a gateway-internal ledger action, not a consumable.
	_, ok = registry.ActionSpec(types.ActionMonthlyRefill)
	assert.False(t, ok)
}
