package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const trialLen = 14 * 24 * time.Hour

func activeSetup(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.AddPlan(Plan{PlanID: "starter", MonthlyBudgetCapUSD: 10})
	r.AddSubscription(Subscription{SubscriptionID: "sub-1", CustomerID: "C1", PlanID: "starter", Status: SubActive})
	r.HireAgent(HiredAgent{SubscriptionID: "sub-1", AgentID: "A1", CustomerID: "C1"})
	return r
}

func TestRegistry_MonthlyCapLookup(t *testing.T) {
	r := activeSetup(t)

	cap, ok := r.MonthlyCapUSD("starter")
	require.True(t, ok)
	assert.Equal(t, 10.0, cap)

	_, ok = r.MonthlyCapUSD("enterprise")
	assert.False(t, ok)
}

func TestRegistry_TrialStartsOnlyWhenAllPreconditionsHold(t *testing.T) {
	r := activeSetup(t)

	// Payment alone (active subscription) does not start the trial.
	a, _ := r.HiredAgent("sub-1", "A1")
	assert.Equal(t, TrialNotStarted, a.TrialStatus)

	require.NoError(t, r.MarkConfigured("sub-1", "A1", now, trialLen))
	a, _ = r.HiredAgent("sub-1", "A1")
	assert.Equal(t, TrialNotStarted, a.TrialStatus, "configured alone is not enough")

	require.NoError(t, r.MarkGoalsCompleted("sub-1", "A1", now.Add(time.Hour), trialLen))
	a, _ = r.HiredAgent("sub-1", "A1")
	require.Equal(t, TrialActive, a.TrialStatus)
	require.NotNil(t, a.TrialStartAt)
	assert.Equal(t, now.Add(time.Hour), *a.TrialStartAt)
	assert.Equal(t, now.Add(time.Hour).Add(trialLen), *a.TrialEndAt)
}

func TestRegistry_TrialNeverStartsOnInactiveSubscription(t *testing.T) {
	r := NewRegistry()
	r.AddSubscription(Subscription{SubscriptionID: "sub-2", CustomerID: "C1", PlanID: "starter", Status: SubPendingPayment})
	r.HireAgent(HiredAgent{SubscriptionID: "sub-2", AgentID: "A1", CustomerID: "C1"})

	require.NoError(t, r.MarkConfigured("sub-2", "A1", now, trialLen))
	require.NoError(t, r.MarkGoalsCompleted("sub-2", "A1", now, trialLen))

	a, _ := r.HiredAgent("sub-2", "A1")
	assert.Equal(t, TrialNotStarted, a.TrialStatus)
	assert.Nil(t, a.TrialStartAt)
}

func TestRegistry_TrialStartIsIdempotent(t *testing.T) {
	r := activeSetup(t)
	require.NoError(t, r.MarkConfigured("sub-1", "A1", now, trialLen))
	require.NoError(t, r.MarkGoalsCompleted("sub-1", "A1", now, trialLen))

	first, _ := r.HiredAgent("sub-1", "A1")
	require.NoError(t, r.MarkGoalsCompleted("sub-1", "A1", now.Add(48*time.Hour), trialLen))
	second, _ := r.HiredAgent("sub-1", "A1")
	assert.Equal(t, *first.TrialStartAt, *second.TrialStartAt,
		"re-completing goals never restarts the trial window")
}

func TestRegistry_TrialActiveFor(t *testing.T) {
	r := activeSetup(t)
	require.NoError(t, r.MarkConfigured("sub-1", "A1", now, trialLen))
	require.NoError(t, r.MarkGoalsCompleted("sub-1", "A1", now, trialLen))

	assert.True(t, r.TrialActiveFor("sub-1", "A1", now.Add(24*time.Hour)))
	assert.False(t, r.TrialActiveFor("sub-1", "A1", now.Add(trialLen)),
		"the trial end bound is exclusive")
	assert.False(t, r.TrialActiveFor("sub-1", "missing", now))
}

func TestRegistry_UnknownAgentErrors(t *testing.T) {
	r := activeSetup(t)
	assert.ErrorIs(t, r.MarkConfigured("sub-1", "ghost", now, trialLen), ErrUnknownSubscription)
}
