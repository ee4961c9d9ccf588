package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmold/backend/internal/core"
)

func recorder(name string, calls *[]string, dec core.Decision) Subscriber {
	return SubscriberFunc{SubName: name, Fn: func(ctx context.Context, p Payload) core.Decision {
		*calls = append(*calls, name)
		return dec
	}}
}

func TestBus_RegistrationOrder(t *testing.T) {
	b := NewBus()
	var calls []string
	b.Subscribe(PreSkill, recorder("policy", &calls, core.Allow()))
	b.Subscribe(PreSkill, recorder("budget", &calls, core.Allow()))
	b.Subscribe(PreSkill, recorder("audit", &calls, core.Allow()))

	dec := b.Emit(context.Background(), PreSkill, Payload{CorrelationID: "c1"})
	assert.True(t, dec.Allowed)
	assert.Equal(t, []string{"policy", "budget", "audit"}, calls)
	assert.Equal(t, []string{"policy", "budget", "audit"}, b.SubscriberNames(PreSkill))
}

func TestBus_PreDenyShortCircuits(t *testing.T) {
	b := NewBus()
	var calls []string
	b.Subscribe(PreToolUse, recorder("policy", &calls, core.Allow()))
	b.Subscribe(PreToolUse, recorder("budget", &calls, core.Deny(core.StageBudget, core.ReasonAgentDailyCap)))
	b.Subscribe(PreToolUse, recorder("approval", &calls, core.Allow()))

	dec := b.Emit(context.Background(), PreToolUse, Payload{})
	require.False(t, dec.Allowed)
	assert.Equal(t, core.ReasonAgentDailyCap, dec.Reason)
	assert.Equal(t, "budget", dec.Details["hook"])
	assert.Equal(t, string(PreToolUse), dec.Details["event"])
	assert.Equal(t, []string{"policy", "budget"}, calls,
		"subscribers after the denying one must not run")
}

func TestBus_PostDenyNeverAborts(t *testing.T) {
	b := NewBus()
	var calls []string
	b.Subscribe(PostSkill, recorder("audit", &calls, core.Deny(core.StagePolicy, core.ReasonPermissionDenied)))
	b.Subscribe(PostSkill, recorder("mirror", &calls, core.Allow()))

	dec := b.Emit(context.Background(), PostSkill, Payload{})
	assert.True(t, dec.Allowed, "Post* events record but never abort")
	assert.Equal(t, []string{"audit", "mirror"}, calls)
}

func TestBus_PayloadCarriesEventAndTimestamp(t *testing.T) {
	b := NewBus()
	var got Payload
	b.Subscribe(SessionStart, SubscriberFunc{SubName: "probe", Fn: func(ctx context.Context, p Payload) core.Decision {
		got = p
		return core.Allow()
	}})

	b.Emit(context.Background(), SessionStart, Payload{CorrelationID: "c9", AgentID: "A1"})
	assert.Equal(t, SessionStart, got.Event)
	assert.Equal(t, "c9", got.CorrelationID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestBus_NoSubscribersAllows(t *testing.T) {
	b := NewBus()
	assert.True(t, b.Emit(context.Background(), PreSkill, Payload{}).Allowed)
}

func TestEvent_PreClassification(t *testing.T) {
	assert.True(t, SessionStart.Pre())
	assert.True(t, PreSkill.Pre())
	assert.True(t, PreToolUse.Pre())
	assert.False(t, PostToolUse.Pre())
	assert.False(t, PostSkill.Pre())
	assert.False(t, SessionEnd.Pre())
}
