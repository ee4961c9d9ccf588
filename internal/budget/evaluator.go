// Package budget evaluates trial, per-agent daily, and per-plan monthly
// caps against the usage stream. Windows are UTC calendar buckets,
// never rolling, so budget math lines up with the aggregation API.
package budget

import (
	"context"
	"log"
	"time"

	"github.com/agentmold/backend/internal/core"
	"github.com/agentmold/backend/internal/ids"
	"github.com/agentmold/backend/internal/store"
)

// PlanLookup resolves a plan's monthly budget cap in USD.
type PlanLookup interface {
	MonthlyCapUSD(planID string) (float64, bool)
}

// Caps carries the configured budget limits.
type Caps struct {
	TrialTasksPerDay     int64
	TrialTokensPerDay    int64
	TrialHighCostUSD     float64
	AgentDailyUSD        float64
	DefaultMonthlyUSD    float64
	CriticalAgents       []string
	MonthlySoftThreshold float64 // fraction at which non-critical agents stop
}

// Evaluator computes the three independent budget checks in strict
// order: trial caps, per-agent daily cap, per-plan monthly cap. Trial
// users must see trial-specific reasons, so trial runs first.
type Evaluator struct {
	usage  store.UsageStore
	plans  PlanLookup
	caps   Caps
	clock  ids.Clock
	logger *log.Logger
}

func NewEvaluator(usage store.UsageStore, plans PlanLookup, caps Caps, clock ids.Clock) *Evaluator {
	if caps.TrialTasksPerDay == 0 {
		caps.TrialTasksPerDay = 10
	}
	if caps.TrialTokensPerDay == 0 {
		caps.TrialTokensPerDay = 10000
	}
	if caps.TrialHighCostUSD == 0 {
		caps.TrialHighCostUSD = 1.0
	}
	if caps.AgentDailyUSD == 0 {
		caps.AgentDailyUSD = 1.0
	}
	if caps.MonthlySoftThreshold == 0 {
		caps.MonthlySoftThreshold = 0.95
	}
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Evaluator{
		usage:  usage,
		plans:  plans,
		caps:   caps,
		clock:  clock,
		logger: log.New(log.Writer(), "[BUDGET] ", log.LstdFlags),
	}
}

// Evaluate runs the budget checks for a request. The request's metering
// fields must already be resolved (envelope wins over body values).
func (e *Evaluator) Evaluate(ctx context.Context, rc *core.RequestContext) core.Decision {
	now := e.clock.Now()

	if rc.TrialMode {
		if dec := e.evaluateTrial(ctx, rc, now); !dec.Allowed {
			return dec
		}
	}

	if dec := e.evaluateAgentDaily(ctx, rc, now); !dec.Allowed {
		return dec
	}

	if rc.PlanID != "" {
		if dec := e.evaluatePlanMonthly(ctx, rc, now); !dec.Allowed {
			return dec
		}
	}

	return core.Allow()
}

func (e *Evaluator) evaluateTrial(ctx context.Context, rc *core.RequestContext, now time.Time) core.Decision {
	// Production writes (any declared external side effect) are blocked
	// outright for trial subscriptions.
	if rc.IntentAction.SideEffecting() || rc.DoPublish {
		return core.Deny(core.StageBudget, core.ReasonTrialProductionWrite)
	}

	if rc.CostUSD > e.caps.TrialHighCostUSD {
		return core.Deny(core.StageBudget, core.ReasonTrialHighCostCall)
	}

	totals, err := e.usage.DayTotals(ctx, rc.CustomerID, "", now)
	if err != nil {
		e.logger.Printf("trial day totals unavailable for %s: %v", rc.CustomerID, err)
		return core.Deny(core.StageBudget, core.ReasonAuditUnavailable)
	}

	if totals.Events >= e.caps.TrialTasksPerDay {
		return core.Deny(core.StageBudget, core.ReasonTrialDailyCap)
	}
	if totals.TokensIn+totals.TokensOut+rc.TokensIn+rc.TokensOut > e.caps.TrialTokensPerDay {
		return core.Deny(core.StageBudget, core.ReasonTrialDailyTokenCap)
	}
	return core.Allow()
}

func (e *Evaluator) evaluateAgentDaily(ctx context.Context, rc *core.RequestContext, now time.Time) core.Decision {
	if rc.AgentID == "" {
		return core.Allow()
	}

	totals, err := e.usage.DayTotals(ctx, rc.CustomerID, rc.AgentID, now)
	if err != nil {
		e.logger.Printf("agent day totals unavailable for %s/%s: %v", rc.CustomerID, rc.AgentID, err)
		return core.Deny(core.StageBudget, core.ReasonAuditUnavailable)
	}

	if totals.CostUSD+rc.CostUSD > e.caps.AgentDailyUSD {
		// The governor role may push past the daily cap; the override is
		// annotated so it lands in the usage audit trail.
		if rc.HasRole(core.RoleGovernor) {
			e.logger.Printf("governor override: agent=%s day_cost=%.4f cap=%.2f",
				rc.AgentID, totals.CostUSD+rc.CostUSD, e.caps.AgentDailyUSD)
			dec := core.Allow()
			dec.Details = map[string]interface{}{
				"budget_override": true,
				"annotation":      core.ReasonBudgetOverrideByGovernor,
			}
			return dec
		}
		return core.Deny(core.StageBudget, core.ReasonAgentDailyCap)
	}
	return core.Allow()
}

func (e *Evaluator) evaluatePlanMonthly(ctx context.Context, rc *core.RequestContext, now time.Time) core.Decision {
	cap, ok := e.plans.MonthlyCapUSD(rc.PlanID)
	if !ok {
		cap = e.caps.DefaultMonthlyUSD
	}
	if cap <= 0 {
		return core.Allow()
	}

	spent, err := e.usage.MonthCost(ctx, rc.PlanID, now)
	if err != nil {
		e.logger.Printf("plan month cost unavailable for %s: %v", rc.PlanID, err)
		return core.Deny(core.StageBudget, core.ReasonAuditUnavailable)
	}

	projected := spent + rc.CostUSD
	if projected > cap {
		return core.Deny(core.StageBudget, core.ReasonMonthlyBudgetExceeded)
	}
	if projected > cap*e.caps.MonthlySoftThreshold && !e.isCritical(rc.AgentID) {
		return core.Deny(core.StageBudget, core.ReasonMonthly95PctNonCritical)
	}
	return core.Allow()
}

func (e *Evaluator) isCritical(agentID string) bool {
	for _, a := range e.caps.CriticalAgents {
		if a == agentID {
			return true
		}
	}
	return false
}
