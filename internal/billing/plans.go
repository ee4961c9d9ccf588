// Package billing models plans, subscriptions, and hired agents with
// their trial lifecycle. The gateway consults it to resolve the
// effective plan and trial status of a request.
package billing

import (
	"errors"
	"sync"
	"time"
)

// Plan is a purchasable subscription tier with a monthly budget cap.
type Plan struct {
	PlanID              string  `json:"plan_id"`
	MonthlyBudgetCapUSD float64 `json:"monthly_budget_cap_usd"`
}

// SubscriptionStatus is the billing lifecycle of a subscription.
type SubscriptionStatus string

const (
	SubPendingPayment    SubscriptionStatus = "pending_payment"
	SubActive            SubscriptionStatus = "active"
	SubCancelAtPeriodEnd SubscriptionStatus = "cancel_at_period_end"
	SubEnded             SubscriptionStatus = "ended"
	SubPaymentFailed     SubscriptionStatus = "payment_failed"
)

// Subscription links a customer to a plan.
type Subscription struct {
	SubscriptionID string             `json:"subscription_id"`
	CustomerID     string             `json:"customer_id"`
	PlanID         string             `json:"plan_id"`
	Status         SubscriptionStatus `json:"status"`
}

// TrialStatus is the trial lifecycle of a hired agent.
type TrialStatus string

const (
	TrialNotStarted        TrialStatus = "not_started"
	TrialActive            TrialStatus = "active"
	TrialEndedConverted    TrialStatus = "ended_converted"
	TrialEndedNotConverted TrialStatus = "ended_not_converted"
)

// HiredAgent is a customer's configured agent under a subscription.
type HiredAgent struct {
	SubscriptionID string      `json:"subscription_id"`
	AgentID        string      `json:"agent_id"`
	CustomerID     string      `json:"customer_id"`
	Configured     bool        `json:"configured"`
	GoalsCompleted bool        `json:"goals_completed"`
	TrialStartAt   *time.Time  `json:"trial_start_at,omitempty"`
	TrialEndAt     *time.Time  `json:"trial_end_at,omitempty"`
	TrialStatus    TrialStatus `json:"trial_status"`
}

var (
	ErrUnknownPlan         = errors.New("unknown plan")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrTrialPreconditions  = errors.New("trial preconditions not met")
)

// Registry is the in-process plan/subscription/hired-agent registry.
type Registry struct {
	mu     sync.RWMutex
	plans  map[string]Plan
	subs   map[string]Subscription
	agents map[string]*HiredAgent // key: subscriptionID + "/" + agentID
}

func NewRegistry() *Registry {
	return &Registry{
		plans:  make(map[string]Plan),
		subs:   make(map[string]Subscription),
		agents: make(map[string]*HiredAgent),
	}
}

func (r *Registry) AddPlan(p Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[p.PlanID] = p
}

// MonthlyCapUSD satisfies the budget evaluator's PlanLookup.
func (r *Registry) MonthlyCapUSD(planID string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[planID]
	if !ok {
		return 0, false
	}
	return p.MonthlyBudgetCapUSD, true
}

func (r *Registry) AddSubscription(s Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s.SubscriptionID] = s
}

func (r *Registry) Subscription(id string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	return s, ok
}

func (r *Registry) HireAgent(a HiredAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.TrialStatus == "" {
		a.TrialStatus = TrialNotStarted
	}
	r.agents[a.SubscriptionID+"/"+a.AgentID] = &a
}

func (r *Registry) HiredAgent(subscriptionID, agentID string) (HiredAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[subscriptionID+"/"+agentID]
	if !ok {
		return HiredAgent{}, false
	}
	return *a, true
}

// MarkConfigured flips the configured flag and starts the trial if all
// preconditions now hold.
func (r *Registry) MarkConfigured(subscriptionID, agentID string, now time.Time, trialLen time.Duration) error {
	return r.update(subscriptionID, agentID, now, trialLen, func(a *HiredAgent) { a.Configured = true })
}

// MarkGoalsCompleted flips the goals flag and starts the trial if all
// preconditions now hold.
func (r *Registry) MarkGoalsCompleted(subscriptionID, agentID string, now time.Time, trialLen time.Duration) error {
	return r.update(subscriptionID, agentID, now, trialLen, func(a *HiredAgent) { a.GoalsCompleted = true })
}

func (r *Registry) update(subscriptionID, agentID string, now time.Time, trialLen time.Duration, mut func(*HiredAgent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[subscriptionID+"/"+agentID]
	if !ok {
		return ErrUnknownSubscription
	}
	mut(a)

	// Trial starts only when all of {subscription active, configured,
	// goals completed} hold. Payment alone never starts it.
	sub, ok := r.subs[subscriptionID]
	if !ok || sub.Status != SubActive {
		return nil
	}
	if a.TrialStartAt == nil && a.Configured && a.GoalsCompleted {
		start := now.UTC()
		end := start.Add(trialLen)
		a.TrialStartAt = &start
		a.TrialEndAt = &end
		a.TrialStatus = TrialActive
	}
	return nil
}

// TrialActiveFor reports whether the hired agent is inside an active
// trial window at the given instant.
func (r *Registry) TrialActiveFor(subscriptionID, agentID string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[subscriptionID+"/"+agentID]
	if !ok || a.TrialStatus != TrialActive {
		return false
	}
	return a.TrialEndAt == nil || now.Before(*a.TrialEndAt)
}
