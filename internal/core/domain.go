// Package core holds the shared domain types that flow between the
// gateway pipeline, the policy/budget/approval gates, and the audit stores.
package core

import "time"

// IntentAction is the declared kind of side effect a request carries.
type IntentAction string

const (
	IntentRead          IntentAction = "read"
	IntentWrite         IntentAction = "write"
	IntentExecute       IntentAction = "execute"
	IntentPublish       IntentAction = "publish"
	IntentSend          IntentAction = "send"
	IntentPost          IntentAction = "post"
	IntentPlaceOrder    IntentAction = "place_order"
	IntentClosePosition IntentAction = "close_position"
)

// SideEffecting reports whether the action engages the approval gate.
func (a IntentAction) SideEffecting() bool {
	switch a {
	case IntentPublish, IntentSend, IntentPost, IntentPlaceOrder, IntentClosePosition:
		return true
	}
	return false
}

// Stage identifies the pipeline stage that produced a decision.
type Stage string

const (
	StageAuth     Stage = "auth"
	StageRBAC     Stage = "rbac"
	StagePolicy   Stage = "policy"
	StageBudget   Stage = "budget"
	StageApproval Stage = "approval"
)

// Deny reasons are enumerated and stable. New reasons are a design
// change, never an inline string.
const (
	ReasonUnauthenticated          = "unauthenticated"
	ReasonTokenExpired             = "token_expired"
	ReasonPermissionDenied         = "permission_denied"
	ReasonPolicyUnavailable        = "policy_unavailable"
	ReasonAuditUnavailable         = "audit_unavailable"
	ReasonValidationError          = "validation_error"
	ReasonApprovalRequired         = "approval_required"
	ReasonApprovalConsumed         = "approval_already_consumed"
	ReasonAutopublishNotAllowed    = "autopublish_not_allowed"
	ReasonTrialDailyCap            = "trial_daily_cap"
	ReasonTrialDailyTokenCap       = "trial_daily_token_cap"
	ReasonTrialHighCostCall        = "trial_high_cost_call"
	ReasonTrialProductionWrite     = "trial_production_write_blocked"
	ReasonAgentDailyCap            = "agent_daily_cap"
	ReasonMonthlyBudgetExceeded    = "monthly_budget_exceeded"
	ReasonMonthly95PctNonCritical  = "monthly_budget_95pct_noncritical"
	ReasonMeteringRequired         = "metering_required_for_budget"
	ReasonEnvelopeRequired         = "metering_envelope_required"
	ReasonEnvelopeInvalid          = "metering_envelope_invalid"
	ReasonEnvelopeExpired          = "metering_envelope_expired"
	ReasonBudgetOverrideByGovernor = "budget_override_by_governor"
	ReasonRateLimited              = "rate_limited"
	ReasonRequestTimeout           = "request_timeout"
	ReasonClientCancelled          = "client_cancelled"
)

// Decision is the typed result every gate returns. Exceptions never
// cross a component boundary; denies carry a stable reason.
type Decision struct {
	Allowed     bool                   `json:"allowed"`
	Reason      string                 `json:"reason,omitempty"`
	Stage       Stage                  `json:"stage,omitempty"`
	Obligations map[string]interface{} `json:"obligations,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Allow is the plain allow decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a deny decision for a stage with a stable reason.
func Deny(stage Stage, reason string) Decision {
	return Decision{Allowed: false, Stage: stage, Reason: reason}
}

// RequestContext is the per-request state assembled by the pipeline.
// It lives for exactly one request.
type RequestContext struct {
	CorrelationID string
	DecisionID    string // assigned on deny
	CustomerID    string
	UserID        string
	Email         string
	Roles         []string
	AgentID       string
	PlanID        string
	TrialMode     bool
	Purpose       string
	IntentAction  IntentAction
	ApprovalID    string
	DoPublish     bool
	Autopublish   bool
	Deadline      time.Time

	// Metering fields. When a signed envelope is present it is the
	// source of truth and body-supplied values are ignored.
	TokensIn       int64
	TokensOut      int64
	Model          string
	CacheHit       bool
	CostUSD        float64
	EnvelopeSigned bool

	// Obligations attached by the policy stage (sandbox_route, mask_fields, ...).
	Obligations map[string]interface{}
}

// HasRole reports whether the authenticated principal carries the role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RoleGovernor may override per-agent daily budget caps (audited).
const RoleGovernor = "governor"
