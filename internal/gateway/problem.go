package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/agentmold/backend/internal/core"
)

// Problem is the RFC-7807 style error body every deny returns. The
// correlation id lets an operator find the matching denial record via
// /audit/policy-denials.
type Problem struct {
	Type          string                 `json:"type"`
	Title         string                 `json:"title"`
	Status        int                    `json:"status"`
	Detail        string                 `json:"detail,omitempty"`
	Reason        string                 `json:"reason"`
	CorrelationID string                 `json:"correlation_id"`
	DecisionID    string                 `json:"decision_id,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

var statusByReason = map[string]int{
	core.ReasonUnauthenticated:         http.StatusUnauthorized,
	core.ReasonTokenExpired:            http.StatusUnauthorized,
	core.ReasonValidationError:         http.StatusUnprocessableEntity,
	core.ReasonApprovalConsumed:        http.StatusConflict,
	core.ReasonPolicyUnavailable:       http.StatusServiceUnavailable,
	core.ReasonAuditUnavailable:        http.StatusServiceUnavailable,
	core.ReasonRequestTimeout:          http.StatusRequestTimeout,
	core.ReasonClientCancelled:         499, // nginx convention for client-closed request
	core.ReasonRateLimited:             http.StatusTooManyRequests,
	core.ReasonPermissionDenied:        http.StatusForbidden,
	core.ReasonApprovalRequired:        http.StatusForbidden,
	core.ReasonAutopublishNotAllowed:   http.StatusForbidden,
	core.ReasonTrialProductionWrite:    http.StatusTooManyRequests,
	core.ReasonTrialDailyCap:           http.StatusTooManyRequests,
	core.ReasonTrialDailyTokenCap:      http.StatusTooManyRequests,
	core.ReasonTrialHighCostCall:       http.StatusTooManyRequests,
	core.ReasonAgentDailyCap:           http.StatusTooManyRequests,
	core.ReasonMonthlyBudgetExceeded:   http.StatusTooManyRequests,
	core.ReasonMonthly95PctNonCritical: http.StatusTooManyRequests,
	core.ReasonMeteringRequired:        http.StatusTooManyRequests,
	core.ReasonEnvelopeRequired:        http.StatusTooManyRequests,
	core.ReasonEnvelopeInvalid:         http.StatusTooManyRequests,
	core.ReasonEnvelopeExpired:         http.StatusTooManyRequests,
}

var titleByStatus = map[int]string{
	http.StatusBadRequest:           "Bad Request",
	http.StatusUnauthorized:         "Unauthorized",
	http.StatusForbidden:            "Forbidden",
	http.StatusRequestTimeout:       "Request Timeout",
	http.StatusConflict:             "Conflict",
	http.StatusUnprocessableEntity:  "Unprocessable Entity",
	http.StatusTooManyRequests:      "Too Many Requests",
	http.StatusServiceUnavailable:   "Service Unavailable",
	http.StatusInternalServerError:  "Internal Server Error",
}

// statusFor maps a deny decision to an HTTP status. Budget-stage denies
// are 429, policy-family denies 403.
func statusFor(dec core.Decision) int {
	if s, ok := statusByReason[dec.Reason]; ok {
		return s
	}
	switch dec.Stage {
	case core.StageAuth:
		return http.StatusUnauthorized
	case core.StageBudget:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

func writeProblem(w http.ResponseWriter, p Problem) {
	if p.Type == "" {
		p.Type = "https://agentmold.dev/problems/" + p.Reason
	}
	if p.Title == "" {
		p.Title = titleByStatus[p.Status]
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	json.NewEncoder(w).Encode(p)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
