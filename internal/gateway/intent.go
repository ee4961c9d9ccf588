package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/agentmold/backend/internal/core"
)

// intent is the guard-relevant slice of a request body. The pipeline
// peeks it before the handler runs; the body is restored afterwards so
// handlers decode the full document themselves.
type intent struct {
	CustomerID   string  `json:"customer_id"`
	TrialMode    bool    `json:"trial_mode"`
	PlanID       string  `json:"plan_id"`
	DoPublish    bool    `json:"do_publish"`
	Autopublish  bool    `json:"autopublish"`
	ApprovalID   string  `json:"approval_id"`
	IntentAction string  `json:"intent_action"`
	Purpose      string  `json:"purpose"`
	AgentID      string  `json:"agent_id"`
	ScheduleAt   string  `json:"schedule_at"`
	EstCostUSD   float64 `json:"estimated_cost_usd"`

	// meter_* body fields are advisory; a signed envelope always wins.
	MeterTokensIn  int64   `json:"meter_tokens_in"`
	MeterTokensOut int64   `json:"meter_tokens_out"`
	MeterModel     string  `json:"meter_model"`
	MeterCacheHit  bool    `json:"meter_cache_hit"`
	MeterCostUSD   float64 `json:"meter_cost_usd"`
}

// peekIntent reads the body non-destructively and folds the declared
// intent into the request context. GET requests and empty bodies leave
// the context untouched.
func peekIntent(r *http.Request, rc *core.RequestContext) error {
	if r.Body == nil || r.Method == http.MethodGet {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var in intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}

	if rc.CustomerID == "" {
		rc.CustomerID = in.CustomerID
	}
	if in.TrialMode {
		rc.TrialMode = true
	}
	if in.PlanID != "" {
		rc.PlanID = in.PlanID
	}
	if in.AgentID != "" && rc.AgentID == "" {
		rc.AgentID = in.AgentID
	}
	rc.DoPublish = in.DoPublish
	rc.Autopublish = in.Autopublish
	if in.ApprovalID != "" {
		rc.ApprovalID = in.ApprovalID
	}
	if in.IntentAction != "" {
		rc.IntentAction = core.IntentAction(in.IntentAction)
	}
	if in.Purpose != "" {
		rc.Purpose = in.Purpose
	}

	// Body metering values apply only until an envelope overrides them.
	rc.TokensIn = in.MeterTokensIn
	rc.TokensOut = in.MeterTokensOut
	rc.Model = in.MeterModel
	rc.CacheHit = in.MeterCacheHit
	switch {
	case in.MeterCostUSD > 0:
		rc.CostUSD = in.MeterCostUSD
	case in.EstCostUSD > 0:
		rc.CostUSD = in.EstCostUSD
	}
	return nil
}
