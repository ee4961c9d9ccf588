// Package tests exercises the gateway end to end over HTTP: the full
// guard stack, the audit stores, and the skill executor together.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmold/backend/internal/approval"
	"github.com/agentmold/backend/internal/auth"
	"github.com/agentmold/backend/internal/billing"
	"github.com/agentmold/backend/internal/budget"
	"github.com/agentmold/backend/internal/config"
	"github.com/agentmold/backend/internal/core"
	"github.com/agentmold/backend/internal/gateway"
	"github.com/agentmold/backend/internal/ids"
	"github.com/agentmold/backend/internal/metering"
	"github.com/agentmold/backend/internal/policy"
	"github.com/agentmold/backend/internal/store"
)

const (
	meteringSecret = "e2e-metering-secret"
	customerSecret = "e2e-customer-secret"
	partnerSecret  = "e2e-partner-secret"
)

var allowAll = policy.Func(func(ctx context.Context, path string, in policy.Input) core.Decision {
	return core.Allow()
})

var pdpDown = policy.Func(func(ctx context.Context, path string, in policy.Input) core.Decision {
	return core.Deny(core.StagePolicy, core.ReasonPolicyUnavailable)
})

type env struct {
	ts        *httptest.Server
	mem       *store.MemoryStore
	approvals *approval.MemoryStore
	verifier  *auth.Verifier
	clock     *ids.FixedClock
}

func newEnv(t *testing.T, pdp policy.PDP) *env {
	t.Helper()

	clock := &ids.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	approvals := approval.NewMemoryStore()
	verifier := auth.NewVerifier(customerSecret, partnerSecret, time.Hour, 8*time.Hour, clock)
	plans := billing.NewRegistry()
	plans.AddPlan(billing.Plan{PlanID: "P1", MonthlyBudgetCapUSD: 100})

	srv, err := gateway.NewServer(gateway.Options{
		Verifier:  verifier,
		PDP:       pdp,
		Usage:     mem,
		Denials:   mem,
		Approvals: approvals,
		Plans:     plans,
		Budget:    budget.NewEvaluator(mem, plans, budget.Caps{}, clock),
		Envelope:  metering.NewVerifier(meteringSecret, 0, 0, clock),
		Clock:     clock,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &env{ts: ts, mem: mem, approvals: approvals, verifier: verifier, clock: clock}
}

func (e *env) customerToken(t *testing.T) string {
	t.Helper()
	token, err := e.verifier.Issue(auth.PortalCustomer, auth.Claims{CustomerID: "C1", Roles: []string{"owner"}})
	require.NoError(t, err)
	return token
}

func (e *env) adminToken(t *testing.T) string {
	t.Helper()
	token, err := e.verifier.Issue(auth.PortalPartner, auth.Claims{Roles: []string{"admin"}})
	require.NoError(t, err)
	return token
}

type request struct {
	method  string
	path    string
	body    map[string]interface{}
	token   string
	corrID  string
	headers http.Header
}

func (e *env) do(t *testing.T, req request) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if req.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(req.body))
	}
	httpReq, err := http.NewRequest(req.method, e.ts.URL+req.path, &buf)
	require.NoError(t, err)
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.corrID != "" {
		httpReq.Header.Set("X-Correlation-ID", req.corrID)
	}
	for k, vs := range req.headers {
		for _, v := range vs {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func envelopeHeaders(clock ids.Clock, correlationID string, costUSD float64) http.Header {
	h := http.Header{}
	metering.Attach(h, []byte(meteringSecret), metering.Envelope{
		Timestamp:     clock.Now(),
		CorrelationID: correlationID,
		TokensIn:      100,
		TokensOut:     50,
		Model:         "gpt-4o",
		CostUSD:       costUSD,
	})
	return h
}

func TestE2E_PublishWithoutApproval(t *testing.T) {
	e := newEnv(t, allowAll)

	resp, body := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body:   map[string]interface{}{"customer_id": "C1", "do_publish": true, "theme": "launch"},
		token:  e.customerToken(t),
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "approval_required", body["reason"])
	assert.NotEmpty(t, body["correlation_id"])
	assert.NotEmpty(t, body["decision_id"])

	denials, err := e.mem.QueryDenials(context.Background(), store.DenialQuery{CustomerID: "C1"})
	require.NoError(t, err)
	require.Len(t, denials, 1)
	assert.Equal(t, "approval", denials[0].Stage)
	assert.Equal(t, "approval_required", denials[0].Reason)
}

func TestE2E_TrialHighCostCall(t *testing.T) {
	e := newEnv(t, allowAll)
	corr := "trial-cost-1"

	resp, body := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body: map[string]interface{}{
			"customer_id": "C1", "trial_mode": true, "plan_id": "P1",
			"estimated_cost_usd": 1.50, "theme": "launch",
		},
		token:   e.customerToken(t),
		corrID:  corr,
		headers: envelopeHeaders(e.clock, corr, 1.50),
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "trial_high_cost_call", body["reason"])

	// The deny appended a denial record and nothing else.
	events, err := e.mem.QueryUsage(context.Background(), store.UsageQuery{CorrelationID: corr})
	require.NoError(t, err)
	assert.Empty(t, events)
	denials, err := e.mem.QueryDenials(context.Background(), store.DenialQuery{CorrelationID: corr})
	require.NoError(t, err)
	assert.Len(t, denials, 1)
}

func TestE2E_AgentDailyCapOnEleventhCall(t *testing.T) {
	e := newEnv(t, allowAll)

	// Ten prior events for (C1, marketing-beauty) summing 0.95 today.
	for i := 0; i < 10; i++ {
		require.NoError(t, e.mem.AppendUsage(context.Background(), store.UsageEvent{
			EventType: store.EventSkillExecution, Timestamp: e.clock.Now(),
			CorrelationID: fmt.Sprintf("prior-%d", i), CustomerID: "C1",
			AgentID: "marketing-beauty", CostUSD: 0.095,
		}))
	}

	corr := "eleventh-call"
	resp, body := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body:   map[string]interface{}{"customer_id": "C1", "theme": "launch"},
		token:  e.customerToken(t),
		corrID: corr,
		headers: envelopeHeaders(e.clock, corr, 0.10),
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "agent_daily_cap", body["reason"])
}

func TestE2E_MeteringEnvelopeTamper(t *testing.T) {
	e := newEnv(t, allowAll)
	corr := "tampered-1"

	h := envelopeHeaders(e.clock, corr, 0.25)
	h.Set(metering.HeaderCostUSD, "0.000001")

	resp, body := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body:   map[string]interface{}{"customer_id": "C1", "theme": "launch"},
		token:  e.customerToken(t),
		corrID: corr,
		headers: h,
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "metering_envelope_invalid", body["reason"])
}

func TestE2E_ConcurrentApprovalConsume(t *testing.T) {
	e := newEnv(t, allowAll)

	require.NoError(t, e.approvals.Grant(context.Background(), approval.Approval{
		ApprovalID: "apr-race", CustomerID: "C1", AgentID: "marketing-beauty",
		Scope: approval.ScopePerPost, GrantedAt: e.clock.Now(), SingleUse: true,
	}))

	token := e.customerToken(t)
	type outcome struct {
		status int
		body   map[string]interface{}
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp, body := e.do(t, request{
				method: http.MethodPost,
				path:   "/api/v1/reference-agents/marketing-beauty/run",
				body: map[string]interface{}{
					"customer_id": "C1", "do_publish": true, "approval_id": "apr-race",
					"theme": "launch", "channels": []string{"linkedin"},
				},
				token:  token,
				corrID: fmt.Sprintf("race-%d", n),
			})
			results <- outcome{resp.StatusCode, body}
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, conflict *outcome
	for r := range results {
		r := r
		switch r.status {
		case http.StatusOK:
			ok = &r
		case http.StatusConflict:
			conflict = &r
		default:
			t.Fatalf("unexpected status %d: %v", r.status, r.body)
		}
	}
	require.NotNil(t, ok, "exactly one request must win the approval")
	require.NotNil(t, conflict, "the loser must see the conflict")
	assert.Equal(t, true, ok.body["published"])
	assert.Equal(t, "posted", ok.body["status"])
	assert.Equal(t, "approval_already_consumed", conflict.body["reason"])
}

func TestE2E_CorrelationPropagation(t *testing.T) {
	e := newEnv(t, allowAll)

	resp, body := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body:   map[string]interface{}{"customer_id": "C1", "do_publish": true, "theme": "launch"},
		token:  e.customerToken(t),
		corrID: "demo-42",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "demo-42", resp.Header.Get("X-Correlation-ID"))
	assert.Equal(t, "demo-42", body["correlation_id"])

	denials, err := e.mem.QueryDenials(context.Background(), store.DenialQuery{CorrelationID: "demo-42"})
	require.NoError(t, err)
	require.Len(t, denials, 1)
	assert.Equal(t, "demo-42", denials[0].CorrelationID)
}

func TestE2E_DenyByDefaultWhenPDPUnreachable(t *testing.T) {
	e := newEnv(t, pdpDown)

	resp, body := e.do(t, request{
		method: http.MethodGet,
		path:   "/api/v1/usage-events",
		token:  e.adminToken(t),
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "policy_unavailable", body["reason"])

	// No handler ran, so the usage stream stayed empty.
	events, err := e.mem.QueryUsage(context.Background(), store.UsageQuery{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestE2E_PDPDownDeniesUnlistedRoutes(t *testing.T) {
	e := newEnv(t, pdpDown)

	// The run route carries no RBAC permission of its own; a down PDP
	// must still deny it before the handler runs.
	resp, body := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body:   map[string]interface{}{"customer_id": "C1", "theme": "launch"},
		token:  e.customerToken(t),
		corrID: "pdp-down-run",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "policy_unavailable", body["reason"])

	events, err := e.mem.QueryUsage(context.Background(), store.UsageQuery{})
	require.NoError(t, err)
	assert.Empty(t, events, "no handler may run while the PDP is down")

	denials, err := e.mem.QueryDenials(context.Background(), store.DenialQuery{CorrelationID: "pdp-down-run"})
	require.NoError(t, err)
	require.Len(t, denials, 1)
	assert.Equal(t, "policy", denials[0].Stage)
}

func TestE2E_ActionPolicyConsultedOnEveryRequest(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	recording := policy.Func(func(ctx context.Context, path string, in policy.Input) core.Decision {
		mu.Lock()
		paths = append(paths, path)
		mu.Unlock()
		return core.Allow()
	})
	e := newEnv(t, recording)
	token := e.customerToken(t)

	resp, _ := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body:   map[string]interface{}{"customer_id": "C1", "theme": "launch"},
		token:  token,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mu.Lock()
	assert.Contains(t, paths, policy.PolicyApproval, "non-trial requests still consult the PDP")
	paths = nil
	mu.Unlock()

	resp, _ = e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body:   map[string]interface{}{"customer_id": "C1", "trial_mode": true, "theme": "launch"},
		token:  token,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mu.Lock()
	assert.Contains(t, paths, policy.PolicyTrialMode, "trial requests consult the trial policy")
	mu.Unlock()
}

func TestE2E_PolicyObligatedApprovalGatesDraftRuns(t *testing.T) {
	obligating := policy.Func(func(ctx context.Context, path string, in policy.Input) core.Decision {
		if path == policy.PolicyApproval {
			return core.Decision{Allowed: true,
				Obligations: map[string]interface{}{"approval_required": true}}
		}
		return core.Allow()
	})
	e := newEnv(t, obligating)

	// No do_publish, but the action policy obligated an approval.
	resp, body := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body:   map[string]interface{}{"customer_id": "C1", "theme": "launch"},
		token:  e.customerToken(t),
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "approval_required", body["reason"])
}

func TestE2E_EachServerRegistersItsOwnMetrics(t *testing.T) {
	// Two servers in one process: registration must not collide.
	first := newEnv(t, allowAll)
	second := newEnv(t, allowAll)

	for _, e := range []*env{first, second} {
		resp, _ := e.do(t, request{
			method: http.MethodGet,
			path:   "/api/v1/reference-agents",
			token:  e.customerToken(t),
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		metricsResp, err := http.Get(e.ts.URL + "/metrics")
		require.NoError(t, err)
		raw, err := io.ReadAll(metricsResp.Body)
		metricsResp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
		assert.Contains(t, string(raw), "gateway_requests_total")
	}
}

func TestE2E_CORSHeadersOnlyForAllowlistedOrigins(t *testing.T) {
	e := newEnv(t, allowAll)

	// No allowlist configured: no origin gets CORS headers.
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://anywhere.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	srv, err := gateway.NewServer(gateway.Options{
		Config: &config.Config{Server: config.ServerConfig{
			AllowedOrigins: []string{"https://app.example"},
		}},
		Verifier:  e.verifier,
		PDP:       allowAll,
		Usage:     e.mem,
		Denials:   e.mem,
		Approvals: e.approvals,
		Clock:     e.clock,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	for origin, want := range map[string]string{
		"https://app.example":  "https://app.example",
		"https://evil.example": "",
	} {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.Header.Get("Access-Control-Allow-Origin"), origin)
	}
}

func TestE2E_MissingTokenDenies(t *testing.T) {
	e := newEnv(t, allowAll)

	resp, body := e.do(t, request{method: http.MethodGet, path: "/api/v1/reference-agents"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["reason"])
}

func TestE2E_SuccessfulRunAppendsOneUsageEvent(t *testing.T) {
	e := newEnv(t, allowAll)
	corr := "happy-run"

	resp, body := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body:   map[string]interface{}{"customer_id": "C1", "theme": "launch"},
		token:  e.customerToken(t),
		corrID: corr,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "draft", body["status"])
	assert.Equal(t, false, body["published"])

	events, err := e.mem.QueryUsage(context.Background(), store.UsageQuery{CorrelationID: corr})
	require.NoError(t, err)
	require.Len(t, events, 1, "exactly one usage event per handled request")
	assert.Equal(t, store.EventSkillExecution, events[0].EventType)
	assert.Equal(t, "marketing-beauty", events[0].AgentID)
}

func TestE2E_AdminAuditSurface(t *testing.T) {
	e := newEnv(t, allowAll)
	admin := e.adminToken(t)

	// Produce one deny for the audit trail.
	e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body:   map[string]interface{}{"customer_id": "C1", "do_publish": true, "theme": "x"},
		token:  e.customerToken(t),
		corrID: "audit-1",
	})

	resp, body := e.do(t, request{
		method: http.MethodGet,
		path:   "/api/v1/audit/policy-denials?correlation_id=audit-1",
		token:  admin,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = e.do(t, request{
		method: http.MethodGet,
		path:   "/api/v1/usage-events/aggregate?bucket=week",
		token:  admin,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "validation_error", body["reason"])
}

func TestE2E_GrantThenConsumeViaRun(t *testing.T) {
	e := newEnv(t, allowAll)

	resp, granted := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/approvals",
		body:   map[string]interface{}{"customer_id": "C1", "agent_id": "marketing-beauty"},
		token:  e.adminToken(t),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	approvalID, _ := granted["approval_id"].(string)
	require.NotEmpty(t, approvalID)

	resp, body := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body: map[string]interface{}{
			"customer_id": "C1", "do_publish": true, "approval_id": approvalID,
			"theme": "launch", "channels": []string{"linkedin", "instagram"},
		},
		token: e.customerToken(t),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["published"])

	// The same approval is spent now.
	resp, body = e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body: map[string]interface{}{
			"customer_id": "C1", "do_publish": true, "approval_id": approvalID,
			"theme": "launch",
		},
		token: e.customerToken(t),
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "approval_already_consumed", body["reason"])
}

func TestE2E_ValidationErrorFromPlaybookSchema(t *testing.T) {
	e := newEnv(t, allowAll)

	resp, body := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/reference-agents/marketing-beauty/run",
		body:   map[string]interface{}{"customer_id": "C1"},
		token:  e.customerToken(t),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "validation_error", body["reason"], "theme is a required skill input")
}
