// Package gateway is the enforcement ingress: every inbound request
// walks the ordered pipeline CORS → correlation → auth → customer
// context → RBAC → policy → budget guard → handler → audit. Any stage
// deny short-circuits to an RFC-7807 response with exactly one denial
// record appended first.
package gateway

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmold/backend/internal/agentspec"
	"github.com/agentmold/backend/internal/approval"
	"github.com/agentmold/backend/internal/auth"
	"github.com/agentmold/backend/internal/billing"
	"github.com/agentmold/backend/internal/budget"
	"github.com/agentmold/backend/internal/config"
	"github.com/agentmold/backend/internal/core"
	"github.com/agentmold/backend/internal/hooks"
	"github.com/agentmold/backend/internal/ids"
	"github.com/agentmold/backend/internal/metering"
	"github.com/agentmold/backend/internal/policy"
	"github.com/agentmold/backend/internal/ratelimit"
	"github.com/agentmold/backend/internal/scheduler"
	"github.com/agentmold/backend/internal/sink"
	"github.com/agentmold/backend/internal/skills"
	"github.com/agentmold/backend/internal/store"
	"github.com/agentmold/backend/internal/stream"
)

// Options wires the gateway's collaborators. Zero-value fields get
// safe in-memory defaults where one exists.
type Options struct {
	Config    *config.Config
	Verifier  *auth.Verifier
	Peers     *auth.PeerVerifier
	PDP       policy.PDP
	Routes    policy.RouteTable
	Usage     store.UsageStore
	Denials   store.DenialStore
	Approvals approval.Store
	Plans     *billing.Registry
	Budget    *budget.Evaluator
	Envelope  *metering.Verifier
	Limiter   *ratelimit.Limiter
	Hub       *stream.Hub
	Sink      sink.Sink
	Scheduler scheduler.Scheduler
	Publisher skills.Publisher
	Playbooks *skills.Registry
	Clock     ids.Clock
}

// Server is the gateway. Build one with NewServer and serve Router().
type Server struct {
	cfg       *config.Config
	verifier  *auth.Verifier
	peers     *auth.PeerVerifier
	pdp       policy.PDP
	routes    policy.RouteTable
	usage     store.UsageStore
	denials   store.DenialStore
	approvals approval.Store
	plans     *billing.Registry
	budget    *budget.Evaluator
	envelope  *metering.Verifier
	limiter   *ratelimit.Limiter
	hub       *stream.Hub
	sink      sink.Sink
	scheduler scheduler.Scheduler
	publisher skills.Publisher
	playbooks *skills.Registry
	compiler  *agentspec.Compiler
	reference *ReferenceRegistry
	executor  *skills.Executor
	clock     ids.Clock
	registry  *prometheus.Registry
	metrics   *Metrics
	logger    *log.Logger
	router    *mux.Router
}

func NewServer(opts Options) (*Server, error) {
	s := &Server{
		cfg:       opts.Config,
		verifier:  opts.Verifier,
		peers:     opts.Peers,
		pdp:       opts.PDP,
		routes:    opts.Routes,
		usage:     opts.Usage,
		denials:   opts.Denials,
		approvals: opts.Approvals,
		plans:     opts.Plans,
		budget:    opts.Budget,
		envelope:  opts.Envelope,
		limiter:   opts.Limiter,
		hub:       opts.Hub,
		sink:      opts.Sink,
		scheduler: opts.Scheduler,
		publisher: opts.Publisher,
		playbooks: opts.Playbooks,
		clock:     opts.Clock,
		registry:  prometheus.NewRegistry(),
		logger:    log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = NewMetrics(s.registry)
	if s.clock == nil {
		s.clock = ids.SystemClock{}
	}
	if s.routes == nil {
		s.routes = policy.DefaultRouteTable()
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewLimiter(ratelimit.Limits{})
	}
	if s.hub == nil {
		s.hub = stream.NewHub()
		go s.hub.Run()
	}
	if s.publisher == nil {
		s.publisher = skills.NewLogPublisher()
	}
	if s.playbooks == nil {
		s.playbooks = skills.NewRegistry()
	}
	s.executor = skills.NewExecutor(s.publisher, s.clock)

	s.compiler = agentspec.NewCompiler(agentspec.Env{
		PolicySubscriber:   hooks.SubscriberFunc{SubName: "policy-gate", Fn: s.policyHook},
		BudgetSubscriber:   hooks.SubscriberFunc{SubName: "budget-gate", Fn: s.budgetHook},
		ApprovalSubscriber: hooks.SubscriberFunc{SubName: "approval-gate", Fn: s.approvalHook},
		TrialSubscriber:    hooks.SubscriberFunc{SubName: "trial-gate", Fn: s.trialHook},
		AuditSubscriber:    hooks.SubscriberFunc{SubName: "audit-tap", Fn: s.auditHook},
	})
	s.reference = NewReferenceRegistry(s.compiler)
	for _, raw := range BuiltinSpecs() {
		if err := s.reference.Load(raw); err != nil {
			return nil, err
		}
	}
	for _, pb := range BuiltinPlaybooks() {
		if err := s.playbooks.Load(pb); err != nil {
			return nil, err
		}
	}

	s.buildRouter()
	return s, nil
}

// Router returns the fully wired HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

// routeOpts tunes the guard stack per route.
type routeOpts struct {
	budgeted bool // budget guard + approval gate apply
	admin    bool // admin deadline instead of customer deadline
	stream   bool // long-lived connection: no deadline, no usage event
}

func (s *Server) buildRouter() {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware, s.correlationMiddleware, s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/reference-agents",
		s.protect("list-reference-agents", routeOpts{}, s.handleListReferenceAgents)).Methods(http.MethodGet)
	api.Handle("/reference-agents/{agent_id}/run",
		s.protect("run-reference-agent", routeOpts{budgeted: true}, s.handleRunReferenceAgent)).Methods(http.MethodPost)
	api.Handle("/agent-mold/skills/{family}/{skill_key}/execute",
		s.protect("execute-skill", routeOpts{budgeted: true}, s.handleExecuteSkill)).Methods(http.MethodPost)
	api.Handle("/agent-mold/schema/agent-spec",
		s.protect("agent-spec-schema", routeOpts{}, s.handleAgentSpecSchema)).Methods(http.MethodGet)
	api.Handle("/usage-events",
		s.protect("list-usage-events", routeOpts{admin: true}, s.handleListUsage)).Methods(http.MethodGet)
	api.Handle("/usage-events/aggregate",
		s.protect("aggregate-usage-events", routeOpts{admin: true}, s.handleAggregateUsage)).Methods(http.MethodGet)
	api.Handle("/audit/policy-denials",
		s.protect("list-policy-denials", routeOpts{admin: true}, s.handleListDenials)).Methods(http.MethodGet)
	api.Handle("/audit/stream",
		s.protect("audit-stream", routeOpts{admin: true, stream: true}, s.hub.HandleWebSocket)).Methods(http.MethodGet)
	api.Handle("/approvals",
		s.protect("grant-approval", routeOpts{admin: true}, s.handleGrantApproval)).Methods(http.MethodPost)
	api.Handle("/approvals",
		s.protect("list-approvals", routeOpts{admin: true}, s.handleListApprovals)).Methods(http.MethodGet)
	api.Handle("/deliverables/release",
		s.protect("release-deliverable", routeOpts{budgeted: true}, s.handleReleaseCallback)).Methods(http.MethodPost)

	s.router = r
}

// --- request scope ---

type scope struct {
	rc           *core.RequestContext
	route        string
	denialLogged bool
}

type ctxKey int

const scopeKey ctxKey = 0

func withScope(ctx context.Context, sc *scope) context.Context {
	return context.WithValue(ctx, scopeKey, sc)
}

func scopeFrom(ctx context.Context) *scope {
	sc, _ := ctx.Value(scopeKey).(*scope)
	return sc
}

func rcFrom(ctx context.Context) *core.RequestContext {
	if sc := scopeFrom(ctx); sc != nil {
		return sc.rc
	}
	return nil
}

// --- middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := map[string]bool{}
	if s.cfg != nil {
		for _, o := range s.cfg.Server.AllowedOrigins {
			allowed[o] = true
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Unlisted origins get no CORS headers at all; an empty
		// allowlist disables cross-origin access entirely.
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get("X-Correlation-ID")
		if cid == "" {
			cid = ids.NewCorrelationID()
		}
		w.Header().Set("X-Correlation-ID", cid)

		sc := &scope{rc: &core.RequestContext{CorrelationID: cid}}
		next.ServeHTTP(w, r.WithContext(withScope(r.Context(), sc)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		sc := scopeFrom(r.Context())
		cid := ""
		if sc != nil {
			cid = sc.rc.CorrelationID
		}
		s.logger.Printf(`{"method":%q,"path":%q,"status":%d,"duration_ms":%d,"correlation_id":%q}`,
			r.Method, r.URL.Path, sw.status, time.Since(start).Milliseconds(), cid)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// --- the guard stack ---

func (s *Server) protect(route string, opts routeOpts, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := scopeFrom(r.Context())
		sc.route = route
		rc := sc.rc

		ctx := r.Context()
		if !opts.stream {
			deadline := s.customerDeadline()
			if opts.admin {
				deadline = s.adminDeadline()
			}
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deadline)
			defer cancel()
			r = r.WithContext(ctx)
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			s.metrics.Requests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
			s.metrics.Duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}()

		// Stage: auth.
		if dec := s.authenticate(r, rc); !dec.Allowed {
			s.deny(sw, r, sc, dec)
			return
		}

		// Stage: customer context. The declared intent is folded into the
		// request context; the body is restored for the handler.
		if err := peekIntent(r, rc); err != nil {
			dec := core.Decision{Allowed: false, Reason: core.ReasonValidationError,
				Details: map[string]interface{}{"violations": []string{err.Error()}}}
			s.deny(sw, r, sc, dec)
			return
		}
		if v := mux.Vars(r)["agent_id"]; v != "" {
			rc.AgentID = v
		}
		if opts.budgeted && rc.CustomerID == "" {
			s.deny(sw, r, sc, core.Deny(core.StageAuth, core.ReasonUnauthenticated))
			return
		}

		// Rate limiting by (tier, customer).
		tier := ratelimit.TierFor(rc)
		limitKey := rc.CustomerID
		if limitKey == "" {
			limitKey = rc.UserID
		}
		if ok, retry := s.limiter.Allow(tier, limitKey); !ok {
			sw.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds()+0.5)))
			s.deny(sw, r, sc, core.Deny(core.StageBudget, core.ReasonRateLimited))
			return
		}

		// Stage: RBAC.
		if dec := policy.CheckRBAC(ctx, s.pdp, rc, s.routes.PermissionFor(route)); !dec.Allowed {
			s.deny(sw, r, sc, dec)
			return
		}

		// Stage: policy. Every authenticated request consults the PDP:
		// trial requests evaluate the trial policy, everything else the
		// action policy that may obligate an approval. Obligations land
		// on the request context. A down PDP denies here, before any
		// handler runs.
		policyPath := policy.PolicyApproval
		if rc.TrialMode {
			policyPath = policy.PolicyTrialMode
		}
		dec := s.pdp.Evaluate(ctx, policyPath, policy.Input{
			"user":        map[string]interface{}{"id": rc.UserID, "roles": rc.Roles},
			"customer_id": rc.CustomerID,
			"agent_id":    rc.AgentID,
			"purpose":     rc.Purpose,
			"route":       route,
			"action_kind": string(rc.IntentAction),
		})
		if !dec.Allowed {
			dec.Stage = core.StagePolicy
			s.deny(sw, r, sc, dec)
			return
		}
		s.mergeObligations(rc, dec.Obligations)

		// Stage: budget guard.
		if opts.budgeted {
			if dec := s.budgetGuard(ctx, r, rc); !dec.Allowed {
				s.deny(sw, r, sc, dec)
				return
			}
		}

		// Stage: approval gate for declared side effects and for actions
		// the policy obligated.
		if opts.budgeted && (rc.IntentAction.SideEffecting() || rc.DoPublish || approvalObligated(rc)) {
			if dec := s.approvalGate(ctx, rc); !dec.Allowed {
				s.deny(sw, r, sc, dec)
				return
			}
		}

		if err := ctx.Err(); err != nil {
			s.deny(sw, r, sc, deadlineDecision(err))
			return
		}

		handler(sw, r)

		// Stage: audit. One usage event per handled request; denial
		// records were written by whoever denied.
		if !sc.denialLogged && !opts.stream {
			s.appendUsage(rc, route)
		}
	})
}

func (s *Server) customerDeadline() time.Duration {
	if s.cfg != nil && s.cfg.Server.CustomerDeadline > 0 {
		return s.cfg.Server.CustomerDeadline
	}
	return 30 * time.Second
}

func (s *Server) adminDeadline() time.Duration {
	if s.cfg != nil && s.cfg.Server.AdminDeadline > 0 {
		return s.cfg.Server.AdminDeadline
	}
	return 60 * time.Second
}

func deadlineDecision(err error) core.Decision {
	if err == context.Canceled {
		return core.Decision{Allowed: false, Reason: core.ReasonClientCancelled}
	}
	return core.Decision{Allowed: false, Reason: core.ReasonRequestTimeout}
}

func (s *Server) authenticate(r *http.Request, rc *core.RequestContext) core.Decision {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		claims, err := s.verifier.VerifyAny(strings.TrimPrefix(authz, "Bearer "))
		if err != nil {
			if err == auth.ErrTokenExpired {
				return core.Deny(core.StageAuth, core.ReasonTokenExpired)
			}
			return core.Deny(core.StageAuth, core.ReasonUnauthenticated)
		}
		rc.UserID = claims.Subject
		rc.Email = claims.Email
		rc.Roles = claims.Roles
		rc.CustomerID = claims.CustomerID
		if claims.AgentID != "" {
			rc.AgentID = claims.AgentID
		}
		rc.TrialMode = claims.TrialMode
		return core.Allow()
	}

	// Trusted peers present a signed envelope instead of a JWT.
	if s.peers != nil && s.peers.Enabled() && r.Header.Get(auth.HeaderPeerSignature) != "" {
		customerID, err := s.peers.VerifyPeer(
			r.Header.Get(auth.HeaderPeerService),
			r.Header.Get(auth.HeaderPeerTimestamp),
			r.Header.Get(auth.HeaderPeerCustomer),
			r.Header.Get(auth.HeaderPeerSignature),
		)
		if err != nil {
			return core.Deny(core.StageAuth, core.ReasonUnauthenticated)
		}
		rc.UserID = "svc:" + r.Header.Get(auth.HeaderPeerService)
		rc.Roles = []string{"service"}
		rc.CustomerID = customerID
		return core.Allow()
	}

	return core.Deny(core.StageAuth, core.ReasonUnauthenticated)
}

// budgetGuard verifies the metering envelope (when required) and runs
// the budget evaluator. The envelope is the source of truth for cost
// and token fields.
func (s *Server) budgetGuard(ctx context.Context, r *http.Request, rc *core.RequestContext) core.Decision {
	env, err := metering.Extract(r.Header, rc.CorrelationID)
	if err != nil {
		dec := core.Deny(core.StageBudget, core.ReasonEnvelopeInvalid)
		dec.Details = map[string]interface{}{"malformed": true, "error": err.Error()}
		return dec
	}

	if env != nil && s.envelope.Enabled() {
		if err := s.envelope.Verify(r.Header, env); err != nil {
			reason := core.ReasonEnvelopeInvalid
			if err == metering.ErrExpired {
				reason = core.ReasonEnvelopeExpired
			}
			return core.Deny(core.StageBudget, reason)
		}
		rc.TokensIn = env.TokensIn
		rc.TokensOut = env.TokensOut
		rc.Model = env.Model
		rc.CacheHit = env.CacheHit
		rc.CostUSD = env.CostUSD
		rc.EnvelopeSigned = true
	} else if s.envelope.Enabled() && s.monthlyCapped(rc) {
		return core.Deny(core.StageBudget, core.ReasonEnvelopeRequired)
	}

	dec := s.budget.Evaluate(ctx, rc)
	if dec.Allowed {
		s.metrics.Budget.WithLabelValues("allow").Inc()
		s.mergeObligations(rc, dec.Details)
	} else {
		s.metrics.Budget.WithLabelValues(dec.Reason).Inc()
	}
	return dec
}

// monthlyCapped reports whether the request's effective plan carries a
// monthly budget cap, which makes the request "budgeted" for envelope
// purposes.
func (s *Server) monthlyCapped(rc *core.RequestContext) bool {
	if rc.PlanID == "" {
		return false
	}
	if s.plans != nil {
		if cap, ok := s.plans.MonthlyCapUSD(rc.PlanID); ok {
			return cap > 0
		}
	}
	return true // unknown plans fall back to the default cap
}

// approvalGate enforces single-use approvals on declared side effects.
// Autopublish auto-grants and immediately consumes an approval when the
// autopublish policy allows, so posted deliverables always trace to a
// consumed approval.
func (s *Server) approvalGate(ctx context.Context, rc *core.RequestContext) core.Decision {
	now := s.clock.Now()

	if rc.Autopublish {
		dec := s.pdp.Evaluate(ctx, policy.PolicyAutopublish, policy.Input{
			"customer_id": rc.CustomerID,
			"agent_id":    rc.AgentID,
			"action_kind": string(rc.IntentAction),
		})
		if !dec.Allowed {
			if dec.Reason == core.ReasonPolicyUnavailable {
				return dec
			}
			return core.Deny(core.StageApproval, core.ReasonAutopublishNotAllowed)
		}

		id := ids.NewApprovalID()
		a := approval.Approval{
			ApprovalID: id,
			CustomerID: rc.CustomerID,
			AgentID:    rc.AgentID,
			Scope:      scopeForAction(rc.IntentAction),
			GrantedAt:  now,
			SingleUse:  true,
		}
		if err := s.approvals.Grant(ctx, a); err != nil {
			return core.Deny(core.StageApproval, core.ReasonAuditUnavailable)
		}
		if _, err := s.approvals.Consume(ctx, id, rc.CustomerID, rc.AgentID, now); err != nil {
			return core.Deny(core.StageApproval, core.ReasonAuditUnavailable)
		}
		rc.ApprovalID = id
		s.metrics.Approvals.WithLabelValues("auto_granted").Inc()
		return core.Allow()
	}

	if rc.ApprovalID == "" {
		return core.Deny(core.StageApproval, core.ReasonApprovalRequired)
	}

	_, err := s.approvals.Consume(ctx, rc.ApprovalID, rc.CustomerID, rc.AgentID, now)
	switch err {
	case nil:
		s.metrics.Approvals.WithLabelValues("consumed").Inc()
		return core.Allow()
	case approval.ErrAlreadyConsumed:
		s.metrics.Approvals.WithLabelValues("already_consumed").Inc()
		return core.Deny(core.StageApproval, core.ReasonApprovalConsumed)
	case approval.ErrNotFound, approval.ErrScopeMismatch:
		s.metrics.Approvals.WithLabelValues("rejected").Inc()
		dec := core.Deny(core.StageApproval, core.ReasonApprovalRequired)
		dec.Details = map[string]interface{}{"error": err.Error()}
		return dec
	default:
		return core.Deny(core.StageApproval, core.ReasonAuditUnavailable)
	}
}

// approvalObligated reports whether the action policy attached an
// approval_required obligation to this request.
func approvalObligated(rc *core.RequestContext) bool {
	v, _ := rc.Obligations["approval_required"].(bool)
	return v
}

func scopeForAction(action core.IntentAction) approval.Scope {
	if action == core.IntentPlaceOrder || action == core.IntentClosePosition {
		return approval.ScopePerTradeAction
	}
	return approval.ScopePerPost
}

func (s *Server) mergeObligations(rc *core.RequestContext, obligations map[string]interface{}) {
	if len(obligations) == 0 {
		return
	}
	if rc.Obligations == nil {
		rc.Obligations = make(map[string]interface{})
	}
	for k, v := range obligations {
		rc.Obligations[k] = v
	}
}

// deny appends exactly one denial record, then writes the problem
// document. The record append is synchronous and survives an expired
// request deadline.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, sc *scope, dec core.Decision) {
	rc := sc.rc
	if rc.DecisionID == "" {
		rc.DecisionID = ids.NewDecisionID()
	}
	status := statusFor(dec)
	if dec.Details != nil {
		if malformed, _ := dec.Details["malformed"].(bool); malformed {
			status = http.StatusBadRequest
		}
	}

	if !sc.denialLogged {
		sc.denialLogged = true
		rec := store.PolicyDenialRecord{
			Timestamp:     s.clock.Now(),
			CorrelationID: rc.CorrelationID,
			DecisionID:    rc.DecisionID,
			AgentID:       rc.AgentID,
			CustomerID:    rc.CustomerID,
			Stage:         string(dec.Stage),
			Action:        string(rc.IntentAction),
			Reason:        dec.Reason,
			Path:          r.URL.Path,
			Details:       dec.Details,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.denials.AppendDenial(ctx, rec); err != nil {
			s.logger.Printf("❌ denial record append failed (correlation=%s): %v", rc.CorrelationID, err)
			status = http.StatusServiceUnavailable
			dec = core.Decision{Allowed: false, Reason: core.ReasonAuditUnavailable}
		} else {
			s.hub.Broadcast(stream.AuditEvent{
				Kind:          "denial",
				CorrelationID: rc.CorrelationID,
				CustomerID:    rc.CustomerID,
				AgentID:       rc.AgentID,
				Data: map[string]interface{}{
					"stage":  string(dec.Stage),
					"reason": dec.Reason,
					"path":   r.URL.Path,
				},
			})
		}
		s.metrics.Denials.WithLabelValues(string(dec.Stage), dec.Reason).Inc()
	}

	writeProblem(w, Problem{
		Status:        status,
		Detail:        denyDetail(dec),
		Reason:        dec.Reason,
		CorrelationID: rc.CorrelationID,
		DecisionID:    rc.DecisionID,
		Details:       dec.Details,
	})
}

func denyDetail(dec core.Decision) string {
	if dec.Stage == "" {
		return "request denied: " + dec.Reason
	}
	return "request denied at stage " + string(dec.Stage) + ": " + dec.Reason
}

// denyFromHandler lets route handlers surface hook or executor denies
// through the same single-record audit path.
func (s *Server) denyFromHandler(w http.ResponseWriter, r *http.Request, dec core.Decision) {
	sc := scopeFrom(r.Context())
	s.deny(w, r, sc, dec)
}

// appendUsage writes the usage event for a handled request. Usage
// appends are fire-and-forget with respect to the response; the sink
// provides durable at-least-once fan-out when configured.
func (s *Server) appendUsage(rc *core.RequestContext, route string) {
	ev := store.UsageEvent{
		EventType:     eventTypeFor(rc, route),
		Timestamp:     s.clock.Now(),
		CorrelationID: rc.CorrelationID,
		CustomerID:    rc.CustomerID,
		AgentID:       rc.AgentID,
		Purpose:       rc.Purpose,
		Model:         rc.Model,
		CacheHit:      rc.CacheHit,
		TokensIn:      rc.TokensIn,
		TokensOut:     rc.TokensOut,
		CostUSD:       rc.CostUSD,
		PlanID:        rc.PlanID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.usage.AppendUsage(ctx, ev); err != nil {
		s.logger.Printf("❌ usage append failed (correlation=%s): %v", rc.CorrelationID, err)
	}
	if s.sink != nil {
		s.sink.EmitUsage(ev)
	}
	s.hub.Broadcast(stream.AuditEvent{
		Kind:          "usage",
		CorrelationID: rc.CorrelationID,
		CustomerID:    rc.CustomerID,
		AgentID:       rc.AgentID,
		Data: map[string]interface{}{
			"event_type": string(ev.EventType),
			"cost_usd":   ev.CostUSD,
		},
	})
}

func eventTypeFor(rc *core.RequestContext, route string) store.EventType {
	switch {
	case rc.IntentAction == core.IntentPlaceOrder || rc.IntentAction == core.IntentClosePosition:
		return store.EventTradeAction
	case rc.DoPublish || rc.IntentAction.SideEffecting():
		return store.EventPublishAction
	case route == "run-reference-agent" || route == "execute-skill" || route == "release-deliverable":
		return store.EventSkillExecution
	default:
		return store.EventBudgetPrecheck
	}
}

// --- hook subscribers handed to the compiler ---

// policyHook gates autopublish shortcuts at tool time.
func (s *Server) policyHook(ctx context.Context, p hooks.Payload) core.Decision {
	rc := rcFrom(ctx)
	if rc == nil || !rc.Autopublish || p.Tool == "" {
		return core.Allow()
	}
	dec := s.pdp.Evaluate(ctx, policy.PolicyAutopublish, policy.Input{
		"customer_id": p.CustomerID,
		"agent_id":    p.AgentID,
		"action_kind": p.Tool,
	})
	if !dec.Allowed {
		if dec.Reason == core.ReasonPolicyUnavailable {
			return dec
		}
		return core.Deny(core.StageApproval, core.ReasonAutopublishNotAllowed)
	}
	return core.Allow()
}

// budgetHook re-checks budgets right before a skill runs, so skills
// reached outside the budgeted routes still hit the caps.
func (s *Server) budgetHook(ctx context.Context, p hooks.Payload) core.Decision {
	rc := rcFrom(ctx)
	if rc == nil {
		return core.Deny(core.StageBudget, core.ReasonMeteringRequired)
	}
	return s.budget.Evaluate(ctx, rc)
}

// approvalHook is the last line of the approval gate: a side-effecting
// tool step without a consumed approval on the request aborts.
func (s *Server) approvalHook(ctx context.Context, p hooks.Payload) core.Decision {
	rc := rcFrom(ctx)
	if rc == nil || rc.ApprovalID == "" {
		return core.Deny(core.StageApproval, core.ReasonApprovalRequired)
	}
	return core.Allow()
}

// trialHook consults the trial policy at session start.
func (s *Server) trialHook(ctx context.Context, p hooks.Payload) core.Decision {
	rc := rcFrom(ctx)
	if rc == nil || !rc.TrialMode {
		return core.Allow()
	}
	dec := s.pdp.Evaluate(ctx, policy.PolicyTrialMode, policy.Input{
		"customer_id": p.CustomerID,
		"agent_id":    p.AgentID,
		"purpose":     p.Purpose,
	})
	if !dec.Allowed {
		dec.Stage = core.StagePolicy
	}
	return dec
}

// auditHook mirrors post-step events onto the live stream.
func (s *Server) auditHook(_ context.Context, p hooks.Payload) core.Decision {
	s.hub.Broadcast(stream.AuditEvent{
		Kind:          "usage",
		CorrelationID: p.CorrelationID,
		CustomerID:    p.CustomerID,
		AgentID:       p.AgentID,
		Data:          map[string]interface{}{"event": string(p.Event), "tool": p.Tool},
	})
	return core.Allow()
}
