package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentmold/backend/internal/agentspec"
	"github.com/agentmold/backend/internal/approval"
	"github.com/agentmold/backend/internal/core"
	"github.com/agentmold/backend/internal/hooks"
	"github.com/agentmold/backend/internal/ids"
	"github.com/agentmold/backend/internal/scheduler"
	"github.com/agentmold/backend/internal/skills"
	"github.com/agentmold/backend/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"time":             s.clock.Now().Format(time.RFC3339),
		"reference_agents": len(s.reference.List()),
	})
}

func (s *Server) handleListReferenceAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": s.reference.List(),
	})
}

func (s *Server) handleAgentSpecSchema(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(agentspec.Schema))
}

// handleRunReferenceAgent executes a reference agent's default playbook
// with the request's skill inputs, publishing when requested and
// permitted by the earlier pipeline stages.
func (s *Server) handleRunReferenceAgent(w http.ResponseWriter, r *http.Request) {
	rc := rcFrom(r.Context())
	agentID := mux.Vars(r)["agent_id"]

	ra, ok := s.reference.Get(agentID)
	if !ok {
		s.notFound(w, rc, "unknown reference agent "+agentID)
		return
	}
	rc.AgentID = agentID

	body, dec := decodeBody(r)
	if !dec.Allowed {
		s.denyFromHandler(w, r, dec)
		return
	}

	family, skillKey := familyFor(ra.AgentType)
	pb, ok := s.playbooks.Get(family, skillKey)
	if !ok {
		s.notFound(w, rc, "no playbook for agent type "+string(ra.AgentType))
		return
	}

	s.runSkill(w, r, ra, pb, body)
}

// handleExecuteSkill is the primary skill execution path: same guard
// stack, explicit playbook selection.
func (s *Server) handleExecuteSkill(w http.ResponseWriter, r *http.Request) {
	rc := rcFrom(r.Context())
	vars := mux.Vars(r)

	pb, ok := s.playbooks.Get(vars["family"], vars["skill_key"])
	if !ok {
		s.notFound(w, rc, "unknown skill "+vars["family"]+"/"+vars["skill_key"])
		return
	}

	body, dec := decodeBody(r)
	if !dec.Allowed {
		s.denyFromHandler(w, r, dec)
		return
	}

	if rc.AgentID == "" {
		s.denyFromHandler(w, r, core.Decision{Allowed: false, Reason: core.ReasonValidationError,
			Details: map[string]interface{}{"violations": []string{"agent_id is required"}}})
		return
	}
	ra, ok := s.reference.Get(rc.AgentID)
	if !ok {
		s.notFound(w, rc, "unknown agent "+rc.AgentID)
		return
	}

	s.runSkill(w, r, ra, pb, body)
}

// runSkill is the shared execution tail of the run and execute routes.
func (s *Server) runSkill(w http.ResponseWriter, r *http.Request, ra *ReferenceAgent, pb *skills.Playbook, body map[string]interface{}) {
	rc := rcFrom(r.Context())
	input := skillInput(body)
	channels := requestedChannels(body)

	scheduleAt, scheduled := parseScheduleAt(body)
	doPublishNow := rc.DoPublish && !scheduled

	savedPublish := rc.DoPublish
	rc.DoPublish = doPublishNow
	result, dec := s.executor.Execute(r.Context(), skills.Request{
		Compiled: ra.compiled,
		Playbook: pb,
		Input:    input,
		Channels: channels,
		RC:       rc,
	})
	rc.DoPublish = savedPublish

	if !dec.Allowed {
		s.denyFromHandler(w, r, dec)
		return
	}

	// A scheduled publish holds the approved deliverable and enqueues
	// the release callback; the callback re-enters the guard stack.
	if scheduled && rc.DoPublish {
		d := result.Draft
		d.ApprovalConsumed = true
		d.ApprovalID = rc.ApprovalID
		now := s.clock.Now()
		if err := d.Transition(skills.StateInReview, now); err == nil {
			if err := d.Transition(skills.StateApproved, now); err == nil {
				d.Transition(skills.StateScheduled, now)
			}
		}
		if s.scheduler != nil {
			job := scheduler.Job{
				DeliverableID: d.DeliverableID,
				AgentID:       rc.AgentID,
				CustomerID:    rc.CustomerID,
				ApprovalID:    rc.ApprovalID,
				Channels:      channels,
				RunAt:         scheduleAt,
			}
			if err := s.scheduler.Schedule(r.Context(), job); err != nil {
				s.logger.Printf("❌ schedule release %s: %v", d.DeliverableID, err)
			}
		}
		result.Status = d.State
	}

	writeJSON(w, http.StatusOK, result)
}

// handleReleaseCallback posts a previously approved, scheduled
// deliverable. Only the scheduler's signed peer envelope reaches it,
// and it walked the full guard stack again on the way in.
func (s *Server) handleReleaseCallback(w http.ResponseWriter, r *http.Request) {
	rc := rcFrom(r.Context())

	var job scheduler.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		s.denyFromHandler(w, r, core.Decision{Allowed: false, Reason: core.ReasonValidationError,
			Details: map[string]interface{}{"violations": []string{err.Error()}}})
		return
	}
	rc.AgentID = job.AgentID
	rc.DoPublish = true

	ra, ok := s.reference.Get(job.AgentID)
	if !ok {
		s.notFound(w, rc, "unknown agent "+job.AgentID)
		return
	}

	payload := hooks.Payload{
		CorrelationID: rc.CorrelationID,
		AgentID:       rc.AgentID,
		CustomerID:    rc.CustomerID,
		Tool:          "publish",
		Data:          map[string]interface{}{"deliverable_id": job.DeliverableID},
	}
	if dec := ra.compiled.Bus.Emit(r.Context(), hooks.PreToolUse, payload); !dec.Allowed {
		s.denyFromHandler(w, r, dec)
		return
	}

	d := &skills.Deliverable{
		DeliverableID:    job.DeliverableID,
		AgentID:          job.AgentID,
		CustomerID:       job.CustomerID,
		State:            skills.StateScheduled,
		ApprovalConsumed: true,
		ApprovalID:       job.ApprovalID,
	}
	for _, ch := range job.Channels {
		if err := s.publisher.Publish(r.Context(), d, ch, nil); err != nil {
			d.Transition(skills.StateFailed, s.clock.Now())
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"deliverable_id": d.DeliverableID, "status": d.State, "published": false,
			})
			return
		}
	}
	d.Transition(skills.StatePosted, s.clock.Now())
	ra.compiled.Bus.Emit(r.Context(), hooks.PostToolUse, payload)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deliverable_id": d.DeliverableID,
		"status":         d.State,
		"published":      d.State == skills.StatePosted,
	})
}

// --- admin query surface ---

func (s *Server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.UsageQuery{
		CustomerID:    q.Get("customer_id"),
		AgentID:       q.Get("agent_id"),
		CorrelationID: q.Get("correlation_id"),
		EventType:     store.EventType(q.Get("event_type")),
		Since:         parseTime(q.Get("since")),
		Until:         parseTime(q.Get("until")),
		Limit:         parseLimit(q.Get("limit")),
	}
	events, err := s.usage.QueryUsage(r.Context(), query)
	if err != nil {
		s.denyFromHandler(w, r, core.Decision{Allowed: false, Reason: core.ReasonAuditUnavailable})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (s *Server) handleAggregateUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bucket := store.Bucket(q.Get("bucket"))
	if bucket == "" {
		bucket = store.BucketDay
	}
	if bucket != store.BucketDay && bucket != store.BucketMonth {
		s.denyFromHandler(w, r, core.Decision{Allowed: false, Reason: core.ReasonValidationError,
			Details: map[string]interface{}{"violations": []string{"bucket must be day or month"}}})
		return
	}
	rows, err := s.usage.AggregateUsage(r.Context(), store.AggregateQuery{
		CustomerID: q.Get("customer_id"),
		AgentID:    q.Get("agent_id"),
		PlanID:     q.Get("plan_id"),
		Bucket:     bucket,
		Since:      parseTime(q.Get("since")),
		Until:      parseTime(q.Get("until")),
	})
	if err != nil {
		s.denyFromHandler(w, r, core.Decision{Allowed: false, Reason: core.ReasonAuditUnavailable})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bucket": bucket, "rows": rows})
}

func (s *Server) handleListDenials(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := s.denials.QueryDenials(r.Context(), store.DenialQuery{
		CorrelationID: q.Get("correlation_id"),
		CustomerID:    q.Get("customer_id"),
		AgentID:       q.Get("agent_id"),
		Limit:         parseLimit(q.Get("limit")),
	})
	if err != nil {
		s.denyFromHandler(w, r, core.Decision{Allowed: false, Reason: core.ReasonAuditUnavailable})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"denials": records, "count": len(records)})
}

// handleGrantApproval lets an operator grant a single-use approval for
// a specific (customer, agent, deliverable).
func (s *Server) handleGrantApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID    string `json:"customer_id"`
		AgentID       string `json:"agent_id"`
		DeliverableID string `json:"deliverable_id"`
		Scope         string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CustomerID == "" || req.AgentID == "" {
		s.denyFromHandler(w, r, core.Decision{Allowed: false, Reason: core.ReasonValidationError,
			Details: map[string]interface{}{"violations": []string{"customer_id and agent_id are required"}}})
		return
	}
	scope := approval.Scope(req.Scope)
	if scope == "" {
		scope = approval.ScopePerPost
	}

	a := approval.Approval{
		ApprovalID:    ids.NewApprovalID(),
		CustomerID:    req.CustomerID,
		AgentID:       req.AgentID,
		DeliverableID: req.DeliverableID,
		Scope:         scope,
		GrantedAt:     s.clock.Now(),
		SingleUse:     true,
	}
	if err := s.approvals.Grant(r.Context(), a); err != nil {
		s.denyFromHandler(w, r, core.Decision{Allowed: false, Reason: core.ReasonAuditUnavailable})
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.approvals.List(r.Context(), q.Get("customer_id"), parseLimit(q.Get("limit")))
	if err != nil {
		s.denyFromHandler(w, r, core.Decision{Allowed: false, Reason: core.ReasonAuditUnavailable})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": list, "count": len(list)})
}

// --- helpers ---

func (s *Server) notFound(w http.ResponseWriter, rc *core.RequestContext, detail string) {
	writeProblem(w, Problem{
		Status:        http.StatusNotFound,
		Title:         "Not Found",
		Detail:        detail,
		Reason:        core.ReasonValidationError,
		CorrelationID: rc.CorrelationID,
	})
}

func decodeBody(r *http.Request) (map[string]interface{}, core.Decision) {
	body := make(map[string]interface{})
	if r.Body == nil {
		return body, core.Allow()
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, core.Decision{Allowed: false, Reason: core.ReasonValidationError,
			Details: map[string]interface{}{"violations": []string{"body is not valid JSON: " + err.Error()}}}
	}
	return body, core.Allow()
}

// reservedFields are guard-level body fields, not skill inputs.
var reservedFields = map[string]bool{
	"customer_id": true, "trial_mode": true, "plan_id": true,
	"do_publish": true, "autopublish": true, "approval_id": true,
	"intent_action": true, "purpose": true, "agent_id": true,
	"correlation_id": true, "channels": true, "schedule_at": true,
	"estimated_cost_usd": true, "meter_tokens_in": true,
	"meter_tokens_out": true, "meter_model": true,
	"meter_cache_hit": true, "meter_cost_usd": true,
}

func skillInput(body map[string]interface{}) map[string]interface{} {
	input := make(map[string]interface{})
	for k, v := range body {
		if !reservedFields[k] {
			input[k] = v
		}
	}
	return input
}

func requestedChannels(body map[string]interface{}) []string {
	raw, _ := body["channels"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if ch, ok := c.(string); ok {
			out = append(out, ch)
		}
	}
	return out
}

func parseScheduleAt(body map[string]interface{}) (time.Time, bool) {
	raw, _ := body["schedule_at"].(string)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
