package skills

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/agentmold/backend/internal/agentspec"
	"github.com/agentmold/backend/internal/core"
	"github.com/agentmold/backend/internal/hooks"
	"github.com/agentmold/backend/internal/ids"
)

// Publisher performs the actual channel release. Implementations own
// the external API calls; the executor only calls them after the hook
// gates allow.
type Publisher interface {
	Publish(ctx context.Context, d *Deliverable, channel string, variant map[string]interface{}) error
}

// LogPublisher records releases without external calls. Used in dev
// and tests.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.New(log.Writer(), "[PUBLISH] ", log.LstdFlags)}
}

func (p *LogPublisher) Publish(_ context.Context, d *Deliverable, channel string, _ map[string]interface{}) error {
	p.logger.Printf("✅ released deliverable %s to %s for customer %s", d.DeliverableID, channel, d.CustomerID)
	return nil
}

// Request carries everything one skill execution needs.
type Request struct {
	Compiled *agentspec.CompiledAgentSpec
	Playbook *Playbook
	Input    map[string]interface{}
	Channels []string
	RC       *core.RequestContext
}

// Result matches the run-endpoint response contract.
type Result struct {
	AgentID   string                 `json:"agent_id"`
	AgentType agentspec.AgentType    `json:"agent_type"`
	Status    State                  `json:"status"`
	Review    map[string]interface{} `json:"review,omitempty"`
	Draft     *Deliverable           `json:"draft"`
	Published bool                   `json:"published"`
}

// Executor runs certified playbooks against compiled agent specs.
type Executor struct {
	publisher Publisher
	clock     ids.Clock
	logger    *log.Logger
}

func NewExecutor(publisher Publisher, clock ids.Clock) *Executor {
	if publisher == nil {
		publisher = NewLogPublisher()
	}
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Executor{
		publisher: publisher,
		clock:     clock,
		logger:    log.New(log.Writer(), "[SKILLS] ", log.LstdFlags),
	}
}

// Execute runs one playbook. The returned decision is allow unless a
// hook gate denied or the input failed validation; a deny always means
// no external side effect happened.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, core.Decision) {
	rc := req.RC

	if err := req.Playbook.ValidateInput(req.Input); err != nil {
		dec := core.Decision{Allowed: false, Reason: core.ReasonValidationError}
		dec.Details = map[string]interface{}{"violations": []string{err.Error()}}
		return nil, dec
	}

	payload := hooks.Payload{
		CorrelationID: rc.CorrelationID,
		AgentID:       rc.AgentID,
		CustomerID:    rc.CustomerID,
		Purpose:       rc.Purpose,
	}

	bus := req.Compiled.Bus
	if dec := bus.Emit(ctx, hooks.SessionStart, payload); !dec.Allowed {
		return nil, dec
	}
	if dec := bus.Emit(ctx, hooks.PreSkill, payload); !dec.Allowed {
		return nil, dec
	}

	canonical := reduce(req.Playbook, req.Input)
	deliverable := NewDeliverable("dlv-"+uuid.NewString(), rc.AgentID, rc.CustomerID, canonical)

	switch req.Compiled.AgentType {
	case agentspec.TypeTrading:
		deliverable.OrderIntent = buildOrderIntent(rc.CorrelationID, req.Input)
	default:
		variants, err := RenderVariants(canonical, req.Channels)
		if err != nil {
			dec := core.Decision{Allowed: false, Reason: core.ReasonValidationError}
			dec.Details = map[string]interface{}{"violations": []string{err.Error()}}
			return nil, dec
		}
		deliverable.Variants = variants
	}

	if err := req.Playbook.ValidateOutput(canonical); err != nil {
		dec := core.Decision{Allowed: false, Reason: core.ReasonValidationError}
		dec.Details = map[string]interface{}{"violations": []string{err.Error()}}
		return nil, dec
	}

	result := &Result{
		AgentID:   req.Compiled.AgentID,
		AgentType: req.Compiled.AgentType,
		Draft:     deliverable,
	}

	wantsRelease := rc.DoPublish || (req.Compiled.AgentType == agentspec.TypeTrading && rc.IntentAction == core.IntentExecute)
	if !wantsRelease {
		result.Status = deliverable.State
		e.emitClose(ctx, bus, payload)
		return result, core.Allow()
	}

	dec := e.release(ctx, bus, payload, deliverable, req, rc)
	result.Status = deliverable.State
	result.Published = deliverable.State == StatePosted
	if rc.ApprovalID != "" {
		result.Review = map[string]interface{}{"approval_id": rc.ApprovalID}
	}
	e.emitClose(ctx, bus, payload)
	if !dec.Allowed {
		return result, dec
	}
	return result, core.Allow()
}

// release walks the deliverable through review and posting. Every
// external side effect sits between PreToolUse and PostToolUse.
func (e *Executor) release(ctx context.Context, bus *hooks.Bus, payload hooks.Payload, d *Deliverable, req Request, rc *core.RequestContext) core.Decision {
	now := e.clock.Now()

	if rc.Autopublish {
		d.Autopublish = true
	} else {
		if err := d.Transition(StateInReview, now); err != nil {
			return transitionDeny(err)
		}
	}

	tool := "publish"
	if req.Compiled.AgentType == agentspec.TypeTrading {
		tool = "place_order"
	}
	payload.Tool = tool
	payload.Data = map[string]interface{}{
		"deliverable_id": d.DeliverableID,
		"approval_id":    rc.ApprovalID,
	}

	if dec := bus.Emit(ctx, hooks.PreToolUse, payload); !dec.Allowed {
		return dec
	}

	// The approval gate passed: the single-use approval (granted by an
	// operator or auto-granted on the autopublish path) is now consumed.
	d.ApprovalConsumed = true
	d.ApprovalID = rc.ApprovalID
	if err := d.Transition(StateApproved, now); err != nil {
		return transitionDeny(err)
	}

	if req.Compiled.AgentType == agentspec.TypeTrading {
		if err := e.publisher.Publish(ctx, d, "exchange", d.OrderIntent); err != nil {
			e.failDeliverable(d)
			return releaseFailure(err)
		}
	} else {
		for _, ch := range req.Channels {
			if err := e.publisher.Publish(ctx, d, ch, d.Variants[ch]); err != nil {
				e.failDeliverable(d)
				return releaseFailure(err)
			}
		}
	}

	if err := d.Transition(StatePosted, e.clock.Now()); err != nil {
		return transitionDeny(err)
	}
	bus.Emit(ctx, hooks.PostToolUse, payload)
	return core.Allow()
}

func (e *Executor) failDeliverable(d *Deliverable) {
	if err := d.Transition(StateFailed, e.clock.Now()); err != nil {
		e.logger.Printf("deliverable %s: %v", d.DeliverableID, err)
	}
}

func (e *Executor) emitClose(ctx context.Context, bus *hooks.Bus, payload hooks.Payload) {
	payload.Tool = ""
	payload.Data = nil
	bus.Emit(ctx, hooks.PostSkill, payload)
	bus.Emit(ctx, hooks.SessionEnd, payload)
}

func transitionDeny(err error) core.Decision {
	dec := core.Deny(core.StageApproval, core.ReasonApprovalRequired)
	dec.Details = map[string]interface{}{"state_machine": err.Error()}
	return dec
}

func releaseFailure(err error) core.Decision {
	return core.Decision{
		Allowed: false,
		Reason:  core.ReasonValidationError,
		Details: map[string]interface{}{"release_error": err.Error()},
	}
}

// reduce folds the playbook's steps over an empty canonical document.
// Ops are deterministic string and copy operations; the same playbook
// and input always yield the same canonical deliverable.
func reduce(pb *Playbook, input map[string]interface{}) map[string]interface{} {
	canonical := make(map[string]interface{})
	for _, step := range pb.Steps {
		switch step.Op {
		case "set":
			field, _ := step.Args["field"].(string)
			canonical[field] = step.Args["value"]
		case "copy":
			src, _ := step.Args["from"].(string)
			dst, _ := step.Args["to"].(string)
			if v, ok := input[src]; ok {
				canonical[dst] = v
			}
		case "template":
			field, _ := step.Args["field"].(string)
			tmpl, _ := step.Args["template"].(string)
			canonical[field] = renderTemplate(tmpl, input)
		}
	}
	return canonical
}

// renderTemplate substitutes {{name}} placeholders from the input.
// Missing placeholders render empty, keeping the reducer total.
func renderTemplate(tmpl string, input map[string]interface{}) string {
	out := tmpl
	for key, val := range input {
		placeholder := "{{" + key + "}}"
		if strings.Contains(out, placeholder) {
			out = strings.ReplaceAll(out, placeholder, fmt.Sprintf("%v", val))
		}
	}
	// Unreferenced placeholders collapse to empty strings.
	for {
		start := strings.Index(out, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(out[start:], "}}")
		if end < 0 {
			break
		}
		out = out[:start] + out[start+end+2:]
	}
	return out
}

// buildOrderIntent derives a deterministic order payload. The client
// order id is a digest of the correlation id and order fields so
// retries reuse the same id.
func buildOrderIntent(correlationID string, input map[string]interface{}) map[string]interface{} {
	symbol, _ := input["symbol"].(string)
	side, _ := input["side"].(string)
	quantity, _ := input["quantity"].(float64)
	orderType, _ := input["order_type"].(string)
	if orderType == "" {
		orderType = "market"
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%v|%s", correlationID, symbol, side, quantity, orderType)))
	intent := map[string]interface{}{
		"client_order_id": "ord-" + hex.EncodeToString(sum[:8]),
		"symbol":          symbol,
		"side":            side,
		"quantity":        quantity,
		"order_type":      orderType,
	}
	if limit, ok := input["limit_price"].(float64); ok {
		intent["order_type"] = "limit"
		intent["limit_price"] = limit
	}
	return intent
}
