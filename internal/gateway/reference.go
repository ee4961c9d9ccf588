package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentmold/backend/internal/agentspec"
	"github.com/agentmold/backend/internal/skills"
)

// ReferenceAgent is a catalog entry: a published blueprint customers
// can run, with its compiled form cached.
type ReferenceAgent struct {
	AgentID     string              `json:"agent_id"`
	DisplayName string              `json:"display_name"`
	AgentType   agentspec.AgentType `json:"agent_type"`
	Spec        json.RawMessage     `json:"spec"`

	compiled *agentspec.CompiledAgentSpec
}

// ReferenceRegistry holds the reference agent catalog. Reload swaps the
// map wholesale; readers never block a reload.
type ReferenceRegistry struct {
	compiler *agentspec.Compiler

	mu     sync.RWMutex
	agents map[string]*ReferenceAgent
	order  []string
}

func NewReferenceRegistry(compiler *agentspec.Compiler) *ReferenceRegistry {
	return &ReferenceRegistry{
		compiler: compiler,
		agents:   make(map[string]*ReferenceAgent),
	}
}

// Load parses, compiles, and registers one blueprint.
func (r *ReferenceRegistry) Load(raw []byte) error {
	spec, err := agentspec.Parse(raw)
	if err != nil {
		return err
	}
	compiled, err := r.compiler.Compile(spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[spec.AgentID]; exists {
		return fmt.Errorf("reference agent %s already registered", spec.AgentID)
	}
	r.agents[spec.AgentID] = &ReferenceAgent{
		AgentID:     spec.AgentID,
		DisplayName: spec.DisplayName,
		AgentType:   spec.AgentType,
		Spec:        json.RawMessage(raw),
		compiled:    compiled,
	}
	r.order = append(r.order, spec.AgentID)
	return nil
}

func (r *ReferenceRegistry) Get(agentID string) (*ReferenceAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

func (r *ReferenceRegistry) List() []*ReferenceAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ReferenceAgent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// BuiltinSpecs are the blueprints shipped with the gateway. Operators
// replace them with their own catalog in production.
func BuiltinSpecs() [][]byte {
	return [][]byte{
		[]byte(`{
		  "agent_id": "marketing-beauty",
		  "display_name": "Beauty Marketing Agent",
		  "agent_type": "marketing",
		  "version": "1.2.0",
		  "dimensions": {
		    "skill": {"families": ["content"]},
		    "industry": {"vertical": "beauty"},
		    "integrations": {"channels": ["linkedin", "instagram"]},
		    "policy": {"purposes": ["social_campaign"]},
		    "budget": {"daily_cap_usd": 1.0},
		    "trial": null,
		    "ui": null,
		    "localization": null
		  }
		}`),
		[]byte(`{
		  "agent_id": "trading-quant",
		  "display_name": "Quant Trading Agent",
		  "agent_type": "trading",
		  "version": "1.0.3",
		  "dimensions": {
		    "skill": {"families": ["trading"]},
		    "industry": {"vertical": "finance"},
		    "integrations": {"channels": ["linkedin"]},
		    "policy": {"purposes": ["order_routing"]},
		    "budget": {"daily_cap_usd": 1.0},
		    "trial": null,
		    "ui": null,
		    "localization": null
		  }
		}`),
		[]byte(`{
		  "agent_id": "tutor-math",
		  "display_name": "Math Tutor Agent",
		  "agent_type": "tutor",
		  "version": "1.1.0",
		  "dimensions": {
		    "skill": {"families": ["tutoring"]},
		    "industry": {"vertical": "education"},
		    "policy": {"purposes": ["lesson_plan"]},
		    "trial": {"tasks_per_day": 10, "tokens_per_day": 10000},
		    "budget": null,
		    "integrations": null,
		    "ui": null,
		    "localization": null
		  }
		}`),
	}
}

// BuiltinPlaybooks are the default certified playbooks, one per agent
// family.
func BuiltinPlaybooks() []*skills.Playbook {
	openSchema := json.RawMessage(`{"type": "object"}`)
	rubric := json.RawMessage(`{"clarity": "required", "accuracy": "required"}`)

	return []*skills.Playbook{
		{
			PlaybookID: "pb-social-post",
			Version:    "1.0.0",
			Family:     "content",
			SkillKey:   "social_post",
			InputsSchema: json.RawMessage(`{
			  "type": "object",
			  "required": ["theme"],
			  "properties": {"theme": {"type": "string", "minLength": 1}}
			}`),
			Steps: []skills.Step{
				{Name: "headline", Op: "template", Args: map[string]interface{}{
					"field": "headline", "template": "Launching: {{theme}}",
				}},
				{Name: "body", Op: "template", Args: map[string]interface{}{
					"field": "message", "template": "Introducing {{theme}}. Built for you.",
				}},
				{Name: "tags", Op: "copy", Args: map[string]interface{}{"from": "tags", "to": "tags"}},
			},
			OutputSchema: json.RawMessage(`{
			  "type": "object",
			  "required": ["message"],
			  "properties": {"message": {"type": "string"}}
			}`),
			QARubric: rubric,
		},
		{
			PlaybookID: "pb-order-intent",
			Version:    "1.0.0",
			Family:     "trading",
			SkillKey:   "order_intent",
			InputsSchema: json.RawMessage(`{
			  "type": "object",
			  "required": ["symbol", "side"],
			  "properties": {
			    "symbol": {"type": "string", "minLength": 1},
			    "side": {"enum": ["buy", "sell"]},
			    "quantity": {"type": "number", "exclusiveMinimum": 0}
			  }
			}`),
			Steps: []skills.Step{
				{Name: "summary", Op: "template", Args: map[string]interface{}{
					"field": "message", "template": "order {{side}} {{symbol}}",
				}},
			},
			OutputSchema: json.RawMessage(`{
			  "type": "object",
			  "required": ["message"]
			}`),
			QARubric: rubric,
		},
		{
			PlaybookID: "pb-lesson-plan",
			Version:    "1.0.0",
			Family:     "tutoring",
			SkillKey:   "lesson_plan",
			InputsSchema: json.RawMessage(`{
			  "type": "object",
			  "required": ["topic"],
			  "properties": {"topic": {"type": "string", "minLength": 1}}
			}`),
			Steps: []skills.Step{
				{Name: "plan", Op: "template", Args: map[string]interface{}{
					"field": "message", "template": "Lesson plan for {{topic}}",
				}},
			},
			OutputSchema: openSchema,
			QARubric:     rubric,
		},
	}
}

// familyFor maps an agent type to its default playbook family/skill.
func familyFor(t agentspec.AgentType) (string, string) {
	switch t {
	case agentspec.TypeTrading:
		return "trading", "order_intent"
	case agentspec.TypeTutor:
		return "tutoring", "lesson_plan"
	default:
		return "content", "social_post"
	}
}
