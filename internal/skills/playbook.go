// Package skills loads certified playbooks and runs them
// deterministically, producing canonical deliverables with per-channel
// variants. Every external side effect goes through the hook bus so the
// policy, budget, and approval gates cannot be bypassed.
package skills

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Step is one deterministic reducer step. Steps are opaque to the
// gateway; the executor folds them left-to-right over the canonical
// deliverable.
type Step struct {
	Name string                 `json:"name"`
	Op   string                 `json:"op"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Playbook is an immutable, versioned skill definition.
type Playbook struct {
	PlaybookID          string                 `json:"playbook_id"`
	Version             string                 `json:"version"`
	Family              string                 `json:"family"`
	SkillKey            string                 `json:"skill_key"`
	InputsSchema        json.RawMessage        `json:"inputs_schema"`
	Steps               []Step                 `json:"steps"`
	OutputSchema        json.RawMessage        `json:"output_schema"`
	QARubric            json.RawMessage        `json:"qa_rubric"`
	BoundaryConstraints map[string]interface{} `json:"boundary_constraints,omitempty"`

	inputs *jsonschema.Schema
	output *jsonschema.Schema
}

// Certify validates the playbook's own structure: both schemas and the
// QA rubric must be present and compile as valid JSON Schemas. A
// playbook that fails certification never loads.
func (p *Playbook) Certify() error {
	if p.PlaybookID == "" || p.Family == "" || p.SkillKey == "" {
		return fmt.Errorf("playbook identity incomplete")
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return fmt.Errorf("playbook %s: bad version %q: %w", p.PlaybookID, p.Version, err)
	}
	if len(p.QARubric) == 0 || isNull(p.QARubric) {
		return fmt.Errorf("playbook %s: qa_rubric missing", p.PlaybookID)
	}
	var err error
	if p.inputs, err = compileSchema(p.PlaybookID+"/inputs", p.InputsSchema); err != nil {
		return err
	}
	if p.output, err = compileSchema(p.PlaybookID+"/output", p.OutputSchema); err != nil {
		return err
	}
	return nil
}

// ValidateInput checks a request's skill inputs against the playbook's
// inputs schema.
func (p *Playbook) ValidateInput(input map[string]interface{}) error {
	if p.inputs == nil {
		return fmt.Errorf("playbook %s not certified", p.PlaybookID)
	}
	return p.inputs.Validate(toPlain(input))
}

// ValidateOutput checks a produced deliverable against the playbook's
// output schema.
func (p *Playbook) ValidateOutput(output map[string]interface{}) error {
	if p.output == nil {
		return fmt.Errorf("playbook %s not certified", p.PlaybookID)
	}
	return p.output.Validate(toPlain(output))
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, fmt.Errorf("playbook schema %s missing", name)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://agentmold.dev/playbooks/" + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("playbook schema %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("playbook schema %s does not self-validate: %w", name, err)
	}
	return schema, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// toPlain round-trips through encoding/json so the validator sees the
// same shapes it would from a decoded request body.
func toPlain(m map[string]interface{}) interface{} {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

// Registry holds certified playbooks keyed by family/skill_key. Reload
// swaps the whole map so readers never block writers.
type Registry struct {
	mu        sync.RWMutex
	playbooks map[string]*Playbook
}

func NewRegistry() *Registry {
	return &Registry{playbooks: make(map[string]*Playbook)}
}

func key(family, skillKey string) string { return family + "/" + skillKey }

// Load certifies and registers a playbook. Uncertified playbooks are
// rejected and the registry is unchanged.
func (r *Registry) Load(p *Playbook) error {
	if err := p.Certify(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playbooks[key(p.Family, p.SkillKey)] = p
	return nil
}

// Reload replaces the whole registry contents atomically. Any
// certification failure aborts the reload, keeping the old set.
func (r *Registry) Reload(playbooks []*Playbook) error {
	next := make(map[string]*Playbook, len(playbooks))
	for _, p := range playbooks {
		if err := p.Certify(); err != nil {
			return err
		}
		next[key(p.Family, p.SkillKey)] = p
	}
	r.mu.Lock()
	r.playbooks = next
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(family, skillKey string) (*Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.playbooks[key(family, skillKey)]
	return p, ok
}
