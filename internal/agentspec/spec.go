// Package agentspec validates declarative agent blueprints and compiles
// them into runtime bundles with enforcement subscribers wired onto a
// hook bus.
package agentspec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// AgentType is the product family of a blueprint.
type AgentType string

const (
	TypeMarketing AgentType = "marketing"
	TypeTrading   AgentType = "trading"
	TypeTutor     AgentType = "tutor"
)

// AgentSpec is the immutable input blueprint. Every optional dimension
// recognized by the compiler appears either configured or explicitly
// null; unknown names reject.
type AgentSpec struct {
	AgentID     string                            `json:"agent_id"`
	DisplayName string                            `json:"display_name,omitempty"`
	AgentType   AgentType                         `json:"agent_type"`
	Version     string                            `json:"version"`
	Dimensions  map[string]map[string]interface{} `json:"dimensions"`

	// rawDimensions preserves explicit nulls, which unmarshalling into
	// a typed map would erase.
	rawDimensions map[string]json.RawMessage
}

// Schema is the JSON Schema the gateway serves at
// /agent-mold/schema/agent-spec and validates every spec against.
const Schema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentmold.dev/schemas/agent-spec.schema.json",
  "type": "object",
  "required": ["agent_id", "agent_type", "version", "dimensions"],
  "properties": {
    "agent_id":     { "type": "string", "minLength": 1 },
    "display_name": { "type": "string" },
    "agent_type":   { "enum": ["marketing", "trading", "tutor"] },
    "version": {
      "type": "string",
      "pattern": "^\\d+\\.\\d+\\.\\d+(-[0-9A-Za-z.-]+)?$"
    },
    "dimensions": {
      "type": "object",
      "additionalProperties": { "type": ["object", "null"] }
    }
  },
  "additionalProperties": false
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://agentmold.dev/schemas/agent-spec.schema.json"
	if err := c.AddResource(url, strings.NewReader(Schema)); err != nil {
		panic(fmt.Sprintf("agent-spec schema resource: %v", err))
	}
	return c.MustCompile(url)
}

// Parse validates raw JSON against the schema and decodes it, keeping
// explicit-null dimensions distinguishable from absent ones.
func Parse(raw []byte) (*AgentSpec, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("agent spec is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("agent spec schema violation: %w", err)
	}

	var envelope struct {
		AgentID     string                     `json:"agent_id"`
		DisplayName string                     `json:"display_name"`
		AgentType   AgentType                  `json:"agent_type"`
		Version     string                     `json:"version"`
		Dimensions  map[string]json.RawMessage `json:"dimensions"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}

	spec := &AgentSpec{
		AgentID:       envelope.AgentID,
		DisplayName:   envelope.DisplayName,
		AgentType:     envelope.AgentType,
		Version:       envelope.Version,
		Dimensions:    make(map[string]map[string]interface{}),
		rawDimensions: envelope.Dimensions,
	}
	for name, rawDim := range envelope.Dimensions {
		if isJSONNull(rawDim) {
			continue // explicit null: recorded in rawDimensions only
		}
		var cfg map[string]interface{}
		if err := json.Unmarshal(rawDim, &cfg); err != nil {
			return nil, fmt.Errorf("dimension %q: %w", name, err)
		}
		spec.Dimensions[name] = cfg
	}
	return spec, nil
}

// DeclaredNull reports whether the spec declared the dimension as an
// explicit null.
func (s *AgentSpec) DeclaredNull(name string) bool {
	raw, ok := s.rawDimensions[name]
	return ok && isJSONNull(raw)
}

// Declared reports whether the dimension appears in the spec at all.
func (s *AgentSpec) Declared(name string) bool {
	_, ok := s.rawDimensions[name]
	return ok
}

// DeclaredNames lists every dimension name the spec mentions.
func (s *AgentSpec) DeclaredNames() []string {
	names := make([]string, 0, len(s.rawDimensions))
	for name := range s.rawDimensions {
		names = append(names, name)
	}
	return names
}

func isJSONNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
