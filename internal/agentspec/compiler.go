package agentspec

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/agentmold/backend/internal/hooks"
)

// Registration binds one subscriber to one hook event.
type Registration struct {
	Event      hooks.Event
	Subscriber hooks.Subscriber
}

// Materializer turns one dimension's configuration into hook
// registrations. Materializers are pure: the only side effect of
// compilation is registration on the returned bus.
type Materializer interface {
	Name() string
	// Constraint is the semver range of spec versions this
	// materializer accepts, e.g. ">=1.0.0 <3.0.0".
	Constraint() string
	Materialize(cfg map[string]interface{}, env Env) ([]Registration, error)
}

// Env carries the enforcement subscribers the gateway injects so that
// compiled bundles cannot bypass the policy, budget, and approval gates.
type Env struct {
	PolicySubscriber   hooks.Subscriber
	BudgetSubscriber   hooks.Subscriber
	ApprovalSubscriber hooks.Subscriber
	TrialSubscriber    hooks.Subscriber
	AuditSubscriber    hooks.Subscriber
}

// MaterializedDimension is one entry of the runtime bundle. A dimension
// declared null materializes as a safe no-op with Present=false.
type MaterializedDimension struct {
	Name          string `json:"name"`
	Present       bool   `json:"present"`
	Registrations int    `json:"registrations"`
}

// CompiledAgentSpec is the runtime bundle: same identity as the spec
// plus the ordered materialized dimensions and their hook bus.
type CompiledAgentSpec struct {
	AgentID     string
	DisplayName string
	AgentType   AgentType
	Version     string
	Bundle      []MaterializedDimension
	Bus         *hooks.Bus
}

// Compiler resolves declared dimensions against the built-in
// materializer table and produces compiled bundles. Compile is
// idempotent; each call returns a fresh bus.
type Compiler struct {
	materializers map[string]Materializer
	env           Env
}

func NewCompiler(env Env) *Compiler {
	c := &Compiler{
		materializers: make(map[string]Materializer),
		env:           env,
	}
	for _, m := range builtinMaterializers() {
		c.materializers[m.Name()] = m
	}
	return c
}

// KnownDimensions lists every dimension the runtime recognizes, sorted.
func (c *Compiler) KnownDimensions() []string {
	names := make([]string, 0, len(c.materializers))
	for name := range c.materializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile validates the spec's dimensions against the registry,
// materializes each declared dimension, attaches explicit null entries
// for every runtime-known dimension the spec omits, and registers all
// subscribers on a fresh bus.
func (c *Compiler) Compile(spec *AgentSpec) (*CompiledAgentSpec, error) {
	version, err := semver.NewVersion(spec.Version)
	if err != nil {
		return nil, fmt.Errorf("agent %s: bad version %q: %w", spec.AgentID, spec.Version, err)
	}

	// Unknown dimension names reject before anything materializes.
	for _, name := range spec.DeclaredNames() {
		if _, ok := c.materializers[name]; !ok {
			return nil, fmt.Errorf("agent %s: unknown dimension %q", spec.AgentID, name)
		}
	}

	bus := hooks.NewBus()
	compiled := &CompiledAgentSpec{
		AgentID:     spec.AgentID,
		DisplayName: spec.DisplayName,
		AgentType:   spec.AgentType,
		Version:     spec.Version,
		Bus:         bus,
	}

	for _, name := range c.KnownDimensions() {
		m := c.materializers[name]

		if !spec.Declared(name) || spec.DeclaredNull(name) {
			// Exactly one bundle entry per runtime dimension: the
			// null materialization is a safe no-op.
			compiled.Bundle = append(compiled.Bundle, MaterializedDimension{Name: name, Present: false})
			continue
		}

		constraint, err := semver.NewConstraint(m.Constraint())
		if err != nil {
			return nil, fmt.Errorf("dimension %q: bad constraint: %w", name, err)
		}
		if !constraint.Check(version) {
			return nil, fmt.Errorf("agent %s: dimension %q incompatible with spec version %s (wants %s)",
				spec.AgentID, name, spec.Version, m.Constraint())
		}

		regs, err := m.Materialize(spec.Dimensions[name], c.env)
		if err != nil {
			return nil, fmt.Errorf("agent %s: dimension %q: %w", spec.AgentID, name, err)
		}
		for _, reg := range regs {
			bus.Subscribe(reg.Event, reg.Subscriber)
		}
		compiled.Bundle = append(compiled.Bundle, MaterializedDimension{
			Name:          name,
			Present:       true,
			Registrations: len(regs),
		})
	}

	return compiled, nil
}
