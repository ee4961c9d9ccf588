package agentspec

import (
	"fmt"

	"github.com/agentmold/backend/internal/hooks"
)

// dimension is the table-driven materializer all built-in dimensions
// share: a required-key check plus a registration function. Partial
// configurations reject; a dimension is either fully configured or
// declared null.
type dimension struct {
	name       string
	constraint string
	required   []string
	register   func(cfg map[string]interface{}, env Env) ([]Registration, error)
}

func (d dimension) Name() string       { return d.name }
func (d dimension) Constraint() string { return d.constraint }

func (d dimension) Materialize(cfg map[string]interface{}, env Env) ([]Registration, error) {
	for _, key := range d.required {
		if _, ok := cfg[key]; !ok {
			return nil, fmt.Errorf("missing required key %q", key)
		}
	}
	if d.register == nil {
		return nil, nil
	}
	return d.register(cfg, env)
}

func need(s hooks.Subscriber, what string) (hooks.Subscriber, error) {
	if s == nil {
		return nil, fmt.Errorf("%s subscriber not wired", what)
	}
	return s, nil
}

func builtinMaterializers() []Materializer {
	return []Materializer{
		dimension{
			name:       "skill",
			constraint: ">=1.0.0 <3.0.0",
			required:   []string{"families"},
			register: func(cfg map[string]interface{}, env Env) ([]Registration, error) {
				if env.AuditSubscriber == nil {
					return nil, nil
				}
				return []Registration{
					{Event: hooks.PostSkill, Subscriber: env.AuditSubscriber},
					{Event: hooks.SessionEnd, Subscriber: env.AuditSubscriber},
				}, nil
			},
		},
		dimension{
			name:       "industry",
			constraint: ">=1.0.0 <3.0.0",
			required:   []string{"vertical"},
		},
		dimension{
			name:       "integrations",
			constraint: ">=1.0.0 <3.0.0",
			required:   []string{"channels"},
			register: func(cfg map[string]interface{}, env Env) ([]Registration, error) {
				s, err := need(env.ApprovalSubscriber, "approval")
				if err != nil {
					return nil, err
				}
				return []Registration{{Event: hooks.PreToolUse, Subscriber: s}}, nil
			},
		},
		dimension{
			name:       "trial",
			constraint: ">=1.0.0 <3.0.0",
			required:   []string{"tasks_per_day", "tokens_per_day"},
			register: func(cfg map[string]interface{}, env Env) ([]Registration, error) {
				s, err := need(env.TrialSubscriber, "trial")
				if err != nil {
					return nil, err
				}
				return []Registration{{Event: hooks.SessionStart, Subscriber: s}}, nil
			},
		},
		dimension{
			name:       "budget",
			constraint: ">=1.0.0 <3.0.0",
			required:   []string{"daily_cap_usd"},
			register: func(cfg map[string]interface{}, env Env) ([]Registration, error) {
				s, err := need(env.BudgetSubscriber, "budget")
				if err != nil {
					return nil, err
				}
				return []Registration{{Event: hooks.PreSkill, Subscriber: s}}, nil
			},
		},
		dimension{
			name:       "policy",
			constraint: ">=1.0.0 <3.0.0",
			required:   []string{"purposes"},
			register: func(cfg map[string]interface{}, env Env) ([]Registration, error) {
				s, err := need(env.PolicySubscriber, "policy")
				if err != nil {
					return nil, err
				}
				return []Registration{
					{Event: hooks.PreSkill, Subscriber: s},
					{Event: hooks.PreToolUse, Subscriber: s},
				}, nil
			},
		},
		dimension{
			name:       "ui",
			constraint: ">=1.0.0 <3.0.0",
			required:   []string{"theme"},
		},
		dimension{
			name:       "localization",
			constraint: ">=2.0.0 <3.0.0",
			required:   []string{"default_locale"},
		},
	}
}
