package authz

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jmehdipour/outboxflow/internal/model"
	"gopkg.in/yaml.v3"
)

// Rule grants an action to roles, optionally scoping/enforcing fields.
// Field values of the form "$actor.<path>" are resolved against the actor.
type Rule struct {
	Roles  []string       `yaml:"roles"`
	Fields map[string]any `yaml:"fields"`
	Mode   WriteMode      `yaml:"mode"`
}

// Policy is a static role policy: models → action → rule.
type Policy struct {
	Default string                     `yaml:"default"` // allow | deny
	Models  map[string]map[string]Rule `yaml:"models"`
}

var _ Authorizer = (*Policy)(nil)

// LoadPolicy reads a YAML policy file. An empty path yields an allow-all policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{Default: "allow"}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(b)
}

func ParsePolicy(b []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	for name, actions := range p.Models {
		for action, r := range actions {
			switch r.Mode {
			case "", ModeEnforce, ModeValidate:
			default:
				return nil, fmt.Errorf("policy %s.%s: unknown mode %q", name, action, r.Mode)
			}
		}
	}
	return &p, nil
}

func (p *Policy) Authorize(_ context.Context, actor model.Actor, modelName, action string) (Decision, error) {
	if actor.IsSystem() {
		return Allow(), nil
	}

	rule, ok := p.Models[modelName][action]
	if !ok {
		if strings.EqualFold(p.Default, "allow") {
			return Allow(), nil
		}
		return Decision{Reason: "no rule"}, nil
	}

	if !rolesMatch(rule.Roles, actor) {
		return Decision{Reason: "role not permitted"}, nil
	}

	d := Decision{Allowed: true, Mode: rule.Mode}
	if d.Mode == "" {
		d.Mode = ModeEnforce
	}
	if len(rule.Fields) > 0 {
		view := actor.View()
		d.Fields = make(map[string]any, len(rule.Fields))
		for k, v := range rule.Fields {
			s, isRef := v.(string)
			if !isRef || !strings.HasPrefix(s, "$actor.") {
				d.Fields[k] = model.Normalize(v)
				continue
			}
			resolved, found := model.Lookup(view, strings.TrimPrefix(s, "$actor."))
			if !found {
				return Decision{Reason: fmt.Sprintf("actor has no %s", s)}, nil
			}
			d.Fields[k] = resolved
		}
	}
	return d, nil
}

func rolesMatch(allowed []string, actor model.Actor) bool {
	for _, r := range allowed {
		if r == "*" || actor.HasRole(r) {
			return true
		}
	}
	return false
}
