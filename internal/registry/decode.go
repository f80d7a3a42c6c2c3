package registry

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// knownClauseKeys is the closed set of the seven documented predicate clauses.
// Decoding any other key is a load-time error rather than a silently
// never-matching condition (the REDESIGN FLAG fix).
var knownClauseKeys = map[string]bool{
	"has_code_block":           true,
	"has_attachments":          true,
	"rag_enabled":              true,
	"tools_enabled":            true,
	"response_format_required": true,
	"context_est_tokens_gt":    true,
	"contains_regex":           true,
}

type rawRoute struct {
	Name           string    `yaml:"name"`
	When           yaml.Node `yaml:"when"`
	UseModel       string    `yaml:"use_model"`
	FallbackModels []string  `yaml:"fallback_models"`
	TimeoutMS      int       `yaml:"timeout_ms"`
}

// UnmarshalYAML decodes the providers/models/routes document, applying
// predicate validation to every route's "when" block.
func (d *Document) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Providers map[string]ProviderConfig `yaml:"providers"`
		Models    []ModelSpec               `yaml:"models"`
		Routes    []rawRoute                `yaml:"routes"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	d.Providers = raw.Providers
	d.Models = raw.Models
	d.Routes = make([]RouteSpec, 0, len(raw.Routes))
	for _, r := range raw.Routes {
		pred, err := decodePredicate(&r.When)
		if err != nil {
			return fmt.Errorf("route %q: %w", r.Name, err)
		}
		d.Routes = append(d.Routes, RouteSpec{
			Name:           r.Name,
			Predicate:      pred,
			UseModel:       r.UseModel,
			FallbackModels: r.FallbackModels,
			TimeoutMS:      r.TimeoutMS,
		})
	}
	return nil
}

func decodePredicate(node *yaml.Node) (Predicate, error) {
	if node == nil || node.Kind == 0 {
		return Predicate{}, fmt.Errorf("missing \"when\" predicate")
	}
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return Predicate{}, err
	}

	var keys []string
	for k := range raw {
		keys = append(keys, k)
	}
	if len(keys) != 1 {
		return Predicate{}, fmt.Errorf("predicate must have exactly one of always/any/all, got %d keys", len(keys))
	}

	switch keys[0] {
	case "always":
		var always bool
		v := raw["always"]
		if err := v.Decode(&always); err != nil {
			return Predicate{}, err
		}
		return Predicate{Always: always}, nil
	case "any":
		clauses, err := decodeClauseList(raw["any"])
		if err != nil {
			return Predicate{}, fmt.Errorf("any: %w", err)
		}
		return Predicate{Any: clauses}, nil
	case "all":
		clauses, err := decodeClauseList(raw["all"])
		if err != nil {
			return Predicate{}, fmt.Errorf("all: %w", err)
		}
		return Predicate{All: clauses}, nil
	default:
		return Predicate{}, fmt.Errorf("unknown predicate key %q (expected always/any/all)", keys[0])
	}
}

func decodeClauseList(node yaml.Node) ([]Clause, error) {
	var nodes []yaml.Node
	if err := node.Decode(&nodes); err != nil {
		return nil, err
	}
	clauses := make([]Clause, 0, len(nodes))
	for i := range nodes {
		c, err := decodeClause(&nodes[i])
		if err != nil {
			return nil, fmt.Errorf("clause %d: %w", i, err)
		}
		clauses = append(clauses, c)
	}
	return clauses, nil
}

func decodeClause(node *yaml.Node) (Clause, error) {
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return Clause{}, err
	}
	if len(raw) != 1 {
		return Clause{}, fmt.Errorf("clause must have exactly one key, got %d", len(raw))
	}
	var key string
	for k := range raw {
		key = k
	}
	if !knownClauseKeys[key] {
		return Clause{}, fmt.Errorf("unrecognized predicate clause %q", key)
	}

	value := raw[key]
	var c Clause
	switch key {
	case "has_code_block":
		var b bool
		if err := value.Decode(&b); err != nil {
			return Clause{}, err
		}
		c.HasCodeBlock = &b
	case "has_attachments":
		var b bool
		if err := value.Decode(&b); err != nil {
			return Clause{}, err
		}
		c.HasAttachments = &b
	case "rag_enabled":
		var b bool
		if err := value.Decode(&b); err != nil {
			return Clause{}, err
		}
		c.RAGEnabled = &b
	case "tools_enabled":
		var b bool
		if err := value.Decode(&b); err != nil {
			return Clause{}, err
		}
		c.ToolsEnabled = &b
	case "response_format_required":
		var s string
		if err := value.Decode(&s); err != nil {
			return Clause{}, err
		}
		c.ResponseFormatRequired = &s
	case "context_est_tokens_gt":
		var n int
		if err := value.Decode(&n); err != nil {
			return Clause{}, err
		}
		c.ContextEstTokensGT = &n
	case "contains_regex":
		var s string
		if err := value.Decode(&s); err != nil {
			return Clause{}, err
		}
		c.ContainsRegex = &s
	}
	return c, nil
}
