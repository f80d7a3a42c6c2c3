// Package registry loads the declarative providers/models/routes document
// and serves as the single source of truth for routing decisions: model
// lookup, capability-filtered listing, provider credential/base-URL
// resolution, and atomic config reload.
package registry

// ModelSpec describes one routable model and its capabilities. Immutable
// once loaded — a reload replaces the whole snapshot rather than mutating
// entries in place.
type ModelSpec struct {
	ID                  string   `yaml:"id" json:"id"`
	Provider            string   `yaml:"provider" json:"provider"`
	SupportsTools       bool     `yaml:"supports_tools" json:"supports_tools"`
	SupportsVision      bool     `yaml:"supports_vision" json:"supports_vision"`
	SupportsJSONSchema  bool     `yaml:"supports_json_schema" json:"supports_json_schema"`
	MaxContextTokens    int      `yaml:"max_context_tokens" json:"max_context_tokens"`
	MaxOutputTokens     int      `yaml:"max_output_tokens" json:"max_output_tokens"`
	ReliabilityTier     int      `yaml:"reliability_tier" json:"reliability_tier"` // 1-3, 3=most reliable
	CostTier            int      `yaml:"cost_tier" json:"cost_tier"`               // 1-3, 1=cheapest
	SpeedTier           int      `yaml:"speed_tier" json:"speed_tier"`             // 1-3, 3=fastest
	Tags                []string `yaml:"tags" json:"tags"`
}

// ProviderConfig describes how to reach and authenticate against one
// upstream provider. APIKeyEnv names an environment variable — the
// credential itself is never embedded in the document.
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url" json:"base_url"`
	APIKeyEnv      string `yaml:"api_key_env" json:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Clause is one primitive predicate clause. It is a closed sum type over the
// seven documented clause kinds; exactly one field is expected to be set.
// Decoding rejects unrecognized keys (see decode.go) rather than silently
// matching nothing, fixing the latent bug in the free-form-map original.
type Clause struct {
	HasCodeBlock           *bool
	HasAttachments         *bool
	RAGEnabled             *bool
	ToolsEnabled           *bool
	ResponseFormatRequired *string
	ContextEstTokensGT     *int
	ContainsRegex          *string
}

// Predicate is a route's match condition: exactly one of Always, Any, or All
// is populated.
type Predicate struct {
	Always bool
	Any    []Clause
	All    []Clause
}

// RouteSpec is one ordered routing rule.
type RouteSpec struct {
	Name           string    `json:"name"`
	Predicate      Predicate `json:"-"`
	UseModel       string    `json:"use_model"`
	FallbackModels []string  `json:"fallback_models"`
	TimeoutMS      int       `json:"timeout_ms"`
}

// Document is the parsed providers/models/routes configuration, before
// validation and index construction.
type Document struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Models    []ModelSpec               `yaml:"models"`
	Routes    []RouteSpec               `yaml:"-"`
}
