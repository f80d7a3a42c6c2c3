package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// snapshot is the immutable, fully-indexed view of one loaded document.
// Reload builds a new snapshot and atomically swaps the pointer; in-flight
// requests holding an old snapshot reference never observe a partial update.
type snapshot struct {
	doc             Document
	modelsByID      map[string]ModelSpec
	modelsByProvider map[string][]ModelSpec
}

// Registry is the model/provider/route source of truth. Safe for concurrent
// use; Load/Reload swap the active snapshot atomically.
type Registry struct {
	current   atomic.Pointer[snapshot]
	resolvers map[string]CredentialResolver
	logger    *slog.Logger
}

// CredentialResolver resolves a provider's API credential. The default
// resolver reads an environment variable named by ProviderConfig.APIKeyEnv;
// providers fronted by an OAuth2 token endpoint (see
// internal/adapters.OAuth2CredentialResolver) register a different resolver.
type CredentialResolver interface {
	ResolveCredential(provider string, cfg ProviderConfig) (string, error)
}

// EnvCredentialResolver reads the credential from the OS environment
// variable named by the provider's api_key_env, with an override hook for
// providers whose credential should be sourced from an application-level
// secret store instead — generalizing model_registry.py's special-cased
// OpenAI-settings lookup.
type EnvCredentialResolver struct {
	// Overrides maps provider name -> a function returning (key, found).
	// Checked before falling back to the environment variable.
	Overrides map[string]func() (string, bool)
}

func (r *EnvCredentialResolver) ResolveCredential(provider string, cfg ProviderConfig) (string, error) {
	if r.Overrides != nil {
		if fn, ok := r.Overrides[provider]; ok {
			if key, found := fn(); found {
				return key, nil
			}
		}
	}
	return os.Getenv(cfg.APIKeyEnv), nil
}

// New creates an empty Registry logging to logger. A provider without a
// resolver registered via RegisterResolver reads the environment variable
// named by its api_key_env.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		resolvers: make(map[string]CredentialResolver),
		logger:    logger,
	}
}

// RegisterResolver assigns a specific CredentialResolver for provider,
// overriding the default environment-variable lookup.
func (r *Registry) RegisterResolver(provider string, resolver CredentialResolver) {
	r.resolvers[provider] = resolver
}

// Load reads and validates path (YAML or JSON, by extension), replacing the
// active snapshot. On any parse or validation failure, Load logs a warning
// and falls back to the minimal built-in default registry — the model
// registry must never refuse to start.
func (r *Registry) Load(path string) error {
	doc, err := loadDocument(path)
	if err != nil {
		r.logger.Warn("model registry config load failed, using default", "path", path, "error", err)
		r.current.Store(buildSnapshot(defaultDocument()))
		return nil
	}
	if err := validate(doc); err != nil {
		r.logger.Warn("model registry config invalid, using default", "path", path, "error", err)
		r.current.Store(buildSnapshot(defaultDocument()))
		return nil
	}
	r.current.Store(buildSnapshot(doc))
	r.logger.Info("model registry loaded", "models", len(doc.Models), "providers", len(doc.Providers), "routes", len(doc.Routes))
	return nil
}

// LoadDefault installs the built-in minimal default registry directly,
// without reading a file.
func (r *Registry) LoadDefault() {
	r.current.Store(buildSnapshot(defaultDocument()))
}

func loadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return Document{}, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Document{}, err
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Document{}, err
		}
	}
	return doc, nil
}

// validate enforces unique model ids, every route-referenced model existing,
// and tier fields within [1,3].
func validate(doc Document) error {
	if len(doc.Models) == 0 {
		return fmt.Errorf("no models defined")
	}
	seen := make(map[string]bool, len(doc.Models))
	for _, m := range doc.Models {
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		for _, tier := range []int{m.ReliabilityTier, m.CostTier, m.SpeedTier} {
			if tier < 1 || tier > 3 {
				return fmt.Errorf("model %q: tier fields must be in [1,3], got %d", m.ID, tier)
			}
		}
	}
	for _, route := range doc.Routes {
		if !seen[route.UseModel] {
			return fmt.Errorf("route %q references unknown model %q", route.Name, route.UseModel)
		}
		for _, fb := range route.FallbackModels {
			if !seen[fb] {
				return fmt.Errorf("route %q references unknown fallback model %q", route.Name, fb)
			}
		}
	}
	return nil
}

func buildSnapshot(doc Document) *snapshot {
	s := &snapshot{
		doc:              doc,
		modelsByID:       make(map[string]ModelSpec, len(doc.Models)),
		modelsByProvider: make(map[string][]ModelSpec),
	}
	for _, m := range doc.Models {
		s.modelsByID[m.ID] = m
		s.modelsByProvider[m.Provider] = append(s.modelsByProvider[m.Provider], m)
	}
	return s
}

func defaultDocument() Document {
	return Document{
		Providers: map[string]ProviderConfig{
			"openai": {BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY", TimeoutSeconds: 60},
		},
		Models: []ModelSpec{
			{
				ID: "gpt-4", Provider: "openai",
				SupportsTools: true, SupportsVision: true, SupportsJSONSchema: true,
				MaxContextTokens: 128000, MaxOutputTokens: 4096,
				ReliabilityTier: 3, CostTier: 3, SpeedTier: 2,
				Tags: []string{"general", "reliable"},
			},
		},
		Routes: []RouteSpec{
			{Name: "default", Predicate: Predicate{Always: true}, UseModel: "gpt-4", TimeoutMS: 30000},
		},
	}
}

// GetModel returns the model spec for id, and whether it was found.
func (r *Registry) GetModel(id string) (ModelSpec, bool) {
	s := r.current.Load()
	m, ok := s.modelsByID[id]
	return m, ok
}

// ModelsByProvider returns every model registered under provider.
func (r *Registry) ModelsByProvider(provider string) []ModelSpec {
	return r.current.Load().modelsByProvider[provider]
}

// ModelsByTag returns every model carrying tag.
func (r *Registry) ModelsByTag(tag string) []ModelSpec {
	s := r.current.Load()
	var out []ModelSpec
	for _, m := range s.doc.Models {
		for _, t := range m.Tags {
			if t == tag {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// CapabilityFilter narrows ModelsByCapability. A nil pointer field means
// "don't filter on this capability".
type CapabilityFilter struct {
	SupportsTools      *bool
	SupportsVision     *bool
	SupportsJSONSchema *bool
	MinContextTokens   *int
}

// ModelsByCapability returns every model matching filter.
func (r *Registry) ModelsByCapability(filter CapabilityFilter) []ModelSpec {
	s := r.current.Load()
	var out []ModelSpec
	for _, m := range s.doc.Models {
		if filter.SupportsTools != nil && m.SupportsTools != *filter.SupportsTools {
			continue
		}
		if filter.SupportsVision != nil && m.SupportsVision != *filter.SupportsVision {
			continue
		}
		if filter.SupportsJSONSchema != nil && m.SupportsJSONSchema != *filter.SupportsJSONSchema {
			continue
		}
		if filter.MinContextTokens != nil && m.MaxContextTokens < *filter.MinContextTokens {
			continue
		}
		out = append(out, m)
	}
	return out
}

// AllModels returns every model in the active snapshot, in document order.
func (r *Registry) AllModels() []ModelSpec {
	return append([]ModelSpec(nil), r.current.Load().doc.Models...)
}

// Routes returns every route specification, in evaluation order.
func (r *Registry) Routes() []RouteSpec {
	return append([]RouteSpec(nil), r.current.Load().doc.Routes...)
}

// ProviderConfig returns the named provider's connection config.
func (r *Registry) ProviderConfig(provider string) (ProviderConfig, bool) {
	cfg, ok := r.current.Load().doc.Providers[provider]
	return cfg, ok
}

// ResolveCredential returns provider's API credential, consulting a
// registered override resolver before falling back to the environment
// variable named by the provider's config.
func (r *Registry) ResolveCredential(provider string) (string, error) {
	cfg, ok := r.ProviderConfig(provider)
	if !ok {
		return "", fmt.Errorf("unknown provider %q", provider)
	}
	if resolver, ok := r.resolvers[provider]; ok {
		return resolver.ResolveCredential(provider, cfg)
	}
	return os.Getenv(cfg.APIKeyEnv), nil
}

// BaseURL returns provider's configured base URL.
func (r *Registry) BaseURL(provider string) (string, bool) {
	cfg, ok := r.ProviderConfig(provider)
	return cfg.BaseURL, ok
}

// ProviderNames returns the configured provider names in the active
// snapshot, for the admin health and provider-listing endpoints.
func (r *Registry) ProviderNames() []string {
	doc := r.current.Load().doc
	names := make([]string, 0, len(doc.Providers))
	for name := range doc.Providers {
		names = append(names, name)
	}
	return names
}
