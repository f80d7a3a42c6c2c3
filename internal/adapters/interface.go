package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// Adapter is the capability set a provider integration exposes. Variants
// normalize request/response shapes and transport idiosyncrasies for one
// upstream API; PrepareRequest/ParseResponse/ParseStreamChunk are exposed
// separately from Complete/StreamComplete so tests can exercise the pure
// translation logic without a live HTTP round-trip.
type Adapter interface {
	Provider() string
	PrepareRequest(req Request) (map[string]interface{}, error)
	ParseResponse(raw map[string]interface{}) (*Response, error)
	ParseStreamChunk(raw map[string]interface{}) (StreamChunk, bool)
	Complete(ctx context.Context, req Request) (*Response, error)
	StreamComplete(ctx context.Context, req Request) (<-chan StreamChunk, error)
	Close() error
}

// Factory creates an Adapter for a named provider given its connection
// details. Unknown providers fall back to a permissive OpenAI-compatible
// default, matching the "unknown provider -> OpenAI-compatible adapter"
// rule from the original fallback-handler factory.
type Factory struct {
	builders map[string]func(baseURL, apiKey string) (Adapter, error)
}

// NewFactory creates a Factory pre-registered with the built-in variants.
func NewFactory() *Factory {
	f := &Factory{builders: make(map[string]func(string, string) (Adapter, error))}
	f.Register("openai", func(baseURL, apiKey string) (Adapter, error) {
		return NewOpenAIAdapter(baseURL, apiKey), nil
	})
	f.Register("deepseek", func(baseURL, apiKey string) (Adapter, error) {
		return NewDeepSeekAdapter(baseURL, apiKey), nil
	})
	f.Register("bedrock", func(baseURL, apiKey string) (Adapter, error) {
		return NewBedrockAdapter(baseURL)
	})
	return f
}

// Register adds or replaces the builder for a provider name.
func (f *Factory) Register(provider string, build func(baseURL, apiKey string) (Adapter, error)) {
	f.builders[provider] = build
}

// Create builds an Adapter for provider, falling back to the permissive
// default (OpenAI-compatible over HTTP) for providers with no registered
// builder.
func (f *Factory) Create(provider, baseURL, apiKey string) (Adapter, error) {
	if build, ok := f.builders[provider]; ok {
		return build(baseURL, apiKey)
	}
	return NewDefaultAdapter(provider, baseURL, apiKey), nil
}

// ValidateJSONSchema compiles schema as a JSON Schema document and reports
// whether it is well-formed. This runs on the caller-supplied
// response_format.json_schema payload before the request is ever sent
// upstream, so a malformed schema is rejected locally as invalid_request
// instead of producing an opaque 400 from the provider.
func ValidateJSONSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	const resourceName = "response_format.json_schema"
	if err := compiler.AddResource(resourceName, bytesReader(schema)); err != nil {
		return fmt.Errorf("invalid response_format.json_schema: %w", err)
	}
	if _, err := compiler.Compile(resourceName); err != nil {
		return fmt.Errorf("invalid response_format.json_schema: %w", err)
	}
	return nil
}
