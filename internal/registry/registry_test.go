package registry

import (
	"log/slog"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeDoc(t *testing.T, yamlBody string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write temp registry: %v", err)
	}
	return path
}

const validDoc = `
providers:
  openai:
    base_url: https://api.openai.com/v1
    api_key_env: OPENAI_API_KEY
    timeout_seconds: 60
  deepseek:
    base_url: https://api.deepseek.com
    api_key_env: DEEPSEEK_API_KEY
    timeout_seconds: 30
models:
  - id: gpt-4
    provider: openai
    supports_tools: true
    supports_json_schema: true
    max_context_tokens: 128000
    max_output_tokens: 4096
    reliability_tier: 3
    cost_tier: 3
    speed_tier: 2
    tags: [general, reliable]
  - id: deepseek-coder
    provider: deepseek
    supports_tools: true
    max_context_tokens: 64000
    max_output_tokens: 4096
    reliability_tier: 2
    cost_tier: 1
    speed_tier: 3
    tags: [coding]
routes:
  - name: coding
    when:
      any:
        - has_code_block: true
    use_model: deepseek-coder
    fallback_models: [gpt-4]
    timeout_ms: 30000
  - name: default
    when:
      always: true
    use_model: gpt-4
    timeout_ms: 30000
`

func TestLoadValidDocument(t *testing.T) {
	path := writeDoc(t, validDoc)
	r := New(testLogger())
	if err := r.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := len(r.AllModels()); got != 2 {
		t.Fatalf("AllModels: got %d models, want 2", got)
	}
	if got := len(r.Routes()); got != 2 {
		t.Fatalf("Routes: got %d, want 2", got)
	}

	m, ok := r.GetModel("gpt-4")
	if !ok {
		t.Fatal("GetModel(gpt-4): not found")
	}
	if m.Provider != "openai" || m.ReliabilityTier != 3 {
		t.Fatalf("GetModel(gpt-4): unexpected spec %+v", m)
	}

	if _, ok := r.GetModel("no-such-model"); ok {
		t.Fatal("GetModel(no-such-model): expected not found")
	}
}

func TestLoadInvalidDocumentFallsBackToDefault(t *testing.T) {
	// Documented elsewhere as never-fail-to-start: an invalid document falls
	// back to the default registry rather than returning an error.
	path := writeDoc(t, `
models:
  - id: orphan
    provider: openai
    reliability_tier: 1
    cost_tier: 1
    speed_tier: 1
routes:
  - name: default
    when: {always: true}
    use_model: no-such-model
    timeout_ms: 1000
`)
	r := New(testLogger())
	if err := r.Load(path); err != nil {
		t.Fatalf("Load should never return an error, got: %v", err)
	}
	// Falls back to the built-in default document.
	if _, ok := r.GetModel("orphan"); ok {
		t.Fatal("expected fallback to default document, but invalid doc's model is present")
	}
	if _, ok := r.GetModel("gpt-4"); !ok {
		t.Fatal("expected default document's gpt-4 model after fallback")
	}
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	r := New(testLogger())
	if err := r.Load(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("Load should never return an error, got: %v", err)
	}
	if len(r.AllModels()) == 0 {
		t.Fatal("expected default document to be installed")
	}
}

func TestLoadDefault(t *testing.T) {
	r := New(testLogger())
	r.LoadDefault()
	if _, ok := r.GetModel("gpt-4"); !ok {
		t.Fatal("LoadDefault: expected gpt-4 to be present")
	}
	if names := r.ProviderNames(); len(names) != 1 || names[0] != "openai" {
		t.Fatalf("ProviderNames: got %v, want [openai]", names)
	}
}

func TestModelsByProviderAndTag(t *testing.T) {
	path := writeDoc(t, validDoc)
	r := New(testLogger())
	_ = r.Load(path)

	deepseek := r.ModelsByProvider("deepseek")
	if len(deepseek) != 1 || deepseek[0].ID != "deepseek-coder" {
		t.Fatalf("ModelsByProvider(deepseek): got %+v", deepseek)
	}

	coding := r.ModelsByTag("coding")
	if len(coding) != 1 || coding[0].ID != "deepseek-coder" {
		t.Fatalf("ModelsByTag(coding): got %+v", coding)
	}
}

func TestModelsByCapability(t *testing.T) {
	path := writeDoc(t, validDoc)
	r := New(testLogger())
	_ = r.Load(path)

	toolsTrue := true
	withTools := r.ModelsByCapability(CapabilityFilter{SupportsTools: &toolsTrue})
	if len(withTools) != 2 {
		t.Fatalf("ModelsByCapability(tools): got %d, want 2", len(withTools))
	}

	minCtx := 100000
	bigContext := r.ModelsByCapability(CapabilityFilter{MinContextTokens: &minCtx})
	if len(bigContext) != 1 || bigContext[0].ID != "gpt-4" {
		t.Fatalf("ModelsByCapability(min_context=100000): got %+v", bigContext)
	}
}

func TestProviderConfigAndBaseURL(t *testing.T) {
	path := writeDoc(t, validDoc)
	r := New(testLogger())
	_ = r.Load(path)

	baseURL, ok := r.BaseURL("openai")
	if !ok || baseURL != "https://api.openai.com/v1" {
		t.Fatalf("BaseURL(openai): got %q, %v", baseURL, ok)
	}
	if _, ok := r.BaseURL("no-such-provider"); ok {
		t.Fatal("BaseURL(no-such-provider): expected not found")
	}
}

func TestResolveCredentialFallsBackToEnv(t *testing.T) {
	path := writeDoc(t, validDoc)
	r := New(testLogger())
	_ = r.Load(path)

	t.Setenv("OPENAI_API_KEY", "sk-test-123")
	key, err := r.ResolveCredential("openai")
	if err != nil {
		t.Fatalf("ResolveCredential: %v", err)
	}
	if key != "sk-test-123" {
		t.Fatalf("ResolveCredential: got %q, want sk-test-123", key)
	}

	if _, err := r.ResolveCredential("no-such-provider"); err == nil {
		t.Fatal("ResolveCredential(no-such-provider): expected error")
	}
}

type stubResolver struct {
	key string
}

func (s stubResolver) ResolveCredential(provider string, cfg ProviderConfig) (string, error) {
	return s.key, nil
}

func TestRegisterResolverOverridesEnv(t *testing.T) {
	path := writeDoc(t, validDoc)
	r := New(testLogger())
	_ = r.Load(path)
	r.RegisterResolver("openai", stubResolver{key: "override-token"})

	key, err := r.ResolveCredential("openai")
	if err != nil {
		t.Fatalf("ResolveCredential: %v", err)
	}
	if key != "override-token" {
		t.Fatalf("ResolveCredential: got %q, want override-token", key)
	}
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	r := New(testLogger())
	r.LoadDefault()
	if _, ok := r.GetModel("deepseek-coder"); ok {
		t.Fatal("unexpected deepseek-coder in default snapshot")
	}

	path := writeDoc(t, validDoc)
	if err := r.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := r.GetModel("deepseek-coder"); !ok {
		t.Fatal("expected deepseek-coder after reload")
	}
}
