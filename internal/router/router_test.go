package router

import (
	"testing"

	"github.com/ferro-labs/completion-core/internal/adapters"
	"github.com/ferro-labs/completion-core/internal/registry"
)

type fakeRegistry struct {
	models map[string]registry.ModelSpec
	order  []string
	routes []registry.RouteSpec
}

func (f *fakeRegistry) GetModel(id string) (registry.ModelSpec, bool) {
	m, ok := f.models[id]
	return m, ok
}

func (f *fakeRegistry) AllModels() []registry.ModelSpec {
	out := make([]registry.ModelSpec, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.models[id])
	}
	return out
}

func (f *fakeRegistry) Routes() []registry.RouteSpec { return f.routes }

func boolp(b bool) *bool { return &b }
func strp(s string) *string { return &s }

func testRegistry() *fakeRegistry {
	fr := &fakeRegistry{models: map[string]registry.ModelSpec{}}
	add := func(m registry.ModelSpec) {
		fr.models[m.ID] = m
		fr.order = append(fr.order, m.ID)
	}
	add(registry.ModelSpec{ID: "deepseek-coder", Provider: "deepseek", SupportsTools: true, MaxContextTokens: 64000, ReliabilityTier: 2, CostTier: 1, SpeedTier: 3})
	add(registry.ModelSpec{ID: "deepseek-chat", Provider: "deepseek", MaxContextTokens: 32000, ReliabilityTier: 2, CostTier: 1, SpeedTier: 3})
	add(registry.ModelSpec{ID: "gpt-3.5-turbo", Provider: "openai", SupportsTools: true, MaxContextTokens: 16000, ReliabilityTier: 3, CostTier: 2, SpeedTier: 2})
	add(registry.ModelSpec{ID: "gpt-4", Provider: "openai", SupportsTools: true, SupportsJSONSchema: true, MaxContextTokens: 128000, ReliabilityTier: 3, CostTier: 3, SpeedTier: 2})

	fr.routes = []registry.RouteSpec{
		{
			Name:           "coding",
			Predicate:      registry.Predicate{Any: []registry.Clause{{HasCodeBlock: boolp(true)}}},
			UseModel:       "deepseek-coder",
			FallbackModels: []string{"deepseek-chat", "gpt-3.5-turbo"},
			TimeoutMS:      30000,
		},
		{
			Name:      "json",
			Predicate: registry.Predicate{All: []registry.Clause{{ResponseFormatRequired: strp("json_schema")}}},
			UseModel:  "gpt-4",
			TimeoutMS: 30000,
		},
	}
	return fr
}

func TestRouteOnCodeBlock(t *testing.T) {
	r := New(testRegistry(), nil)
	ctx := RoutingContext{HasCodeBlock: true}
	d := r.Route(ctx, "")
	if d.RouteName != "coding" {
		t.Fatalf("expected route 'coding', got %q", d.RouteName)
	}
	if d.PrimaryModelID != "deepseek-coder" {
		t.Fatalf("expected primary deepseek-coder, got %q", d.PrimaryModelID)
	}
	want := []string{"deepseek-chat", "gpt-3.5-turbo"}
	if len(d.FallbackModelIDs) != len(want) {
		t.Fatalf("expected fallback chain %v, got %v", want, d.FallbackModelIDs)
	}
	for i, id := range want {
		if d.FallbackModelIDs[i] != id {
			t.Fatalf("expected fallback chain %v, got %v", want, d.FallbackModelIDs)
		}
	}
}

func TestUserOverrideHonored(t *testing.T) {
	r := New(testRegistry(), nil)
	d := r.Route(RoutingContext{}, "gpt-4")
	if d.RouteName != "user_override" {
		t.Fatalf("expected user_override, got %q", d.RouteName)
	}
	if d.PrimaryModelID != "gpt-4" {
		t.Fatalf("expected gpt-4, got %q", d.PrimaryModelID)
	}
}

func TestUserOverrideRejectedByCapabilityFallsThrough(t *testing.T) {
	r := New(testRegistry(), nil)
	// deepseek-chat doesn't support tools; requesting tools should reject
	// the override and fall through to rule evaluation (no code block, no
	// json_schema -> default mode).
	d := r.Route(RoutingContext{ToolsEnabled: true}, "deepseek-chat")
	if d.RouteName == "user_override" {
		t.Fatalf("expected override to be rejected, got route %q", d.RouteName)
	}
}

func TestDefaultModeSortsBySpeedCostReliability(t *testing.T) {
	r := New(testRegistry(), nil)
	d := r.Route(RoutingContext{}, "")
	if d.RouteName != "default" {
		t.Fatalf("expected default route, got %q", d.RouteName)
	}
	if d.PrimaryModelID != "deepseek-coder" && d.PrimaryModelID != "deepseek-chat" {
		t.Fatalf("expected a fast+cheap model as primary, got %q", d.PrimaryModelID)
	}
}

func TestFallbackNoMatchEscapeHatch(t *testing.T) {
	fr := testRegistry()
	r := New(fr, nil)
	// No model has a 200000-token context window.
	d := r.Route(RoutingContext{EstimatedContextTokens: 200000}, "")
	if d.RouteName != "fallback_no_match" {
		t.Fatalf("expected fallback_no_match, got %q", d.RouteName)
	}
	if len(d.FallbackModelIDs) != 0 {
		t.Fatal("expected no fallbacks in fallback_no_match escape hatch")
	}
}

func TestContextEstTokensBoundaryExactEqualsMaxPasses(t *testing.T) {
	r := New(testRegistry(), nil)
	ctx := RoutingContext{EstimatedContextTokens: 16000}
	// gpt-3.5-turbo's max_context_tokens is exactly 16000; equal should pass.
	ok := r.validateCapabilities(registry.ModelSpec{MaxContextTokens: 16000}, ctx)
	if !ok {
		t.Fatal("expected exact-equal token estimate to pass capability validation")
	}
	ctx.EstimatedContextTokens = 16001
	if r.validateCapabilities(registry.ModelSpec{MaxContextTokens: 16000}, ctx) {
		t.Fatal("expected one-over token estimate to fail capability validation")
	}
}

func TestAnalyzeMessageContentEmptyMessages(t *testing.T) {
	ctx := AnalyzeMessageContent(nil, nil, nil, nil)
	if ctx.LastUserMessage != "" {
		t.Fatalf("expected empty last user message, got %q", ctx.LastUserMessage)
	}
	if ctx.HasCodeBlock || ctx.HasAttachments || ctx.ToolsEnabled {
		t.Fatal("expected all flags false for empty input")
	}
}

func TestAnalyzeMessageContentDetectsCodeBlockAndAttachments(t *testing.T) {
	messages := []adapters.Message{
		{Role: adapters.RoleUser, Content: "here is code:\n```go\nfmt.Println()\n```"},
	}
	ctx := AnalyzeMessageContent(messages, nil, nil, nil)
	if !ctx.HasCodeBlock {
		t.Fatal("expected code block detected")
	}

	withAttachment := []adapters.Message{
		{Role: adapters.RoleUser, ContentParts: []adapters.ContentPart{{Type: adapters.ContentTypeText, Text: "hi"}}},
	}
	ctx2 := AnalyzeMessageContent(withAttachment, nil, nil, nil)
	if !ctx2.HasAttachments {
		t.Fatal("expected attachments detected")
	}
}

func TestContainsRegexClauseIsCaseInsensitive(t *testing.T) {
	fr := testRegistry()
	fr.routes = []registry.RouteSpec{
		{
			Name:      "urgent",
			Predicate: registry.Predicate{Any: []registry.Clause{{ContainsRegex: strp("URGENT")}}},
			UseModel:  "gpt-4",
			TimeoutMS: 30000,
		},
	}
	r := New(fr, nil)
	d := r.Route(RoutingContext{LastUserMessage: "this is urgent please help"}, "")
	if d.RouteName != "urgent" {
		t.Fatalf("expected case-insensitive regex match to route 'urgent', got %q", d.RouteName)
	}
}
