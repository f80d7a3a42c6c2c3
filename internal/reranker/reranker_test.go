package reranker

import (
	"testing"

	"github.com/ferro-labs/completion-core/internal/adapters"
)

func TestRerankEmptyChunksReturnsEmptyResult(t *testing.T) {
	r := New(DefaultParams())
	res := r.Rerank("hello", nil, 5)
	if len(res.RankedChunks) != 0 {
		t.Fatalf("expected no ranked chunks, got %d", len(res.RankedChunks))
	}
	if res.RerankerType != "lexical_bm25" {
		t.Fatalf("expected reranker_type lexical_bm25, got %q", res.RerankerType)
	}
}

func TestRerankOrdersByFinalScoreDescending(t *testing.T) {
	r := New(DefaultParams())
	chunks := []Chunk{
		{DocID: "a", Content: "the quick brown fox jumps over the lazy dog", VectorScore: 0.5},
		{DocID: "b", Content: "completely unrelated content about cooking pasta", VectorScore: 0.5},
		{DocID: "c", Content: "a fox and a dog became quick friends", VectorScore: 0.5},
	}
	res := r.Rerank("quick fox dog", chunks, 3)
	if len(res.RankedChunks) != 3 {
		t.Fatalf("expected 3 ranked chunks, got %d", len(res.RankedChunks))
	}
	for i := 1; i < len(res.RankedChunks); i++ {
		if res.RankedChunks[i-1].FinalScore < res.RankedChunks[i].FinalScore {
			t.Fatalf("expected descending final_score, got %v", res.RankedChunks)
		}
	}
	if res.RankedChunks[0].Chunk.DocID == "b" {
		t.Fatal("expected the lexically unrelated chunk to rank last, not first")
	}
}

func TestRerankRespectsTopK(t *testing.T) {
	r := New(DefaultParams())
	chunks := []Chunk{
		{DocID: "a", Content: "alpha beta gamma"},
		{DocID: "b", Content: "alpha beta"},
		{DocID: "c", Content: "alpha"},
	}
	res := r.Rerank("alpha beta gamma", chunks, 2)
	if len(res.RankedChunks) != 2 {
		t.Fatalf("expected topK=2 chunks, got %d", len(res.RankedChunks))
	}
}

func TestRerankFinalScoreStaysInUnitRange(t *testing.T) {
	r := New(DefaultParams())
	chunks := []Chunk{
		{DocID: "a", Content: "alpha beta gamma delta", VectorScore: 1.0},
		{DocID: "b", Content: "nothing matches here", VectorScore: 0.0},
	}
	res := r.Rerank("alpha beta gamma delta", chunks, 0)
	for _, rc := range res.RankedChunks {
		if rc.RerankScore < 0 || rc.RerankScore > 1 {
			t.Fatalf("expected rerank_score in [0,1], got %f", rc.RerankScore)
		}
		if rc.FinalScore < 0 || rc.FinalScore > 1 {
			t.Fatalf("expected final_score in [0,1], got %f", rc.FinalScore)
		}
	}
}

func TestRerankPreviewTruncatesLongContent(t *testing.T) {
	r := New(DefaultParams())
	long := ""
	for i := 0; i < 500; i++ {
		long += "x"
	}
	res := r.Rerank("x", []Chunk{{DocID: "a", Content: long}}, 1)
	preview := res.RankedChunks[0].Preview
	if len([]rune(preview)) != previewMaxLen+1 {
		t.Fatalf("expected truncated preview of %d runes plus ellipsis, got %d", previewMaxLen, len([]rune(preview)))
	}
	if preview[len(preview)-len("…"):] != "…" {
		t.Fatal("expected truncated preview to end with ellipsis")
	}
}

func TestRerankPreviewUntruncatedWhenShort(t *testing.T) {
	r := New(DefaultParams())
	res := r.Rerank("hi", []Chunk{{DocID: "a", Content: "short content"}}, 1)
	if res.RankedChunks[0].Preview != "short content" {
		t.Fatalf("expected untruncated preview, got %q", res.RankedChunks[0].Preview)
	}
}

func TestInjectChunksEmptyRankedLeavesMessagesUnchanged(t *testing.T) {
	messages := []adapters.Message{{Role: adapters.RoleUser, Content: "hello"}}
	out := InjectChunks(messages, nil, InjectUser)
	if len(out) != 1 || out[0].Content != "hello" {
		t.Fatalf("expected messages unchanged, got %v", out)
	}
}

func TestInjectChunksUserStrategyDoesNotMutateOriginal(t *testing.T) {
	original := []adapters.Message{
		{Role: adapters.RoleUser, Content: "what is the refund policy?"},
	}
	ranked := []RankedChunk{{Chunk: Chunk{DocID: "doc1", DocTitle: "Refunds", Content: "refunds within 30 days"}, Preview: "refunds within 30 days"}}

	out := InjectChunks(original, ranked, InjectUser)

	if original[0].Content != "what is the refund policy?" {
		t.Fatalf("expected original message untouched, got %q", original[0].Content)
	}
	if out[0].Content == original[0].Content {
		t.Fatal("expected injected message to differ from the original")
	}
	if !contains(out[0].Content, "refunds within 30 days") {
		t.Fatalf("expected injected context in output, got %q", out[0].Content)
	}
	if !contains(out[0].Content, "User question:") {
		t.Fatalf("expected 'User question:' separator, got %q", out[0].Content)
	}
}

func TestInjectChunksUsesFullContentNotPreview(t *testing.T) {
	original := []adapters.Message{{Role: adapters.RoleUser, Content: "hi"}}
	full := "the full unabridged policy text, well past four hundred characters of truncation territory"
	ranked := []RankedChunk{{
		Chunk:   Chunk{DocID: "doc1", DocTitle: "Policy", Content: full},
		Preview: "the full unabridged policy text...",
	}}

	out := InjectChunks(original, ranked, InjectSystem)

	if !contains(out[0].Content, full) {
		t.Fatalf("expected full chunk content injected, got %q", out[0].Content)
	}
	if !contains(out[0].Content, "[Source 1: Policy]") {
		t.Fatalf("expected '[Source 1: Policy]' label, got %q", out[0].Content)
	}
}

func TestInjectChunksSystemStrategyPrependsSystemMessage(t *testing.T) {
	original := []adapters.Message{{Role: adapters.RoleUser, Content: "hi"}}
	ranked := []RankedChunk{{Chunk: Chunk{DocID: "doc1"}, Preview: "some context"}}

	out := InjectChunks(original, ranked, InjectSystem)

	if len(out) != 2 {
		t.Fatalf("expected system message prepended, got %d messages", len(out))
	}
	if out[0].Role != adapters.RoleSystem {
		t.Fatalf("expected first message role system, got %q", out[0].Role)
	}
	if out[1].Content != "hi" {
		t.Fatal("expected original user message preserved unchanged after the prepended system message")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
