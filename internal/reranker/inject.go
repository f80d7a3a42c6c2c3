package reranker

import (
	"fmt"
	"strings"

	"github.com/ferro-labs/completion-core/internal/adapters"
)

// InjectStrategy names how ranked chunks are woven into a prompt.
type InjectStrategy string

const (
	// InjectSystem prepends a new system message carrying the context.
	InjectSystem InjectStrategy = "system"
	// InjectUser prepends a context block to the first user message.
	InjectUser InjectStrategy = "user"
)

// InjectChunks returns a new message slice with ranked chunks woven in
// according to strategy. messages is never mutated: every element (and its
// ContentParts backing array) is deep-copied before any write, fixing a bug
// in the system this gateway is modeled on where a shallow slice copy still
// let the "user" strategy mutate the caller's original message content in
// place. Empty ranked input returns messages unchanged.
func InjectChunks(messages []adapters.Message, ranked []RankedChunk, strategy InjectStrategy) []adapters.Message {
	if len(ranked) == 0 {
		return messages
	}

	out := make([]adapters.Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}

	context := formatContextBlock(ranked)

	switch strategy {
	case InjectUser:
		for i := range out {
			if out[i].Role == adapters.RoleUser {
				out[i].Content = context + "\n\n---\n\nUser question:\n" + out[i].Content
				return out
			}
		}
		// No user message found: fall through to system injection so the
		// context isn't silently dropped.
		fallthrough
	case InjectSystem:
		fallthrough
	default:
		systemMsg := adapters.Message{Role: adapters.RoleSystem, Content: context}
		return append([]adapters.Message{systemMsg}, out...)
	}
}

func formatContextBlock(ranked []RankedChunk) string {
	var b strings.Builder
	b.WriteString("Relevant context:\n\n")
	for i, rc := range ranked {
		title := rc.Chunk.DocTitle
		if title == "" {
			title = rc.Chunk.DocID
		}
		fmt.Fprintf(&b, "[Source %d: %s] %s\n\n", i+1, title, rc.Chunk.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatSourcesForUI builds a minimal source-citation list for the client,
// independent of what was injected into the model prompt.
func FormatSourcesForUI(ranked []RankedChunk) []map[string]interface{} {
	sources := make([]map[string]interface{}, len(ranked))
	for i, rc := range ranked {
		sources[i] = map[string]interface{}{
			"doc_id":       rc.Chunk.DocID,
			"doc_title":    rc.Chunk.DocTitle,
			"doc_path":     rc.Chunk.DocPath,
			"chunk_id":     rc.Chunk.ChunkID,
			"vector_score": rc.VectorScore,
			"rerank_score": rc.RerankScore,
			"final_score":  rc.FinalScore,
			"preview":      rc.Preview,
		}
	}
	return sources
}
