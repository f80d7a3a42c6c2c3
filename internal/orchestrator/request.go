// Package orchestrator glues the registry, router, reranker, and fallback
// executor together into the gateway's single unified completion operation,
// and writes the resulting trace to the observability store.
package orchestrator

import (
	"github.com/ferro-labs/completion-core/internal/adapters"
	"github.com/ferro-labs/completion-core/internal/reranker"
)

// Request is the unified completion request accepted by the orchestrator.
type Request struct {
	Messages         []adapters.Message
	Model            string // user override, empty if unset
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Tools            []adapters.Tool
	ToolChoice       interface{}
	ResponseFormat   *adapters.ResponseFormat
	Stream           bool

	UserID string
	ChatID string

	RAGEnabled      bool
	RAGChunks       []reranker.Chunk
	KnowledgeBaseID string
}
