// Package router selects the model (and ordered fallback chain) a request
// should be sent to, by evaluating declarative route rules against a
// content-analyzed routing context.
package router

import (
	"regexp"

	"github.com/ferro-labs/completion-core/internal/adapters"
)

// RoutingContext is the content-analyzed view of a request that route
// predicates and capability checks are evaluated against.
type RoutingContext struct {
	LastUserMessage         string
	Messages                []adapters.Message
	HasCodeBlock            bool
	HasAttachments          bool
	RAGEnabled              bool
	EstimatedContextTokens  int
	ToolsEnabled            bool
	ResponseFormatRequired  string // "json_schema" | "json_object" | ""
}

// RoutingDecision is the router's output: which model to try first, which
// ordered fallbacks to try next, and why.
type RoutingDecision struct {
	PrimaryModelID    string
	FallbackModelIDs  []string
	RouteName         string
	RouteReason       string
	TimeoutMS         int
}

// TokenEstimator estimates the token count of a message sequence. Injectable
// so a real tokenizer can replace the default chars/4 approximation without
// touching routing logic (decided Open Question #3, see SPEC_FULL.md).
type TokenEstimator interface {
	Estimate(messages []adapters.Message) int
}

// CharDiv4Estimator is the shipped default: total text length divided by 4.
type CharDiv4Estimator struct{}

func (CharDiv4Estimator) Estimate(messages []adapters.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total / 4
}

var codeBlockPattern = regexp.MustCompile("```[\\w]*\\n")

// AnalyzeMessageContent builds a RoutingContext from a message history plus
// the request's tools/response-format flags. RAGEnabled is left false here —
// the orchestrator sets it after RAG reranking runs, since it depends on
// whether chunks were actually attached, not on the request payload alone.
func AnalyzeMessageContent(messages []adapters.Message, tools []adapters.Tool, responseFormat *adapters.ResponseFormat, estimator TokenEstimator) RoutingContext {
	if estimator == nil {
		estimator = CharDiv4Estimator{}
	}
	if len(messages) == 0 {
		return RoutingContext{}
	}

	var lastUserMessage string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == adapters.RoleUser {
			lastUserMessage = messages[i].Content
			break
		}
	}

	hasCodeBlock := codeBlockPattern.MatchString(lastUserMessage)

	hasAttachments := false
	for _, m := range messages {
		if len(m.ContentParts) > 0 {
			hasAttachments = true
			break
		}
	}

	var responseFormatRequired string
	if responseFormat != nil {
		switch responseFormat.Type {
		case "json_schema", "json_object":
			responseFormatRequired = responseFormat.Type
		}
	}

	return RoutingContext{
		LastUserMessage:        lastUserMessage,
		Messages:               messages,
		HasCodeBlock:           hasCodeBlock,
		HasAttachments:         hasAttachments,
		RAGEnabled:             false,
		EstimatedContextTokens: estimator.Estimate(messages),
		ToolsEnabled:           len(tools) > 0,
		ResponseFormatRequired: responseFormatRequired,
	}
}
