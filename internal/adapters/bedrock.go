package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// BedrockAdapter talks to AWS Bedrock's InvokeModel/InvokeModelWithResponseStream
// APIs, dispatching per-model request/response shapes by model-id prefix
// (Anthropic Claude, Amazon Titan, Meta Llama). Authenticates via the AWS SDK's
// default credential chain (SigV4), not a bearer token — it sends no
// bearer-token header at all, a concrete example of the registry's credential
// indirection for non-static-key providers.
type BedrockAdapter struct {
	client *bedrockruntime.Client
	region string
}

// NewBedrockAdapter loads the default AWS config for region (defaulting to
// us-east-1) and returns an adapter bound to it.
func NewBedrockAdapter(region string) (*BedrockAdapter, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &BedrockAdapter{client: bedrockruntime.NewFromConfig(cfg), region: region}, nil
}

func (a *BedrockAdapter) Provider() string { return "bedrock" }

// PrepareRequest returns the model-specific wire body Bedrock expects for
// req.Model's prefix.
func (a *BedrockAdapter) PrepareRequest(req Request) (map[string]interface{}, error) {
	var body interface{}
	switch {
	case strings.HasPrefix(req.Model, "anthropic."):
		body = anthropicWireRequest(req)
	case strings.HasPrefix(req.Model, "amazon.titan"):
		body = titanWireRequest(req)
	case strings.HasPrefix(req.Model, "meta.llama"):
		body = llamaWireRequest(req)
	default:
		return nil, &Error{Tag: TagInvalidRequest, Message: "unsupported Bedrock model prefix: " + req.Model}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Tag: TagInvalidRequest, Message: err.Error()}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseResponse is a no-op passthrough: Bedrock's three model families each
// need prefix-aware parsing, which Complete performs directly against the
// typed wire structs rather than the generic map form.
func (a *BedrockAdapter) ParseResponse(raw map[string]interface{}) (*Response, error) {
	resp := &Response{RawResponse: raw, Provider: "bedrock"}
	if content, ok := raw["content"].(string); ok {
		resp.Content = content
	}
	return resp, nil
}

// ParseStreamChunk extracts an Anthropic content_block_delta text chunk.
func (a *BedrockAdapter) ParseStreamChunk(raw map[string]interface{}) (StreamChunk, bool) {
	typ, _ := raw["type"].(string)
	if typ != "content_block_delta" {
		return StreamChunk{}, false
	}
	delta, _ := raw["delta"].(map[string]interface{})
	text, _ := delta["text"].(string)
	if text == "" {
		return StreamChunk{}, false
	}
	return StreamChunk{Content: text}, true
}

type bedrockAnthropicWire struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []Message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	System           string    `json:"system,omitempty"`
}

func anthropicWireRequest(req Request) bedrockAnthropicWire {
	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	var system string
	var messages []Message
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = msg.Content
		} else {
			messages = append(messages, msg)
		}
	}
	return bedrockAnthropicWire{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		System:           system,
	}
}

type bedrockAnthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type bedrockTitanWire struct {
	InputText            string `json:"inputText"`
	TextGenerationConfig struct {
		MaxTokenCount int      `json:"maxTokenCount,omitempty"`
		Temperature   float64  `json:"temperature,omitempty"`
		TopP          *float64 `json:"topP,omitempty"`
	} `json:"textGenerationConfig"`
}

func titanWireRequest(req Request) bedrockTitanWire {
	var sb strings.Builder
	for _, msg := range req.Messages {
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	wire := bedrockTitanWire{InputText: sb.String()}
	if req.MaxTokens != nil {
		wire.TextGenerationConfig.MaxTokenCount = *req.MaxTokens
	}
	if req.Temperature != nil {
		wire.TextGenerationConfig.Temperature = *req.Temperature
	}
	wire.TextGenerationConfig.TopP = req.TopP
	return wire
}

type bedrockTitanResponse struct {
	InputTextTokenCount int `json:"inputTextTokenCount"`
	Results             []struct {
		TokenCount       int    `json:"tokenCount"`
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
	} `json:"results"`
}

type bedrockLlamaWire struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   int      `json:"max_gen_len,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

func llamaWireRequest(req Request) bedrockLlamaWire {
	var sb strings.Builder
	sb.WriteString("<|begin_of_text|>")
	for _, msg := range req.Messages {
		sb.WriteString(fmt.Sprintf("<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>\n", msg.Role, msg.Content))
	}
	sb.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	wire := bedrockLlamaWire{Prompt: sb.String(), Temperature: req.Temperature, TopP: req.TopP}
	if req.MaxTokens != nil {
		wire.MaxGenLen = *req.MaxTokens
	}
	return wire
}

type bedrockLlamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

// Complete invokes the Bedrock model matching req.Model's prefix.
func (a *BedrockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	switch {
	case strings.HasPrefix(req.Model, "anthropic."):
		return a.completeAnthropic(ctx, req)
	case strings.HasPrefix(req.Model, "amazon.titan"):
		return a.completeTitan(ctx, req)
	case strings.HasPrefix(req.Model, "meta.llama"):
		return a.completeLlama(ctx, req)
	default:
		return nil, &Error{Tag: TagInvalidRequest, Message: "unsupported Bedrock model prefix: " + req.Model}
	}
}

func (a *BedrockAdapter) completeAnthropic(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(anthropicWireRequest(req))
	if err != nil {
		return nil, &Error{Tag: TagInvalidRequest, Message: err.Error()}
	}
	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId: aws.String(req.Model), ContentType: aws.String("application/json"), Body: body,
	})
	if err != nil {
		return nil, classifyBedrockError(ctx, err)
	}
	var resp bedrockAnthropicResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, &Error{Tag: TagUnknown, Message: err.Error()}
	}
	var text string
	var toolCalls []ToolCall
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			text += c.Text
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{
				ID:   c.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      c.Name,
					Arguments: string(c.Input),
				},
			})
		}
	}
	return &Response{
		ID: resp.ID, Model: req.Model, Provider: "bedrock", Content: text, ToolCalls: toolCalls, FinishReason: resp.StopReason,
		Usage: Usage{
			PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func (a *BedrockAdapter) completeTitan(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(titanWireRequest(req))
	if err != nil {
		return nil, &Error{Tag: TagInvalidRequest, Message: err.Error()}
	}
	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId: aws.String(req.Model), ContentType: aws.String("application/json"), Body: body,
	})
	if err != nil {
		return nil, classifyBedrockError(ctx, err)
	}
	var resp bedrockTitanResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, &Error{Tag: TagUnknown, Message: err.Error()}
	}
	var content, finish string
	completionTokens := 0
	if len(resp.Results) > 0 {
		content = resp.Results[0].OutputText
		finish = resp.Results[0].CompletionReason
		for _, r := range resp.Results {
			completionTokens += r.TokenCount
		}
	}
	return &Response{
		Model: req.Model, Provider: "bedrock", Content: content, FinishReason: finish,
		Usage: Usage{PromptTokens: resp.InputTextTokenCount, CompletionTokens: completionTokens,
			TotalTokens: resp.InputTextTokenCount + completionTokens},
	}, nil
}

func (a *BedrockAdapter) completeLlama(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(llamaWireRequest(req))
	if err != nil {
		return nil, &Error{Tag: TagInvalidRequest, Message: err.Error()}
	}
	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId: aws.String(req.Model), ContentType: aws.String("application/json"), Body: body,
	})
	if err != nil {
		return nil, classifyBedrockError(ctx, err)
	}
	var resp bedrockLlamaResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, &Error{Tag: TagUnknown, Message: err.Error()}
	}
	return &Response{
		Model: req.Model, Provider: "bedrock", Content: resp.Generation, FinishReason: resp.StopReason,
		Usage: Usage{PromptTokens: resp.PromptTokenCount, CompletionTokens: resp.GenerationTokenCount,
			TotalTokens: resp.PromptTokenCount + resp.GenerationTokenCount},
	}, nil
}

// StreamComplete streams Anthropic Claude models only, matching the
// teacher's scope — Titan/Llama streaming is not implemented upstream.
func (a *BedrockAdapter) StreamComplete(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if !strings.HasPrefix(req.Model, "anthropic.") {
		return nil, &Error{Tag: TagInvalidRequest, Message: "streaming on Bedrock is only supported for anthropic.claude-* models"}
	}
	body, err := json.Marshal(anthropicWireRequest(req))
	if err != nil {
		return nil, &Error{Tag: TagInvalidRequest, Message: err.Error()}
	}
	output, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId: aws.String(req.Model), ContentType: aws.String("application/json"), Body: body,
	})
	if err != nil {
		return nil, classifyBedrockError(ctx, err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer stream.Close()

		for event := range stream.Events() {
			chunkEvt, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var raw map[string]interface{}
			if err := json.Unmarshal(chunkEvt.Value.Bytes, &raw); err != nil {
				continue
			}
			if chunk, ok := a.ParseStreamChunk(raw); ok {
				ch <- chunk
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Err: classifyBedrockError(ctx, err)}
		}
	}()

	return ch, nil
}

func (a *BedrockAdapter) Close() error { return nil }

// classifyBedrockError maps AWS SDK errors to the adapter error taxonomy by
// matching smithy API error codes, falling back to a generic network/server
// classification for transport-level failures with no error code.
func classifyBedrockError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &Error{Tag: TagTimeout, Message: err.Error()}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException":
			return &Error{Tag: TagAuthentication, StatusCode: 401, Message: apiErr.ErrorMessage()}
		case "ValidationException":
			return &Error{Tag: TagInvalidRequest, StatusCode: 400, Message: apiErr.ErrorMessage()}
		case "ResourceNotFoundException":
			return &Error{Tag: TagNotFound, StatusCode: 404, Message: apiErr.ErrorMessage()}
		case "ThrottlingException", "ServiceQuotaExceededException":
			return &Error{Tag: TagRateLimit, StatusCode: 429, Message: apiErr.ErrorMessage()}
		case "ModelTimeoutException":
			return &Error{Tag: TagTimeout, StatusCode: 408, Message: apiErr.ErrorMessage()}
		case "ModelErrorException", "InternalServerException", "ServiceUnavailableException":
			return &Error{Tag: TagServerError, StatusCode: 500, Message: apiErr.ErrorMessage()}
		default:
			return &Error{Tag: TagUnknown, Message: apiErr.ErrorMessage()}
		}
	}
	return &Error{Tag: TagNetwork, Message: err.Error()}
}
