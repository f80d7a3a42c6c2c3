package adapters

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter is the SDK-based adapter for OpenAI and OpenAI-compatible
// deployments that ship a compatible SDK surface.
type OpenAIAdapter struct {
	provider string
	client   openai.Client
}

// NewOpenAIAdapter creates an adapter bound to apiKey, optionally overriding
// baseURL for OpenAI-compatible deployments.
func NewOpenAIAdapter(baseURL, apiKey string) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{provider: "openai", client: openai.NewClient(opts...)}
}

func (a *OpenAIAdapter) Provider() string { return a.provider }

// PrepareRequest emits only the fields the upstream accepts, never the
// gateway-internal Metadata.
func (a *OpenAIAdapter) PrepareRequest(req Request) (map[string]interface{}, error) {
	payload := map[string]interface{}{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   req.Stream,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		payload["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		payload["presence_penalty"] = *req.PresencePenalty
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.ToolChoice != nil {
		payload["tool_choice"] = req.ToolChoice
	}
	if req.ResponseFormat != nil {
		if req.ResponseFormat.Type == "json_schema" {
			if err := ValidateJSONSchema(req.ResponseFormat.JSONSchema); err != nil {
				return nil, &Error{Tag: TagInvalidRequest, StatusCode: 400, Message: err.Error()}
			}
		}
		payload["response_format"] = req.ResponseFormat
	}
	return payload, nil
}

// ParseResponse normalizes an OpenAI-shaped chat completion JSON object.
func (a *OpenAIAdapter) ParseResponse(raw map[string]interface{}) (*Response, error) {
	resp := &Response{RawResponse: raw}
	if id, ok := raw["id"].(string); ok {
		resp.ID = id
	}
	if model, ok := raw["model"].(string); ok {
		resp.Model = model
	}
	choices, _ := raw["choices"].([]interface{})
	if len(choices) > 0 {
		if choice, ok := choices[0].(map[string]interface{}); ok {
			if fr, ok := choice["finish_reason"].(string); ok {
				resp.FinishReason = fr
			}
			if msg, ok := choice["message"].(map[string]interface{}); ok {
				if c, ok := msg["content"].(string); ok {
					resp.Content = c
				}
				resp.ToolCalls = toolCallsFromMessage(msg)
			}
		}
	}
	if usage, ok := raw["usage"].(map[string]interface{}); ok {
		resp.Usage = usageFromMap(usage)
	}
	return resp, nil
}

// ParseStreamChunk extracts the content delta from an OpenAI-shaped SSE
// frame. Returns ok=false for frames with no usable delta (heartbeat/role-only
// frames), which callers should skip rather than forward.
func (a *OpenAIAdapter) ParseStreamChunk(raw map[string]interface{}) (StreamChunk, bool) {
	choices, _ := raw["choices"].([]interface{})
	if len(choices) == 0 {
		return StreamChunk{}, false
	}
	choice, ok := choices[0].(map[string]interface{})
	if !ok {
		return StreamChunk{}, false
	}
	out := StreamChunk{}
	if fr, ok := choice["finish_reason"].(string); ok {
		out.FinishReason = fr
	}
	delta, _ := choice["delta"].(map[string]interface{})
	if content, ok := delta["content"].(string); ok {
		out.Content = content
	}
	if out.Content == "" && out.FinishReason == "" {
		return out, false
	}
	return out, true
}

// Complete sends a chat completion request to OpenAI via the SDK.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req.Messages),
		Model:    req.Model,
	}
	if err := applyOpenAIParams(&params, req); err != nil {
		return nil, err
	}

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	resp := &Response{
		ID:    completion.ID,
		Model: completion.Model,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	if len(completion.Choices) > 0 {
		msg := completion.Choices[0].Message
		resp.Content = msg.Content
		resp.FinishReason = string(completion.Choices[0].FinishReason)
		for _, tc := range msg.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   tc.ID,
				Type: string(tc.Type),
				Function: FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	}
	return resp, nil
}

// StreamComplete sends a streaming chat completion request to OpenAI.
func (a *OpenAIAdapter) StreamComplete(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req.Messages),
		Model:    req.Model,
	}
	if err := applyOpenAIParams(&params, req); err != nil {
		return nil, err
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			ch <- StreamChunk{
				Content:      chunk.Choices[0].Delta.Content,
				FinishReason: chunk.Choices[0].FinishReason,
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Err: classifyOpenAIError(err)}
		}
	}()
	return ch, nil
}

func (a *OpenAIAdapter) Close() error { return nil }

func buildOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func applyOpenAIParams(params *openai.ChatCompletionNewParams, req Request) error {
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*req.FrequencyPenalty)
	}
	if req.ResponseFormat != nil {
		switch req.ResponseFormat.Type {
		case "json_object":
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
			}
		case "json_schema":
			if len(req.ResponseFormat.JSONSchema) > 0 {
				if err := ValidateJSONSchema(req.ResponseFormat.JSONSchema); err != nil {
					return &Error{Tag: TagInvalidRequest, StatusCode: 400, Message: err.Error()}
				}
				var schema openai.ResponseFormatJSONSchemaJSONSchemaParam
				if err := json.Unmarshal(req.ResponseFormat.JSONSchema, &schema); err == nil {
					params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
						OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: schema},
					}
				}
			}
		}
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var paramSchema openai.FunctionParameters
			if len(t.Function.Parameters) > 0 {
				_ = json.Unmarshal(t.Function.Parameters, &paramSchema)
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Function.Name,
					Description: openai.String(t.Function.Description),
					Parameters:  paramSchema,
				},
			})
		}
		params.Tools = tools
	}
	return nil
}

// classifyOpenAIError maps SDK errors to the adapter error taxonomy. The
// openai-go SDK surfaces HTTP failures as *openai.Error with a StatusCode
// field; anything else is a transport-level failure.
func classifyOpenAIError(err error) error {
	if apiErr, ok := err.(*openai.Error); ok {
		return &Error{
			Tag:        TagForStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return &Error{Tag: TagNetwork, StatusCode: 0, Message: err.Error()}
}

func usageFromMap(m map[string]interface{}) Usage {
	var u Usage
	if v, ok := m["prompt_tokens"].(float64); ok {
		u.PromptTokens = int(v)
	}
	if v, ok := m["completion_tokens"].(float64); ok {
		u.CompletionTokens = int(v)
	}
	if v, ok := m["total_tokens"].(float64); ok {
		u.TotalTokens = int(v)
	}
	return u
}
