package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// DeepSeekAdapter talks to the DeepSeek chat-completions API directly over
// HTTP, demonstrating the raw-HTTP/SSE transport idiom (as opposed to
// OpenAIAdapter's SDK-based one).
type DeepSeekAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewDeepSeekAdapter creates an adapter bound to apiKey. baseURL defaults to
// the public DeepSeek API when empty.
func NewDeepSeekAdapter(baseURL, apiKey string) *DeepSeekAdapter {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com"
	}
	return &DeepSeekAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *DeepSeekAdapter) Provider() string { return "deepseek" }

type deepseekWireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// PrepareRequest emits the OpenAI-compatible subset DeepSeek accepts.
func (a *DeepSeekAdapter) PrepareRequest(req Request) (map[string]interface{}, error) {
	wire := deepseekWireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type deepseekErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type deepseekErrorResponse struct {
	Error deepseekErrorDetail `json:"error"`
}

// ParseResponse normalizes a DeepSeek chat-completion JSON object, which is
// OpenAI-shaped.
func (a *DeepSeekAdapter) ParseResponse(raw map[string]interface{}) (*Response, error) {
	resp := &Response{RawResponse: raw, Provider: "deepseek"}
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

// ParseStreamChunk extracts the content delta from a DeepSeek SSE frame.
func (a *DeepSeekAdapter) ParseStreamChunk(raw map[string]interface{}) (StreamChunk, bool) {
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

// Complete sends a chat completion request over raw HTTP.
func (a *DeepSeekAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	raw, err := a.doRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return a.ParseResponse(raw)
}

func (a *DeepSeekAdapter) doRequest(ctx context.Context, req Request, stream bool) (map[string]interface{}, error) {
	wire := deepseekWireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &Error{Tag: TagInvalidRequest, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Tag: TagInvalidRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Tag: TagNetwork, Message: err.Error()}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, deepseekHTTPError(httpResp.StatusCode, respBody)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &Error{Tag: TagUnknown, Message: err.Error()}
	}
	return out, nil
}

func deepseekHTTPError(status int, body []byte) error {
	var errResp deepseekErrorResponse
	msg := string(body)
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}
	return &Error{Tag: TagForStatus(status), StatusCode: status, Message: msg}
}

// StreamComplete sends a streaming chat completion request and scans the
// resulting SSE body for content deltas, stopping at the "[DONE]" sentinel.
func (a *DeepSeekAdapter) StreamComplete(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	wire := deepseekWireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &Error{Tag: TagInvalidRequest, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Tag: TagInvalidRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer func() { _ = httpResp.Body.Close() }()
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, deepseekHTTPError(httpResp.StatusCode, respBody)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = httpResp.Body.Close() }()

		scanner := bufio.NewScanner(httpResp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == SSEDone {
				return
			}

			var raw map[string]interface{}
			if json.Unmarshal([]byte(data), &raw) != nil {
				continue
			}
			if chunk, ok := a.ParseStreamChunk(raw); ok {
				ch <- chunk
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Err: &Error{Tag: TagNetwork, Message: err.Error()}}
		}
	}()

	return ch, nil
}

func (a *DeepSeekAdapter) Close() error {
	a.httpClient.CloseIdleConnections()
	return nil
}

// classifyTransportError tags a transport failure: an expired context
// deadline (the executor's per-attempt deadline) is timeout, a canceled
// context is unknown, and anything else is a genuine network failure.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &Error{Tag: TagTimeout, Message: err.Error()}
	}
	if ctx.Err() == context.Canceled {
		return &Error{Tag: TagUnknown, Message: err.Error()}
	}
	return &Error{Tag: TagNetwork, Message: err.Error()}
}
