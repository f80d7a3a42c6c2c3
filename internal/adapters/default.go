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

// DefaultAdapter is the permissive fallback used for any provider with no
// registered builder. It assumes an OpenAI-compatible chat-completions
// endpoint, matching the original factory's "unknown provider -> OpenAI
// adapter" rule.
type DefaultAdapter struct {
	provider   string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewDefaultAdapter creates a permissive adapter for provider, assuming an
// OpenAI-compatible /v1/chat/completions endpoint at baseURL.
func NewDefaultAdapter(provider, baseURL, apiKey string) *DefaultAdapter {
	return &DefaultAdapter{
		provider:   provider,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *DefaultAdapter) Provider() string { return a.provider }

func (a *DefaultAdapter) PrepareRequest(req Request) (map[string]interface{}, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *DefaultAdapter) ParseResponse(raw map[string]interface{}) (*Response, error) {
	resp := &Response{RawResponse: raw, Provider: a.provider}
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

func (a *DefaultAdapter) ParseStreamChunk(raw map[string]interface{}) (StreamChunk, bool) {
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

func (a *DefaultAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	raw, err := a.doRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return a.ParseResponse(raw)
}

func (a *DefaultAdapter) doRequest(ctx context.Context, req Request, stream bool) (map[string]interface{}, error) {
	req.Stream = stream
	payload, err := a.PrepareRequest(req)
	if err != nil {
		return nil, &Error{Tag: TagInvalidRequest, Message: err.Error()}
	}
	body, err := json.Marshal(payload)
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
		return nil, &Error{Tag: TagForStatus(httpResp.StatusCode), StatusCode: httpResp.StatusCode, Message: string(respBody)}
	}

	var out map[string]interface{}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &Error{Tag: TagUnknown, Message: err.Error()}
	}
	return out, nil
}

func (a *DefaultAdapter) StreamComplete(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	req.Stream = true
	payload, err := a.PrepareRequest(req)
	if err != nil {
		return nil, &Error{Tag: TagInvalidRequest, Message: err.Error()}
	}
	body, err := json.Marshal(payload)
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
		return nil, &Error{Tag: TagForStatus(httpResp.StatusCode), StatusCode: httpResp.StatusCode, Message: string(respBody)}
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

func (a *DefaultAdapter) Close() error {
	a.httpClient.CloseIdleConnections()
	return nil
}
