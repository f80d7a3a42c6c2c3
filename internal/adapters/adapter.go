// Package adapters normalizes heterogeneous upstream chat-completion APIs
// into a common request/response shape and a closed error taxonomy.
//
// Adapter is the capability set every upstream integration must implement:
// PrepareRequest, ParseResponse, ParseStreamChunk, Complete, StreamComplete,
// Close. Concrete variants (OpenAIAdapter, DeepSeekAdapter, BedrockAdapter,
// DefaultAdapter) each own their own HTTP/SDK client and credential handle;
// callers obtain one per provider and reuse it (the fallback executor caches
// adapters per provider, see internal/fallback).
package adapters

import (
	"encoding/json"
)

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"

	// ContentTypeText is the content-part type for plain text.
	ContentTypeText = "text"

	// SSEDone is the sentinel that marks the end of a server-sent event stream.
	SSEDone = "[DONE]"
)

// ContentPart is one element of a multipart message content array.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function describes the callable function within a Tool.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponseFormat instructs the model how to format its output.
type ResponseFormat struct {
	Type       string          `json:"type"` // "text" | "json_object" | "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// Message is a single conversational turn. Content holds plain-text content;
// ContentParts is non-nil when the incoming payload encoded content as an
// array (flags the request as having attachments for the router).
type Message struct {
	Role         string        `json:"-"`
	Content      string        `json:"-"`
	ContentParts []ContentPart `json:"-"`
	Name         string        `json:"-"`
	ToolCallID   string        `json:"-"`
}

// MarshalJSON writes Content as a string unless ContentParts is set.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content,omitempty"`
		Name       string          `json:"name,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
	}
	w := wire{Role: m.Role, Name: m.Name, ToolCallID: m.ToolCallID}
	var (
		b   []byte
		err error
	)
	if len(m.ContentParts) > 0 {
		b, err = json.Marshal(m.ContentParts)
	} else {
		b, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	w.Content = b
	return json.Marshal(w)
}

// UnmarshalJSON accepts content as a plain string or a content-part array.
func (m *Message) UnmarshalJSON(b []byte) error {
	type wire struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name"`
		ToolCallID string          `json:"tool_call_id"`
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m.Role, m.Name, m.ToolCallID = w.Role, w.Name, w.ToolCallID

	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(w.Content, &s); err == nil {
		m.Content = s
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(w.Content, &parts); err != nil {
		return err
	}
	m.ContentParts = parts
	for _, p := range parts {
		if p.Type == ContentTypeText {
			m.Content += p.Text
		}
	}
	return nil
}

// Clone returns a deep copy sharing no backing arrays with m.
func (m Message) Clone() Message {
	c := m
	if m.ContentParts != nil {
		c.ContentParts = append([]ContentPart(nil), m.ContentParts...)
	}
	return c
}

// Request is the normalized chat-completion request handed to an adapter.
// Fields mirror the OpenAI Chat Completions API; Metadata carries
// gateway-internal values (e.g. correlation id) and is never serialized
// upstream.
type Request struct {
	Model            string                 `json:"model"`
	Messages         []Message              `json:"messages"`
	Temperature      *float64               `json:"temperature,omitempty"`
	TopP             *float64               `json:"top_p,omitempty"`
	MaxTokens        *int                   `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64               `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64               `json:"presence_penalty,omitempty"`
	Tools            []Tool                 `json:"tools,omitempty"`
	ToolChoice       interface{}            `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat        `json:"response_format,omitempty"`
	Stream           bool                   `json:"stream,omitempty"`
	Metadata         map[string]interface{} `json:"-"`
}

// Response is the normalized chat-completion response.
type Response struct {
	ID           string                 `json:"id"`
	Model        string                 `json:"model"`
	Provider     string                 `json:"provider,omitempty"`
	Content      string                 `json:"content"`
	ToolCalls    []ToolCall             `json:"tool_calls,omitempty"`
	FinishReason string                 `json:"finish_reason,omitempty"`
	Usage        Usage                  `json:"usage"`
	RawResponse  map[string]interface{} `json:"raw_response,omitempty"`
}

// ToolCall is a single function call the model requested in place of (or
// alongside) Content, normalizing every provider's tool/function-call shape
// to the OpenAI one.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the callable name plus its JSON-encoded arguments string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// toolCallsFromMessage extracts an OpenAI-shaped message map's "tool_calls"
// array, if present, into the normalized ToolCall form. Shared by the
// OpenAI-compatible adapters (OpenAI, DeepSeek, Default), which all parse
// the same choices[0].message JSON object shape.
func toolCallsFromMessage(msg map[string]interface{}) []ToolCall {
	raw, _ := msg["tool_calls"].([]interface{})
	if len(raw) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var call ToolCall
		if id, ok := entry["id"].(string); ok {
			call.ID = id
		}
		if typ, ok := entry["type"].(string); ok {
			call.Type = typ
		}
		if fn, ok := entry["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok {
				call.Function.Name = name
			}
			if args, ok := fn["arguments"].(string); ok {
				call.Function.Arguments = args
			}
		}
		out = append(out, call)
	}
	return out
}

// Usage carries token consumption statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is a single content delta in a streaming response.
type StreamChunk struct {
	Content      string
	FinishReason string
	Done         bool
	Err          error
}
