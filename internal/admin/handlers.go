// Package admin provides the gateway's HTTP surface: the unified completion
// endpoint, the observability read API (request logs, RAG logs, aggregate
// metrics), circuit-breaker inspection/reset, a liveness check, and the
// admin API-key management routes gating all of the above. Every route except
// GET /health is protected by bearer-token authentication via AuthMiddleware;
// read routes and POST /completion accept ScopeReadOnly or ScopeAdmin, the
// breaker-reset and key-mutating routes require ScopeAdmin.
package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/completion-core/internal/adapters"
	"github.com/ferro-labs/completion-core/internal/circuitbreaker"
	"github.com/ferro-labs/completion-core/internal/logging"
	"github.com/ferro-labs/completion-core/internal/observability"
	"github.com/ferro-labs/completion-core/internal/orchestrator"
	"github.com/ferro-labs/completion-core/internal/registry"
	"github.com/ferro-labs/completion-core/internal/reranker"
)

// Completer is the subset of *orchestrator.Orchestrator the completion route
// depends on.
type Completer interface {
	Complete(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error)
	CompleteStream(ctx context.Context, req orchestrator.Request) (<-chan adapters.StreamChunk, string, error)
}

// ObservabilityReader is the subset of *observability.Store the logs/metrics
// routes depend on.
type ObservabilityReader interface {
	GetLogs(filter observability.LogFilter) ([]observability.RequestLog, error)
	GetByID(id string) (*observability.RequestLog, bool, error)
	GetMetrics(filter observability.LogFilter) (observability.Metrics, error)
	GetRAGLogByRequestID(requestID string) (*observability.RAGLog, bool, error)
}

// BreakerInspector is the subset of *circuitbreaker.Manager the
// circuit-breaker routes depend on.
type BreakerInspector interface {
	Snapshot() []circuitbreaker.Snapshot
	Reset(provider string)
}

// ModelLister is the subset of *registry.Registry the health route depends
// on.
type ModelLister interface {
	AllModels() []registry.ModelSpec
	ProviderNames() []string
}

// Handlers wires the gateway's domain packages to HTTP routes.
type Handlers struct {
	Keys     Store
	Gateway  Completer
	Obs      ObservabilityReader
	Breakers BreakerInspector
	Models   ModelLister
}

// Routes mounts every admin/gateway route on a fresh chi.Router.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.Keys))
		r.Use(RequireScope(ScopeReadOnly, ScopeAdmin))

		r.Post("/completion", h.completion)

		r.Get("/logs", h.listLogs)
		r.Get("/logs/{id}", h.getLog)
		r.Get("/metrics", h.metrics)
		r.Get("/rag/logs/{requestID}", h.getRAGLog)

		r.Get("/circuit-breakers", h.listBreakers)

		r.Get("/keys", h.listKeys)
		r.Get("/keys/{id}", h.getKey)
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.Keys))
		r.Use(RequireScope(ScopeAdmin))

		r.Post("/circuit-breakers/{provider}/reset", h.resetBreaker)

		r.Post("/keys", h.createKey)
		r.Put("/keys/{id}", h.updateKey)
		r.Delete("/keys/{id}", h.deleteKey)
		r.Post("/keys/{id}/revoke", h.revokeKey)
		r.Post("/keys/{id}/rotate", h.rotateKey)
	})

	return r
}

// --- completion ---

// ragChunkWire is the wire shape of one caller-supplied RAG retrieval
// candidate, mirroring reranker.Chunk.
type ragChunkWire struct {
	DocID       string  `json:"doc_id"`
	DocTitle    string  `json:"doc_title,omitempty"`
	DocPath     string  `json:"doc_path,omitempty"`
	ChunkID     string  `json:"chunk_id"`
	Content     string  `json:"content"`
	VectorScore float64 `json:"vector_score"`
}

type completionRequestBody struct {
	Model            string                   `json:"model"`
	Messages         []adapters.Message       `json:"messages"`
	Temperature      *float64                 `json:"temperature,omitempty"`
	TopP             *float64                 `json:"top_p,omitempty"`
	MaxTokens        *int                     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64                 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                 `json:"presence_penalty,omitempty"`
	Tools            []adapters.Tool          `json:"tools,omitempty"`
	ToolChoice       interface{}              `json:"tool_choice,omitempty"`
	ResponseFormat   *adapters.ResponseFormat `json:"response_format,omitempty"`
	Stream           bool                     `json:"stream,omitempty"`
	UserID           string                   `json:"user_id,omitempty"`
	ChatID           string                   `json:"chat_id,omitempty"`
	RAGEnabled       bool                     `json:"rag_enabled,omitempty"`
	RAGChunks        []ragChunkWire           `json:"rag_chunks,omitempty"`
	KnowledgeBaseID  string                   `json:"knowledge_base_id,omitempty"`
}

func (b completionRequestBody) toOrchestratorRequest() orchestrator.Request {
	chunks := make([]reranker.Chunk, len(b.RAGChunks))
	for i, c := range b.RAGChunks {
		chunks[i] = reranker.Chunk{
			DocID: c.DocID, DocTitle: c.DocTitle, DocPath: c.DocPath,
			ChunkID: c.ChunkID, Content: c.Content, VectorScore: c.VectorScore,
		}
	}
	return orchestrator.Request{
		Messages: b.Messages, Model: b.Model,
		Temperature: b.Temperature, TopP: b.TopP, MaxTokens: b.MaxTokens,
		FrequencyPenalty: b.FrequencyPenalty, PresencePenalty: b.PresencePenalty,
		Tools: b.Tools, ToolChoice: b.ToolChoice, ResponseFormat: b.ResponseFormat,
		Stream: b.Stream, UserID: b.UserID, ChatID: b.ChatID,
		RAGEnabled: b.RAGEnabled, RAGChunks: chunks, KnowledgeBaseID: b.KnowledgeBaseID,
	}
}

func (h *Handlers) completion(w http.ResponseWriter, r *http.Request) {
	var body completionRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	req := body.toOrchestratorRequest()
	if body.Stream {
		h.completionStream(w, r, req)
		return
	}

	outcome, err := h.Gateway.Complete(r.Context(), req)
	if err != nil {
		writeCompletionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            outcome.Response.ID,
		"request_id":    outcome.RequestID,
		"model":         outcome.Response.Model,
		"provider":      outcome.Response.Provider,
		"content":       outcome.Response.Content,
		"tool_calls":    outcome.Response.ToolCalls,
		"finish_reason": outcome.Response.FinishReason,
		"usage":         outcome.Response.Usage,
		"fallback_used": outcome.FallbackUsed,
		"rag_sources":   outcome.RAGSources,
	})
}

func (h *Handlers) completionStream(w http.ResponseWriter, r *http.Request, req orchestrator.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, requestID, err := h.Gateway.CompleteStream(r.Context(), req)
	if err != nil {
		writeCompletionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	for chunk := range ch {
		if chunk.Err != nil {
			payload, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			_, _ = bw.WriteString("data: " + string(payload) + "\n\n")
			_ = bw.Flush()
			flusher.Flush()
			return
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"content": chunk.Content, "finish_reason": chunk.FinishReason, "done": chunk.Done,
		})
		_, _ = bw.WriteString("data: " + string(payload) + "\n\n")
		_ = bw.Flush()
		flusher.Flush()
	}
	_, _ = bw.WriteString("data: " + adapters.SSEDone + "\n\n")
	_ = bw.Flush()
	flusher.Flush()
}

// taggedError is implemented by *fallback.AllFailedError; a bare
// *adapters.Error carries its tag as a field and is matched separately in
// writeCompletionError, so the status mapping stays in one place.
type taggedError interface {
	Tag() adapters.Tag
}

func writeCompletionError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if tagged, ok := err.(taggedError); ok {
		status = statusForTag(tagged.Tag())
	} else if aerr, ok := err.(*adapters.Error); ok {
		status = statusForTag(aerr.Tag)
	}
	logging.Logger.Error("completion failed", "error", err)
	writeError(w, status, err.Error())
}

func statusForTag(tag adapters.Tag) int {
	switch tag {
	case adapters.TagInvalidRequest:
		return http.StatusBadRequest
	case adapters.TagAuthentication:
		return http.StatusUnauthorized
	case adapters.TagPermission:
		return http.StatusForbidden
	case adapters.TagNotFound:
		return http.StatusNotFound
	case adapters.TagRateLimit:
		return http.StatusTooManyRequests
	case adapters.TagTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// --- observability ---

func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := observability.LogFilter{
		UserID:      q.Get("user_id"),
		Provider:    q.Get("provider"),
		ModelID:     q.Get("model_id"),
		RouteName:   q.Get("route_name"),
		ErrorsOnly:  q.Get("errors_only") == "true",
		RAGUsedOnly: q.Get("rag_used_only") == "true",
		Limit:       atoiDefault(q.Get("limit"), 100),
		Offset:      atoiDefault(q.Get("offset"), 0),
	}
	if since := q.Get("start_time"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.StartTime = &t
		}
	}
	if until := q.Get("end_time"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.EndTime = &t
		}
	}

	logs, err := h.Obs.GetLogs(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list logs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": logs, "count": len(logs)})
}

func (h *Handlers) getLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log, found, err := h.Obs.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get log: "+err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "log not found")
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (h *Handlers) metrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := observability.LogFilter{Provider: q.Get("provider")}
	if since := q.Get("start_time"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.StartTime = &t
		}
	}
	if until := q.Get("end_time"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.EndTime = &t
		}
	}

	m, err := h.Obs.GetMetrics(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get metrics: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) getRAGLog(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	log, found, err := h.Obs.GetRAGLogByRequestID(requestID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get rag log: "+err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "rag log not found for that request")
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// --- circuit breakers ---

func (h *Handlers) listBreakers(w http.ResponseWriter, r *http.Request) {
	snaps := h.Breakers.Snapshot()
	out := make([]map[string]interface{}, len(snaps))
	for i, s := range snaps {
		entry := map[string]interface{}{
			"provider":      s.Provider,
			"state":         s.State.String(),
			"failure_count": s.FailureCount,
		}
		if !s.OpenedAt.IsZero() {
			entry["opened_at"] = s.OpenedAt
		}
		out[i] = entry
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

func (h *Handlers) resetBreaker(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	h.Breakers.Reset(provider)
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "state": "closed"})
}

// --- health ---

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	breakerStates := map[string]string{}
	for _, s := range h.Breakers.Snapshot() {
		breakerStates[s.Provider] = s.State.String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                "ok",
		"loaded_models":         len(h.Models.AllModels()),
		"configured_providers":  len(h.Models.ProviderNames()),
		"circuit_breakers":      breakerStates,
	})
}

// --- API key management ---

func (h *Handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string     `json:"name"`
		Scopes    []string   `json:"scopes"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key, err := h.Keys.Create(body.Name, body.Scopes, body.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create key: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (h *Handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": h.Keys.List()})
}

func (h *Handlers) getKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.Keys.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (h *Handlers) updateKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key, err := h.Keys.Update(chi.URLParam(r, "id"), body.Name, body.Scopes)
	if err != nil {
		writeError(w, http.StatusNotFound, "update key: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (h *Handlers) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.Keys.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "delete key: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.Keys.Revoke(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "revoke key: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) rotateKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.Keys.RotateKey(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "rotate key: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
