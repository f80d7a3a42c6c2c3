package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ferro-labs/completion-core/internal/adapters"
	"github.com/ferro-labs/completion-core/internal/circuitbreaker"
	"github.com/ferro-labs/completion-core/internal/fallback"
	"github.com/ferro-labs/completion-core/internal/logging"
	"github.com/ferro-labs/completion-core/internal/metrics"
	"github.com/ferro-labs/completion-core/internal/observability"
	"github.com/ferro-labs/completion-core/internal/reranker"
	"github.com/ferro-labs/completion-core/internal/router"
)

const defaultRAGTopK = 5

// Router is the subset of *router.Router the orchestrator drives.
type Router interface {
	Route(ctx router.RoutingContext, userModelOverride string) router.RoutingDecision
	Estimator() router.TokenEstimator
}

// Executor is the subset of *fallback.Executor the orchestrator drives.
type Executor interface {
	Execute(ctx context.Context, req adapters.Request, candidates []string, perAttemptDeadline time.Duration) (*adapters.Response, []fallback.Attempt, error)
	ExecuteStream(ctx context.Context, req adapters.Request, candidates []string, perAttemptDeadline time.Duration) (<-chan adapters.StreamChunk, []fallback.Attempt, error)
}

// Reranker is the subset of *reranker.Reranker the orchestrator drives.
type Reranker interface {
	Rerank(query string, chunks []reranker.Chunk, topK int) reranker.Result
}

// Store is the subset of *observability.Store the orchestrator writes to.
// Every write is best-effort: a logging failure must never shadow the
// caller's completion result, mirroring completion_handler.py's
// _log_request/_log_rag catching and logging rather than raising.
type Store interface {
	InsertRequestLog(l observability.RequestLog) error
	InsertRAGLog(l observability.RAGLog) error
	UpsertBreakerSnapshot(provider, state string, failureCount int, openedAt *time.Time) error
}

// Orchestrator implements the gateway's single unified completion operation:
// analyze -> (optional RAG rerank+inject) -> route -> execute with fallback
// -> log, mirroring completion_handler.py's CompletionHandler.complete.
type Orchestrator struct {
	router   Router
	reranker Reranker
	executor Executor
	store    Store
	breakers *circuitbreaker.Manager

	injectStrategy reranker.InjectStrategy
}

// New creates an Orchestrator. injectStrategy defaults to InjectSystem if
// empty.
func New(rt Router, rr Reranker, ex Executor, store Store, breakers *circuitbreaker.Manager, injectStrategy reranker.InjectStrategy) *Orchestrator {
	if injectStrategy == "" {
		injectStrategy = reranker.InjectSystem
	}
	return &Orchestrator{router: rt, reranker: rr, executor: ex, store: store, breakers: breakers, injectStrategy: injectStrategy}
}

// Outcome is everything the caller and the audit trail need about a
// completed (possibly fallen-back) request.
type Outcome struct {
	Response     *adapters.Response
	RequestID    string
	FallbackUsed bool
	Attempts     []fallback.Attempt
	RAGSources   []map[string]interface{}
}

// prepared is the shared analyze/rerank/route prelude for both Complete and
// CompleteStream.
type prepared struct {
	requestID  string
	messages   []adapters.Message
	decision   router.RoutingDecision
	candidates []string
	deadline   time.Duration

	ragAttempted bool
	ragUsed      bool
	ragQuery     string
	ragResult    reranker.Result
	ragSources   []map[string]interface{}
}

func (o *Orchestrator) prepare(req Request) prepared {
	requestID := uuid.NewString()
	messages := req.Messages
	routingCtx := router.AnalyzeMessageContent(messages, req.Tools, req.ResponseFormat, o.router.Estimator())

	p := prepared{requestID: requestID, messages: messages, ragAttempted: req.RAGEnabled && len(req.RAGChunks) > 0}

	if p.ragAttempted {
		p.ragQuery = routingCtx.LastUserMessage
		p.ragResult = o.reranker.Rerank(p.ragQuery, req.RAGChunks, defaultRAGTopK)
		metrics.RerankLatency.WithLabelValues(p.ragResult.RerankerType).Observe(p.ragResult.RerankLatencyMS)
		if len(p.ragResult.RankedChunks) > 0 {
			p.messages = reranker.InjectChunks(messages, p.ragResult.RankedChunks, o.injectStrategy)
			routingCtx.RAGEnabled = true
			routingCtx.Messages = p.messages
			p.ragSources = reranker.FormatSourcesForUI(p.ragResult.RankedChunks)
			p.ragUsed = true
		}
	}

	p.decision = o.router.Route(routingCtx, req.Model)
	metrics.RouteDecisions.WithLabelValues(p.decision.RouteName).Inc()
	p.candidates = append([]string{p.decision.PrimaryModelID}, p.decision.FallbackModelIDs...)
	p.deadline = time.Duration(p.decision.TimeoutMS) * time.Millisecond
	if p.deadline <= 0 {
		p.deadline = 30 * time.Second
	}
	return p
}

func buildProviderRequest(req Request, messages []adapters.Message, requestID string) adapters.Request {
	return adapters.Request{
		Messages:         messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
		ResponseFormat:   req.ResponseFormat,
		Metadata:         map[string]interface{}{"request_id": requestID},
	}
}

// Complete runs one unary completion request end to end: analyze, optional
// RAG rerank+inject, route, execute with fallback, then log the trace
// without letting a logging failure shadow the result.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	p := o.prepare(req)
	ctx = logging.WithTraceID(ctx, p.requestID)
	log := logging.FromContext(ctx)

	providerReq := buildProviderRequest(req, p.messages, p.requestID)
	resp, attempts, err := o.executor.Execute(ctx, providerReq, p.candidates, p.deadline)
	totalLatency := float64(time.Since(start).Microseconds()) / 1000.0
	fallbackUsed := len(attempts) > 0
	metrics.FallbackDepth.WithLabelValues(p.decision.RouteName).Observe(float64(max(len(attempts), 1)))

	o.persistBreakerSnapshots(p.candidates)

	if err != nil {
		o.logFailure(p, req, attempts, totalLatency, err, log)
		return nil, err
	}

	finalModel, finalProvider := decisionOutcomeModel(p.decision, attempts, resp)
	metrics.TokensInput.WithLabelValues(finalProvider, finalModel).Add(float64(resp.Usage.PromptTokens))
	metrics.TokensOutput.WithLabelValues(finalProvider, finalModel).Add(float64(resp.Usage.CompletionTokens))
	metrics.RequestsTotal.WithLabelValues(finalProvider, finalModel, "success").Inc()
	metrics.RequestDuration.WithLabelValues(finalProvider, finalModel).Observe(totalLatency / 1000.0)

	o.logSuccess(p, req, attempts, totalLatency, resp, finalModel, finalProvider, log)

	if resp.RawResponse == nil {
		resp.RawResponse = map[string]interface{}{}
	}
	if len(p.ragSources) > 0 {
		resp.RawResponse["rag_sources"] = p.ragSources
	}

	return &Outcome{Response: resp, RequestID: p.requestID, FallbackUsed: fallbackUsed, Attempts: attempts, RAGSources: p.ragSources}, nil
}

// CompleteStream is Complete's streaming counterpart. Once the fallback
// executor commits to a candidate, its chunks are forwarded verbatim; the
// trace is logged once the channel drains, again without shadowing any
// stream error via the log path.
func (o *Orchestrator) CompleteStream(ctx context.Context, req Request) (<-chan adapters.StreamChunk, string, error) {
	start := time.Now()
	p := o.prepare(req)
	ctx = logging.WithTraceID(ctx, p.requestID)
	log := logging.FromContext(ctx)

	providerReq := buildProviderRequest(req, p.messages, p.requestID)
	providerReq.Stream = true
	src, attempts, err := o.executor.ExecuteStream(ctx, providerReq, p.candidates, p.deadline)
	metrics.FallbackDepth.WithLabelValues(p.decision.RouteName).Observe(float64(max(len(attempts), 1)))
	o.persistBreakerSnapshots(p.candidates)

	if err != nil {
		totalLatency := float64(time.Since(start).Microseconds()) / 1000.0
		o.logFailure(p, req, attempts, totalLatency, err, log)
		return nil, p.requestID, err
	}

	finalModel, finalProvider := decisionOutcomeModel(p.decision, attempts, nil)
	out := make(chan adapters.StreamChunk)
	go func() {
		defer close(out)
		var usage adapters.Usage
		for chunk := range src {
			out <- chunk
		}
		totalLatency := float64(time.Since(start).Microseconds()) / 1000.0
		metrics.RequestsTotal.WithLabelValues(finalProvider, finalModel, "success").Inc()
		metrics.RequestDuration.WithLabelValues(finalProvider, finalModel).Observe(totalLatency / 1000.0)
		o.logSuccess(p, req, attempts, totalLatency, &adapters.Response{Model: finalModel, Provider: finalProvider, Usage: usage}, finalModel, finalProvider, log)
	}()
	return out, p.requestID, nil
}

// decisionOutcomeModel resolves the model/provider a request actually
// finished on: the last attempt's, if any fallback occurred, else the
// primary. The streaming path has no per-chunk provider field, so an
// uneventful stream (no fallback) logs an empty provider rather than
// guessing at a model-to-provider mapping the orchestrator has no source for.
func decisionOutcomeModel(decision router.RoutingDecision, attempts []fallback.Attempt, resp *adapters.Response) (model, provider string) {
	if len(attempts) > 0 {
		last := attempts[len(attempts)-1]
		return last.ModelID, last.Provider
	}
	if resp != nil && resp.Provider != "" {
		return decision.PrimaryModelID, resp.Provider
	}
	return decision.PrimaryModelID, ""
}

func (o *Orchestrator) persistBreakerSnapshots(candidates []string) {
	if o.breakers == nil {
		return
	}
	for _, snap := range o.breakers.Snapshot() {
		metrics.CircuitBreakerState.WithLabelValues(snap.Provider).Set(float64(snap.State))
		var openedAt *time.Time
		if !snap.OpenedAt.IsZero() {
			t := snap.OpenedAt
			openedAt = &t
		}
		if err := o.store.UpsertBreakerSnapshot(snap.Provider, snap.State.String(), snap.FailureCount, openedAt); err != nil {
			logging.Logger.Warn("failed to persist circuit breaker snapshot", "provider", snap.Provider, "error", err)
		}
	}
}

func attemptsToLog(attempts []fallback.Attempt) []observability.FallbackAttempt {
	out := make([]observability.FallbackAttempt, len(attempts))
	for i, a := range attempts {
		var errType *string
		if a.ErrorTag != nil {
			s := string(*a.ErrorTag)
			errType = &s
		}
		out[i] = observability.FallbackAttempt{
			AttemptN: a.Ordinal, ModelID: a.ModelID, Provider: a.Provider,
			StatusCode: a.StatusCode, ErrorType: errType, ErrorShort: a.ErrorShort, LatencyMS: a.LatencyMS,
		}
	}
	return out
}

func (o *Orchestrator) logSuccess(p prepared, req Request, attempts []fallback.Attempt, totalLatency float64, resp *adapters.Response, finalModel, finalProvider string, log *slog.Logger) {
	var providerLatency float64
	if len(attempts) > 0 {
		providerLatency = attempts[len(attempts)-1].LatencyMS
	}
	tokensIn, tokensOut := resp.Usage.PromptTokens, resp.Usage.CompletionTokens

	l := observability.RequestLog{
		ID: p.requestID, Timestamp: time.Now().UTC(), UserID: req.UserID, ChatID: req.ChatID,
		Provider: finalProvider, ModelID: finalModel,
		RouteName: p.decision.RouteName, RouteReason: p.decision.RouteReason,
		FallbackUsed: len(attempts) > 0, FallbackChain: attemptsToLog(attempts),
		TotalLatencyMS: totalLatency, ProviderLatencyMS: providerLatency,
		TokensIn: &tokensIn, TokensOut: &tokensOut,
		RAGAttempted: p.ragAttempted, RAGUsed: p.ragUsed,
	}
	if p.ragAttempted {
		l.RAGLatencyMS = &p.ragResult.RerankLatencyMS
		topN := len(req.RAGChunks)
		topK := len(p.ragResult.RankedChunks)
		l.RAGTopN, l.RAGTopK = &topN, &topK
		l.RerankerType = p.ragResult.RerankerType
		l.RerankLatencyMS = &p.ragResult.RerankLatencyMS
	}

	if err := o.store.InsertRequestLog(l); err != nil {
		log.Error("failed to log completion request", "request_id", p.requestID, "error", err)
	}

	if p.ragUsed {
		if err := o.store.InsertRAGLog(buildRAGLog(p, req)); err != nil {
			log.Error("failed to log rag detail", "request_id", p.requestID, "error", err)
		}
	}
}

func (o *Orchestrator) logFailure(p prepared, req Request, attempts []fallback.Attempt, totalLatency float64, completionErr error, log *slog.Logger) {
	errType := "unknown"
	if len(attempts) > 0 {
		if tag := attempts[len(attempts)-1].ErrorTag; tag != nil {
			errType = string(*tag)
		}
	}
	metrics.ProviderErrors.WithLabelValues("unknown", errType).Inc()
	metrics.RequestsTotal.WithLabelValues("unknown", "", "error").Inc()

	l := observability.RequestLog{
		ID: p.requestID, Timestamp: time.Now().UTC(), UserID: req.UserID, ChatID: req.ChatID,
		Provider: "unknown", RouteName: p.decision.RouteName, RouteReason: p.decision.RouteReason,
		FallbackUsed: true, FallbackChain: attemptsToLog(attempts),
		TotalLatencyMS: totalLatency, ErrorType: errType, ErrorShort: adapters.Truncate(completionErr.Error(), 200),
		RAGAttempted: p.ragAttempted, RAGUsed: p.ragUsed,
	}
	if err := o.store.InsertRequestLog(l); err != nil {
		log.Error("failed to log failed completion request", "request_id", p.requestID, "error", err)
	}
	log.Warn("completion failed after exhausting fallback chain", "request_id", p.requestID, "attempts", len(attempts), "error", completionErr)
}

func buildRAGLog(p prepared, req Request) observability.RAGLog {
	candidates := make([]observability.RAGCandidate, len(req.RAGChunks))
	for i, c := range req.RAGChunks {
		candidates[i] = observability.RAGCandidate{DocID: c.DocID, DocTitle: c.DocTitle, DocPath: c.DocPath, ChunkID: c.ChunkID, VectorScore: c.VectorScore}
	}
	selected := make([]observability.RAGCandidate, len(p.ragResult.RankedChunks))
	for i, rc := range p.ragResult.RankedChunks {
		score := rc.RerankScore
		selected[i] = observability.RAGCandidate{
			DocID: rc.Chunk.DocID, DocTitle: rc.Chunk.DocTitle, DocPath: rc.Chunk.DocPath, ChunkID: rc.Chunk.ChunkID,
			VectorScore: rc.VectorScore, Preview: rc.Preview, RerankScore: &score,
		}
	}
	return observability.RAGLog{
		ID: uuid.NewString(), RequestID: p.requestID, Timestamp: time.Now().UTC(), Query: p.ragQuery,
		KnowledgeBaseID: req.KnowledgeBaseID, Candidates: candidates, RerankerType: p.ragResult.RerankerType, SelectedChunks: selected,
	}
}
