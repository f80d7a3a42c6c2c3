package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ferro-labs/completion-core/internal/adapters"
	"github.com/ferro-labs/completion-core/internal/circuitbreaker"
	"github.com/ferro-labs/completion-core/internal/fallback"
	"github.com/ferro-labs/completion-core/internal/observability"
	"github.com/ferro-labs/completion-core/internal/reranker"
	"github.com/ferro-labs/completion-core/internal/router"
)

type fakeRouter struct {
	decision router.RoutingDecision
}

func (r *fakeRouter) Route(ctx router.RoutingContext, userModelOverride string) router.RoutingDecision {
	return r.decision
}
func (r *fakeRouter) Estimator() router.TokenEstimator { return router.CharDiv4Estimator{} }

type fakeReranker struct {
	result reranker.Result
}

func (r *fakeReranker) Rerank(query string, chunks []reranker.Chunk, topK int) reranker.Result {
	return r.result
}

type fakeExecutor struct {
	resp     *adapters.Response
	attempts []fallback.Attempt
	err      error

	streamCh  chan adapters.StreamChunk
	streamErr error
}

func (e *fakeExecutor) Execute(ctx context.Context, req adapters.Request, candidates []string, perAttemptDeadline time.Duration) (*adapters.Response, []fallback.Attempt, error) {
	return e.resp, e.attempts, e.err
}

func (e *fakeExecutor) ExecuteStream(ctx context.Context, req adapters.Request, candidates []string, perAttemptDeadline time.Duration) (<-chan adapters.StreamChunk, []fallback.Attempt, error) {
	if e.streamErr != nil {
		return nil, e.attempts, e.streamErr
	}
	return e.streamCh, e.attempts, nil
}

type fakeStore struct {
	requestLogs []observability.RequestLog
	ragLogs     []observability.RAGLog
	failInsert  bool
}

func (s *fakeStore) InsertRequestLog(l observability.RequestLog) error {
	if s.failInsert {
		return errors.New("insert failed")
	}
	s.requestLogs = append(s.requestLogs, l)
	return nil
}
func (s *fakeStore) InsertRAGLog(l observability.RAGLog) error {
	s.ragLogs = append(s.ragLogs, l)
	return nil
}
func (s *fakeStore) UpsertBreakerSnapshot(provider, state string, failureCount int, openedAt *time.Time) error {
	return nil
}

func baseRequest() Request {
	return Request{Messages: []adapters.Message{{Role: adapters.RoleUser, Content: "hello there"}}}
}

func TestCompleteSuccessNoFallbackLogsRequest(t *testing.T) {
	rt := &fakeRouter{decision: router.RoutingDecision{PrimaryModelID: "gpt-4", RouteName: "default", TimeoutMS: 5000}}
	ex := &fakeExecutor{resp: &adapters.Response{Provider: "openai", Model: "gpt-4", Content: "hi"}}
	store := &fakeStore{}
	o := New(rt, &fakeReranker{}, ex, store, nil, "")

	outcome, err := o.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.FallbackUsed {
		t.Fatal("expected fallback_used=false when no attempts recorded")
	}
	if len(store.requestLogs) != 1 {
		t.Fatalf("expected 1 request log, got %d", len(store.requestLogs))
	}
	if store.requestLogs[0].FallbackUsed {
		t.Fatal("logged fallback_used should be false")
	}
}

func TestCompleteFallbackUsedReflectsLastSuccessfulAttempt(t *testing.T) {
	rt := &fakeRouter{decision: router.RoutingDecision{PrimaryModelID: "gpt-4", FallbackModelIDs: []string{"deepseek-chat"}, RouteName: "default", TimeoutMS: 5000}}
	attempts := []fallback.Attempt{
		{Ordinal: 1, ModelID: "gpt-4", Provider: "openai", ErrorShort: "server error"},
		{Ordinal: 2, ModelID: "deepseek-chat", Provider: "deepseek"},
	}
	ex := &fakeExecutor{resp: &adapters.Response{Provider: "deepseek", Model: "deepseek-chat"}, attempts: attempts}
	store := &fakeStore{}
	o := New(rt, &fakeReranker{}, ex, store, nil, "")

	outcome, err := o.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.FallbackUsed {
		t.Fatal("expected fallback_used=true")
	}
	if store.requestLogs[0].Provider != "deepseek" || store.requestLogs[0].ModelID != "deepseek-chat" {
		t.Fatalf("expected final model/provider from last attempt, got %+v", store.requestLogs[0])
	}
}

func TestCompleteAllFallbacksFailedLogsFailureAndReturnsError(t *testing.T) {
	rt := &fakeRouter{decision: router.RoutingDecision{PrimaryModelID: "gpt-4", RouteName: "default", TimeoutMS: 5000}}
	attempts := []fallback.Attempt{{Ordinal: 1, ModelID: "gpt-4", Provider: "openai", ErrorTag: tagPtr(adapters.TagServerError)}}
	ex := &fakeExecutor{err: &fallback.AllFailedError{Attempts: attempts}, attempts: attempts}
	store := &fakeStore{}
	o := New(rt, &fakeReranker{}, ex, store, nil, "")

	_, err := o.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(store.requestLogs) != 1 {
		t.Fatalf("expected failure to still be logged, got %d logs", len(store.requestLogs))
	}
	if store.requestLogs[0].ErrorType != string(adapters.TagServerError) {
		t.Fatalf("expected error_type from last attempt's tag, got %q", store.requestLogs[0].ErrorType)
	}
}

func TestCompleteLoggingFailureDoesNotShadowSuccessfulResult(t *testing.T) {
	rt := &fakeRouter{decision: router.RoutingDecision{PrimaryModelID: "gpt-4", RouteName: "default", TimeoutMS: 5000}}
	ex := &fakeExecutor{resp: &adapters.Response{Provider: "openai", Model: "gpt-4"}}
	store := &fakeStore{failInsert: true}
	o := New(rt, &fakeReranker{}, ex, store, nil, "")

	outcome, err := o.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("logging failure must not surface as a completion error: %v", err)
	}
	if outcome == nil {
		t.Fatal("expected a successful outcome despite the logging failure")
	}
}

func TestCompleteRAGInjectsContextAndAttachesSources(t *testing.T) {
	rt := &fakeRouter{decision: router.RoutingDecision{PrimaryModelID: "gpt-4", RouteName: "rag", TimeoutMS: 5000}}
	ranked := []reranker.RankedChunk{{Chunk: reranker.Chunk{DocID: "d1", DocTitle: "Refund Policy"}, FinalScore: 0.9, Preview: "refunds within 30 days"}}
	rr := &fakeReranker{result: reranker.Result{RankedChunks: ranked, RerankerType: "lexical_bm25", RerankLatencyMS: 2.5}}
	ex := &fakeExecutor{resp: &adapters.Response{Provider: "openai", Model: "gpt-4"}}
	store := &fakeStore{}
	o := New(rt, rr, ex, store, nil, reranker.InjectSystem)

	req := baseRequest()
	req.RAGEnabled = true
	req.RAGChunks = []reranker.Chunk{{DocID: "d1", Content: "refunds within 30 days of purchase"}}

	outcome, err := o.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.RAGSources) != 1 {
		t.Fatalf("expected 1 rag source, got %d", len(outcome.RAGSources))
	}
	if outcome.Response.RawResponse["rag_sources"] == nil {
		t.Fatal("expected rag_sources attached to raw_response")
	}
	if len(store.ragLogs) != 1 {
		t.Fatalf("expected 1 rag log written, got %d", len(store.ragLogs))
	}
	if !store.requestLogs[0].RAGUsed {
		t.Fatal("expected rag_used=true on the request log")
	}
}

func TestCompleteRAGEnabledButEmptyChunksSkipsInjection(t *testing.T) {
	rt := &fakeRouter{decision: router.RoutingDecision{PrimaryModelID: "gpt-4", RouteName: "default", TimeoutMS: 5000}}
	ex := &fakeExecutor{resp: &adapters.Response{Provider: "openai", Model: "gpt-4"}}
	store := &fakeStore{}
	o := New(rt, &fakeReranker{}, ex, store, nil, "")

	req := baseRequest()
	req.RAGEnabled = true // no RAGChunks attached

	outcome, err := o.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.RAGSources) != 0 {
		t.Fatal("expected no rag sources when no chunks were supplied")
	}
	if len(store.ragLogs) != 0 {
		t.Fatal("expected no rag log when rag was never actually used")
	}
}

func TestCompleteStreamForwardsChunksAndLogsAfterDrain(t *testing.T) {
	rt := &fakeRouter{decision: router.RoutingDecision{PrimaryModelID: "gpt-4", RouteName: "default", TimeoutMS: 5000}}
	ch := make(chan adapters.StreamChunk, 2)
	ch <- adapters.StreamChunk{Content: "hel"}
	ch <- adapters.StreamChunk{Content: "lo", Done: true}
	close(ch)
	ex := &fakeExecutor{streamCh: ch}
	store := &fakeStore{}
	o := New(rt, &fakeReranker{}, ex, store, nil, "")

	out, requestID, err := o.CompleteStream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requestID == "" {
		t.Fatal("expected a non-empty request id")
	}
	var got []string
	for chunk := range out {
		got = append(got, chunk.Content)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 forwarded chunks, got %d", len(got))
	}

	deadline := time.Now().Add(time.Second)
	for len(store.requestLogs) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(store.requestLogs) != 1 {
		t.Fatalf("expected the stream's trace to be logged after drain, got %d logs", len(store.requestLogs))
	}
}

func tagPtr(t adapters.Tag) *adapters.Tag { return &t }

type snapshotStore struct {
	fakeStore
	snapshots []string
}

func (s *snapshotStore) UpsertBreakerSnapshot(provider, state string, failureCount int, openedAt *time.Time) error {
	s.snapshots = append(s.snapshots, provider+":"+state)
	return nil
}

func TestCompletePersistsBreakerSnapshotsForEveryCandidate(t *testing.T) {
	rt := &fakeRouter{decision: router.RoutingDecision{PrimaryModelID: "gpt-4", RouteName: "default", TimeoutMS: 5000}}
	ex := &fakeExecutor{resp: &adapters.Response{Provider: "openai", Model: "gpt-4"}}
	store := &snapshotStore{}
	breakers := circuitbreaker.NewManager(5, time.Minute)
	breakers.Get("openai") // touch so it appears in the snapshot
	o := New(rt, &fakeReranker{}, ex, store, breakers, "")

	if _, err := o.Complete(context.Background(), baseRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.snapshots) == 0 {
		t.Fatal("expected at least one breaker snapshot to be persisted")
	}
}
