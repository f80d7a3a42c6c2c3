package fallback

import (
	"context"
	"testing"
	"time"

	"github.com/ferro-labs/completion-core/internal/adapters"
	"github.com/ferro-labs/completion-core/internal/circuitbreaker"
	"github.com/ferro-labs/completion-core/internal/registry"
)

type fakeModels struct {
	models map[string]registry.ModelSpec
}

func (f *fakeModels) GetModel(id string) (registry.ModelSpec, bool) {
	m, ok := f.models[id]
	return m, ok
}

type fakeProviders struct{}

func (fakeProviders) BaseURL(provider string) (string, bool)       { return "http://" + provider, true }
func (fakeProviders) ResolveCredential(provider string) (string, error) { return "key", nil }

// scriptedAdapter completes or errors according to a fixed script, one entry
// consumed per call, so a test can simulate "fails then succeeds" behavior.
type scriptedAdapter struct {
	provider string
	results  []scriptedResult
	calls    int
}

type scriptedResult struct {
	resp   *adapters.Response
	err    error
	chunks []adapters.StreamChunk
}

func (a *scriptedAdapter) Provider() string { return a.provider }
func (a *scriptedAdapter) PrepareRequest(req adapters.Request) (map[string]interface{}, error) {
	return nil, nil
}
func (a *scriptedAdapter) ParseResponse(raw map[string]interface{}) (*adapters.Response, error) {
	return nil, nil
}
func (a *scriptedAdapter) ParseStreamChunk(raw map[string]interface{}) (adapters.StreamChunk, bool) {
	return adapters.StreamChunk{}, false
}
func (a *scriptedAdapter) Close() error { return nil }

func (a *scriptedAdapter) Complete(ctx context.Context, req adapters.Request) (*adapters.Response, error) {
	r := a.results[a.calls]
	a.calls++
	return r.resp, r.err
}

func (a *scriptedAdapter) StreamComplete(ctx context.Context, req adapters.Request) (<-chan adapters.StreamChunk, error) {
	r := a.results[a.calls]
	a.calls++
	if r.err != nil {
		return nil, r.err
	}
	ch := make(chan adapters.StreamChunk, len(r.chunks))
	for _, c := range r.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type fakeBuilder struct {
	byProvider map[string]adapters.Adapter
}

func (b *fakeBuilder) Create(provider, baseURL, apiKey string) (adapters.Adapter, error) {
	return b.byProvider[provider], nil
}

func newExecutor(models map[string]registry.ModelSpec, byProvider map[string]adapters.Adapter) *Executor {
	return New(&fakeModels{models: models}, fakeProviders{}, &fakeBuilder{byProvider: byProvider}, circuitbreaker.NewManager(3, time.Minute))
}

func TestExecuteSucceedsOnFirstCandidateNoAttemptsRecorded(t *testing.T) {
	models := map[string]registry.ModelSpec{"m1": {ID: "m1", Provider: "p1"}}
	a := &scriptedAdapter{provider: "p1", results: []scriptedResult{{resp: &adapters.Response{Content: "hi"}}}}
	ex := newExecutor(models, map[string]adapters.Adapter{"p1": a})

	resp, attempts, err := ex.Execute(context.Background(), adapters.Request{}, []string{"m1"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Fatalf("expected response content 'hi', got %q", resp.Content)
	}
	if len(attempts) != 0 {
		t.Fatalf("expected no attempts recorded on first-try success, got %v", attempts)
	}
}

func TestExecuteFallsOverOnServerErrorAndRecordsAttempts(t *testing.T) {
	models := map[string]registry.ModelSpec{
		"m1": {ID: "m1", Provider: "p1"},
		"m2": {ID: "m2", Provider: "p2"},
	}
	a1 := &scriptedAdapter{provider: "p1", results: []scriptedResult{{err: &adapters.Error{Tag: adapters.TagServerError, StatusCode: 500, Message: "boom"}}}}
	a2 := &scriptedAdapter{provider: "p2", results: []scriptedResult{{resp: &adapters.Response{Content: "ok"}}}}
	ex := newExecutor(models, map[string]adapters.Adapter{"p1": a1, "p2": a2})

	resp, attempts, err := ex.Execute(context.Background(), adapters.Request{}, []string{"m1", "m2"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected fallback response, got %q", resp.Content)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts (failure + success), got %d: %v", len(attempts), attempts)
	}
	if *attempts[0].ErrorTag != adapters.TagServerError {
		t.Fatalf("expected first attempt tagged server_error, got %v", *attempts[0].ErrorTag)
	}
	if attempts[1].ErrorTag != nil {
		t.Fatal("expected second (successful) attempt to carry no error tag")
	}

	if ex.breakers.Get("p1").FailureCount() != 1 {
		t.Fatalf("expected p1 breaker failure count 1, got %d", ex.breakers.Get("p1").FailureCount())
	}
}

func TestExecuteFourOhOneDoesNotOpenBreakerButStillFallsOver(t *testing.T) {
	models := map[string]registry.ModelSpec{
		"m1": {ID: "m1", Provider: "p1"},
		"m2": {ID: "m2", Provider: "p2"},
	}
	a1 := &scriptedAdapter{provider: "p1", results: []scriptedResult{{err: &adapters.Error{Tag: adapters.TagAuthentication, StatusCode: 401, Message: "bad key"}}}}
	a2 := &scriptedAdapter{provider: "p2", results: []scriptedResult{{resp: &adapters.Response{Content: "ok"}}}}
	ex := newExecutor(models, map[string]adapters.Adapter{"p1": a1, "p2": a2})

	_, attempts, err := ex.Execute(context.Background(), adapters.Request{}, []string{"m1", "m2"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.breakers.Get("p1").FailureCount() != 0 {
		t.Fatal("expected 401 to not count against the breaker")
	}
	if *attempts[0].ErrorTag != adapters.TagAuthentication {
		t.Fatalf("expected authentication tag, got %v", *attempts[0].ErrorTag)
	}
}

func TestExecuteCircuitBreakerOpenShortCircuitsWithoutCallingAdapter(t *testing.T) {
	models := map[string]registry.ModelSpec{
		"m1": {ID: "m1", Provider: "p1"},
		"m2": {ID: "m2", Provider: "p2"},
	}
	a2 := &scriptedAdapter{provider: "p2", results: []scriptedResult{{resp: &adapters.Response{Content: "ok"}}}}
	ex := newExecutor(models, map[string]adapters.Adapter{"p2": a2})

	breaker := ex.breakers.Get("p1")
	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	if breaker.State() != circuitbreaker.StateOpen {
		t.Fatal("expected p1 breaker open precondition")
	}

	_, attempts, err := ex.Execute(context.Background(), adapters.Request{}, []string{"m1", "m2"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *attempts[0].ErrorTag != adapters.TagCircuitBreakerOpen {
		t.Fatalf("expected circuit_breaker_open tag, got %v", *attempts[0].ErrorTag)
	}
	if *attempts[0].StatusCode != 503 {
		t.Fatalf("expected status 503, got %d", *attempts[0].StatusCode)
	}
	if breaker.FailureCount() != 3 {
		t.Fatal("expected breaker-open short circuit to not itself charge a new failure")
	}
}

func TestExecuteAllCandidatesFailReturnsAllFailedError(t *testing.T) {
	models := map[string]registry.ModelSpec{"m1": {ID: "m1", Provider: "p1"}}
	a1 := &scriptedAdapter{provider: "p1", results: []scriptedResult{{err: &adapters.Error{Tag: adapters.TagServerError, StatusCode: 500}}}}
	ex := newExecutor(models, map[string]adapters.Adapter{"p1": a1})

	_, attempts, err := ex.Execute(context.Background(), adapters.Request{}, []string{"m1"}, time.Second)
	var allFailed *AllFailedError
	if err == nil {
		t.Fatal("expected an error")
	}
	if !isAllFailed(err, &allFailed) {
		t.Fatalf("expected *AllFailedError, got %T", err)
	}
	if len(allFailed.Attempts) != len(attempts) {
		t.Fatal("expected AllFailedError to carry the same attempts")
	}
}

func isAllFailed(err error, target **AllFailedError) bool {
	af, ok := err.(*AllFailedError)
	if ok {
		*target = af
	}
	return ok
}

func TestExecuteUnknownModelIsSkippedNotRecorded(t *testing.T) {
	models := map[string]registry.ModelSpec{"m2": {ID: "m2", Provider: "p2"}}
	a2 := &scriptedAdapter{provider: "p2", results: []scriptedResult{{resp: &adapters.Response{Content: "ok"}}}}
	ex := newExecutor(models, map[string]adapters.Adapter{"p2": a2})

	resp, attempts, err := ex.Execute(context.Background(), adapters.Request{}, []string{"ghost", "m2"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatal("expected success via m2")
	}
	if len(attempts) != 0 {
		t.Fatalf("expected unknown model skip to not be recorded as an attempt, got %v", attempts)
	}
}

func TestExecuteStreamProbesAndSkipsFailingCandidate(t *testing.T) {
	models := map[string]registry.ModelSpec{
		"m1": {ID: "m1", Provider: "p1"},
		"m2": {ID: "m2", Provider: "p2"},
	}
	a1 := &scriptedAdapter{provider: "p1", results: []scriptedResult{{err: &adapters.Error{Tag: adapters.TagAuthentication, StatusCode: 401}}}}
	a2 := &scriptedAdapter{provider: "p2", results: []scriptedResult{{chunks: []adapters.StreamChunk{{Content: "hello"}, {Done: true}}}}}
	ex := newExecutor(models, map[string]adapters.Adapter{"p1": a1, "p2": a2})

	ch, attempts, err := ex.ExecuteStream(context.Background(), adapters.Request{}, []string{"m1", "m2"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []adapters.StreamChunk
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 2 || got[0].Content != "hello" {
		t.Fatalf("expected forwarded chunks from the winning candidate, got %v", got)
	}
	if len(attempts) != 2 || *attempts[0].ErrorTag != adapters.TagAuthentication || attempts[1].ErrorTag != nil {
		t.Fatalf("expected the failed probe attempt followed by the winning candidate's success attempt, got %v", attempts)
	}
}

func TestExecuteStreamFirstCandidateSucceedsRecordsNoAttempts(t *testing.T) {
	models := map[string]registry.ModelSpec{"m1": {ID: "m1", Provider: "p1"}}
	a1 := &scriptedAdapter{provider: "p1", results: []scriptedResult{{chunks: []adapters.StreamChunk{{Content: "hi"}, {Done: true}}}}}
	ex := newExecutor(models, map[string]adapters.Adapter{"p1": a1})

	ch, attempts, err := ex.ExecuteStream(context.Background(), adapters.Request{}, []string{"m1"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count := 0
	for range ch {
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 forwarded chunks, got %d", count)
	}
	if len(attempts) != 0 {
		t.Fatalf("expected no attempts recorded for immediate stream success, got %v", attempts)
	}
}
