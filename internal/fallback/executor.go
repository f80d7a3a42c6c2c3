package fallback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ferro-labs/completion-core/internal/adapters"
	"github.com/ferro-labs/completion-core/internal/circuitbreaker"
	"github.com/ferro-labs/completion-core/internal/registry"
)

// ModelSource resolves a model id to its spec, in particular its provider.
type ModelSource interface {
	GetModel(id string) (registry.ModelSpec, bool)
}

// ProviderSource supplies a provider's connection details.
type ProviderSource interface {
	BaseURL(provider string) (string, bool)
	ResolveCredential(provider string) (string, error)
}

// AdapterBuilder constructs the Adapter for a provider. Satisfied by
// *adapters.Factory.
type AdapterBuilder interface {
	Create(provider, baseURL, apiKey string) (adapters.Adapter, error)
}

// Executor runs a routing decision's candidate chain: primary, then each
// fallback in order, honoring each provider's circuit breaker and a
// per-attempt deadline enforced externally (the adapter is never trusted to
// time itself out).
type Executor struct {
	models         ModelSource
	providerConfig ProviderSource
	builder        AdapterBuilder
	breakers       *circuitbreaker.Manager

	mu      sync.Mutex
	adapter map[string]adapters.Adapter // cached per provider
}

// New creates an Executor.
func New(models ModelSource, providerConfig ProviderSource, builder AdapterBuilder, breakers *circuitbreaker.Manager) *Executor {
	return &Executor{
		models:         models,
		providerConfig: providerConfig,
		builder:        builder,
		breakers:       breakers,
		adapter:        make(map[string]adapters.Adapter),
	}
}

func (e *Executor) getAdapter(provider string) (adapters.Adapter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.adapter[provider]; ok {
		return a, nil
	}
	baseURL, _ := e.providerConfig.BaseURL(provider)
	apiKey, err := e.providerConfig.ResolveCredential(provider)
	if err != nil {
		return nil, err
	}
	a, err := e.builder.Create(provider, baseURL, apiKey)
	if err != nil {
		return nil, err
	}
	e.adapter[provider] = a
	return a, nil
}

func tagPtr(t adapters.Tag) *adapters.Tag { return &t }
func intPtr(i int) *int                  { return &i }

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// classify maps an adapter failure to an error tag, status code, and short
// message, shared between Execute and ExecuteStream.
func classify(err error, attemptCtx context.Context) (tag adapters.Tag, status *int, short string) {
	var aerr *adapters.Error
	switch {
	case errors.As(err, &aerr):
		tag = aerr.Tag
		if aerr.StatusCode != 0 {
			status = intPtr(aerr.StatusCode)
		}
		short = aerr.ShortMessage()
	case attemptCtx.Err() == context.DeadlineExceeded:
		tag = adapters.TagTimeout
		short = "attempt deadline exceeded"
	default:
		tag = adapters.TagUnknown
		short = adapters.Truncate(err.Error(), 200)
	}
	return tag, status, short
}

// Execute tries candidates (primary first, then fallbacks) in order,
// returning the first successful response along with the full attempt
// audit trail. If every candidate fails, it returns an *AllFailedError
// carrying the attempts.
func (e *Executor) Execute(ctx context.Context, req adapters.Request, candidates []string, perAttemptDeadline time.Duration) (*adapters.Response, []Attempt, error) {
	var attempts []Attempt

	for _, modelID := range candidates {
		model, ok := e.models.GetModel(modelID)
		if !ok {
			continue // unknown model: skip, not counted as an attempt
		}
		provider := model.Provider
		breaker := e.breakers.Get(provider)

		if !breaker.Allow() {
			attempts = append(attempts, Attempt{
				Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
				StatusCode: intPtr(503), ErrorTag: tagPtr(adapters.TagCircuitBreakerOpen),
				ErrorShort: "circuit breaker open",
			})
			continue
		}

		adapter, err := e.getAdapter(provider)
		if err != nil {
			breaker.RecordFailure()
			attempts = append(attempts, Attempt{
				Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
				ErrorTag: tagPtr(adapters.TagUnknown), ErrorShort: adapters.Truncate(err.Error(), 200),
			})
			continue
		}

		attemptReq := req
		attemptReq.Model = modelID
		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptDeadline)
		start := time.Now()
		resp, err := adapter.Complete(attemptCtx, attemptReq)
		latency := msSince(start)
		cancel()

		if err == nil {
			breaker.RecordSuccess()
			if len(attempts) > 0 {
				attempts = append(attempts, Attempt{
					Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
					StatusCode: intPtr(200), LatencyMS: latency,
				})
			}
			return resp, attempts, nil
		}

		if ctx.Err() == context.Canceled {
			// Caller disconnected: terminal, not a provider fault, does not
			// open the breaker.
			attempts = append(attempts, Attempt{
				Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
				ErrorTag: tagPtr(adapters.TagUnknown), ErrorShort: "caller canceled", LatencyMS: latency,
			})
			return nil, attempts, ctx.Err()
		}

		tag, status, short := classify(err, attemptCtx)
		if tag.CountsAgainstBreaker() {
			breaker.RecordFailure()
		}
		attempts = append(attempts, Attempt{
			Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
			StatusCode: status, ErrorTag: tagPtr(tag), ErrorShort: short, LatencyMS: latency,
		})
	}

	return nil, attempts, &AllFailedError{Attempts: attempts}
}

// ExecuteStream is Execute's streaming counterpart. It probes each candidate
// by reading its first chunk before committing to it: a candidate that fails
// before emitting anything is skipped like a unary failure, but once a
// candidate's first chunk is accepted, the executor never re-streams or
// falls back again — any later error on that stream is forwarded to the
// caller as a terminal chunk.
func (e *Executor) ExecuteStream(ctx context.Context, req adapters.Request, candidates []string, perAttemptDeadline time.Duration) (<-chan adapters.StreamChunk, []Attempt, error) {
	var attempts []Attempt

	for _, modelID := range candidates {
		model, ok := e.models.GetModel(modelID)
		if !ok {
			continue
		}
		provider := model.Provider
		breaker := e.breakers.Get(provider)

		if !breaker.Allow() {
			attempts = append(attempts, Attempt{
				Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
				StatusCode: intPtr(503), ErrorTag: tagPtr(adapters.TagCircuitBreakerOpen),
				ErrorShort: "circuit breaker open",
			})
			continue
		}

		adapter, err := e.getAdapter(provider)
		if err != nil {
			breaker.RecordFailure()
			attempts = append(attempts, Attempt{
				Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
				ErrorTag: tagPtr(adapters.TagUnknown), ErrorShort: adapters.Truncate(err.Error(), 200),
			})
			continue
		}

		attemptReq := req
		attemptReq.Model = modelID
		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptDeadline)
		start := time.Now()

		srcCh, err := adapter.StreamComplete(attemptCtx, attemptReq)
		if err != nil {
			cancel()
			tag, status, short := classify(err, attemptCtx)
			if tag.CountsAgainstBreaker() {
				breaker.RecordFailure()
			}
			attempts = append(attempts, Attempt{
				Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
				StatusCode: status, ErrorTag: tagPtr(tag), ErrorShort: short, LatencyMS: msSince(start),
			})
			continue
		}

		select {
		case first, ok := <-srcCh:
			if !ok || first.Err != nil {
				cancel()
				var tag adapters.Tag
				var status *int
				var short string
				if !ok {
					tag, short = adapters.TagUnknown, "stream closed before any chunk"
				} else {
					tag, status, short = classify(first.Err, attemptCtx)
				}
				if tag.CountsAgainstBreaker() {
					breaker.RecordFailure()
				}
				attempts = append(attempts, Attempt{
					Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
					StatusCode: status, ErrorTag: tagPtr(tag), ErrorShort: short, LatencyMS: msSince(start),
				})
				continue
			}

			// Committed: forward first, then drain the rest.
			if len(attempts) > 0 {
				attempts = append(attempts, Attempt{
					Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
					StatusCode: intPtr(200), LatencyMS: msSince(start),
				})
			}
			out := make(chan adapters.StreamChunk)
			go func() {
				defer cancel()
				defer close(out)
				out <- first
				streamFailed := false
				for chunk := range srcCh {
					out <- chunk
					if chunk.Err != nil {
						streamFailed = true
					}
				}
				if streamFailed {
					breaker.RecordFailure()
				} else {
					breaker.RecordSuccess()
				}
			}()
			return out, attempts, nil

		case <-attemptCtx.Done():
			cancel()
			if ctx.Err() == context.Canceled {
				attempts = append(attempts, Attempt{
					Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
					ErrorTag: tagPtr(adapters.TagUnknown), ErrorShort: "caller canceled", LatencyMS: msSince(start),
				})
				return nil, attempts, ctx.Err()
			}
			breaker.RecordFailure()
			attempts = append(attempts, Attempt{
				Ordinal: len(attempts) + 1, ModelID: modelID, Provider: provider,
				ErrorTag: tagPtr(adapters.TagTimeout), ErrorShort: "attempt deadline exceeded waiting for first chunk",
				LatencyMS: msSince(start),
			})
		}
	}

	return nil, attempts, &AllFailedError{Attempts: attempts}
}
