// Package fallback executes the ordered candidate chain a routing decision
// produces: try the primary model, then each fallback in turn, honoring the
// provider's circuit breaker and a per-attempt deadline, and recording a full
// audit trail of every attempt for observability.
package fallback

import "github.com/ferro-labs/completion-core/internal/adapters"

// Attempt is one entry in a request's fallback-attempt audit trail.
type Attempt struct {
	Ordinal    int // 1-based
	ModelID    string
	Provider   string
	StatusCode *int
	ErrorTag   *adapters.Tag
	ErrorShort string
	LatencyMS  float64
}

// AllFailedError is the terminal envelope returned when no candidate in the
// chain succeeded. It carries the full attempt list for the caller's log.
type AllFailedError struct {
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	return "all fallback candidates failed"
}

// Tag is always TagAllFallbacksFailed; present for callers that want to
// treat this like any other tagged adapter error.
func (e *AllFailedError) Tag() adapters.Tag { return adapters.TagAllFallbacksFailed }
