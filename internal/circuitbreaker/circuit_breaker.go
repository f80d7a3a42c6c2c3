// Package circuitbreaker implements the circuit-breaker pattern for provider
// calls. Each provider has its own CircuitBreaker instance, held by a Manager
// keyed by provider name.
//
// State transitions:
//
//	Closed   → Open      when consecutive failures ≥ FailureThreshold
//	Open     → HalfOpen  after Timeout elapses
//	HalfOpen → Closed    on success
//	HalfOpen → Open      on any failure (openedAt is reset to now)
//
// The breaker itself has no opinion on error taxonomy. The fallback executor
// (internal/fallback) consults adapters.Tag.CountsAgainstBreaker before
// calling RecordFailure: server_error, timeout, network and unknown failures
// count, while the classified caller-side 4xx tags (invalid_request,
// authentication, permission, not_found, rate_limit) do not, so a caller
// error cannot poison a provider for every other caller.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker's current state.
type State int

const (
	// StateClosed — normal operation; requests pass through.
	StateClosed State = iota
	// StateOpen — provider is considered failing; requests are rejected immediately.
	StateOpen
	// StateHalfOpen — circuit is testing recovery with a limited number of requests.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// DefaultFailureThreshold, DefaultCooldown, and DefaultHalfOpenBudget are the
// configurable defaults named in the spec: 5 consecutive failures opens the
// breaker, a 60s cooldown before probing, and exactly one in-flight admission
// while half-open.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
	DefaultHalfOpenBudget   = 1
)

// CircuitBreaker guards a single downstream provider.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	halfOpenInFlight int
	halfOpenBudget   int
}

// New creates a CircuitBreaker with the given failure threshold and cooldown.
// Defaults are applied for zero/negative values: failureThreshold=5, cooldown=60s.
func New(failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		halfOpenBudget:   DefaultHalfOpenBudget,
	}
}

// State returns the current state, transitioning Open→HalfOpen if the
// cooldown has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resolveState()
}

// FailureCount returns the current consecutive-failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// OpenedAt returns the timestamp the breaker last transitioned to Open, or
// the zero Time if the breaker has never opened or is currently Closed.
func (cb *CircuitBreaker) OpenedAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateClosed {
		return time.Time{}
	}
	return cb.openedAt
}

// resolveState must be called with cb.mu held.
func (cb *CircuitBreaker) resolveState() State {
	if cb.state == StateOpen && time.Now().After(cb.openedAt.Add(cb.cooldown)) {
		cb.state = StateHalfOpen
		cb.halfOpenInFlight = 0
	}
	return cb.state
}

// Allow reports whether a request should proceed. Closed always admits.
// Open always rejects (until the cooldown elapses, which promotes to
// HalfOpen on the same call). HalfOpen admits only up to halfOpenBudget
// concurrent probes; further admission attempts are rejected until the probe
// resolves via RecordSuccess/RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.resolveState() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.halfOpenBudget {
			return false
		}
		cb.halfOpenInFlight++
		return true
	default:
		return true
	}
}

// RecordSuccess notifies the breaker that a call succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failureCount = 0
		cb.halfOpenInFlight = 0
		cb.openedAt = time.Time{}
	case StateClosed:
		cb.failureCount = 0
	}
}

// RecordFailure notifies the breaker that a call failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openedAt = time.Now()
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.halfOpenInFlight = 0
	}
}

// Reset forces the breaker back to a known state. force=true (the admin
// reset endpoint's semantics) unconditionally closes the breaker regardless
// of its current state; force=false only clears the failure counter of a
// Closed breaker, matching a synthetic-success recording.
func (cb *CircuitBreaker) Reset(force bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if force {
		cb.state = StateClosed
		cb.failureCount = 0
		cb.halfOpenInFlight = 0
		cb.openedAt = time.Time{}
		return
	}
	if cb.state == StateClosed {
		cb.failureCount = 0
	}
}

// Snapshot is a point-in-time view of a breaker's state, suitable for
// admin-API responses and diagnostic persistence.
type Snapshot struct {
	Provider     string
	State        State
	FailureCount int
	OpenedAt     time.Time
}
