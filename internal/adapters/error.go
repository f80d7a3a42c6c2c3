package adapters

import "fmt"

// Tag is a closed error-taxonomy tag attached to every adapter failure.
// Tags drive both circuit-breaker recording policy and the logged
// attempt record; they are deliberately not Go error types so that the
// fallback executor can switch on them without type assertions.
type Tag string

// Tag values. circuit_breaker_open and all_fallbacks_failed are synthesized
// by the fallback executor, not produced by an adapter.
const (
	TagInvalidRequest    Tag = "invalid_request"
	TagAuthentication    Tag = "authentication"
	TagPermission        Tag = "permission"
	TagNotFound          Tag = "not_found"
	TagTimeout           Tag = "timeout"
	TagRateLimit         Tag = "rate_limit"
	TagServerError       Tag = "server_error"
	TagNetwork           Tag = "network"
	TagCircuitBreakerOpen Tag = "circuit_breaker_open"
	TagUnknown           Tag = "unknown"
	TagAllFallbacksFailed Tag = "all_fallbacks_failed"
)

// maxErrorShortLen bounds every error short-text field so a pathological
// upstream error body cannot bloat the log store.
const maxErrorShortLen = 200

// Error is a provider-specific failure classified into the error taxonomy.
type Error struct {
	Tag        Tag
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Tag, e.Message)
}

// ShortMessage truncates Message to at most maxErrorShortLen characters.
func (e *Error) ShortMessage() string {
	return Truncate(e.Message, maxErrorShortLen)
}

// Truncate returns s cut to at most n bytes (upstream error bodies are
// treated as opaque byte strings for this purpose).
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// TagForStatus deterministically maps an HTTP status code to an error tag.
// Shared by every HTTP-transport adapter so status->tag mapping never drifts
// between variants.
func TagForStatus(status int) Tag {
	switch {
	case status == 400:
		return TagInvalidRequest
	case status == 401:
		return TagAuthentication
	case status == 403:
		return TagPermission
	case status == 404:
		return TagNotFound
	case status == 408:
		return TagTimeout
	case status == 429:
		return TagRateLimit
	case status >= 500 && status < 600:
		return TagServerError
	default:
		return TagUnknown
	}
}

// CountsAgainstBreaker reports whether a failure with this tag should be
// recorded against the provider's circuit breaker: server_error, timeout,
// network and unknown do. The classified caller-side tags (invalid_request,
// authentication, permission, not_found, rate_limit) do not, so they cannot
// poison the provider for every other caller. A 4xx status without a tag of
// its own maps to unknown and therefore counts.
func (t Tag) CountsAgainstBreaker() bool {
	switch t {
	case TagServerError, TagTimeout, TagNetwork, TagUnknown:
		return true
	default:
		return false
	}
}
