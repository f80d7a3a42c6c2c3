package circuitbreaker

import (
	"sync"
	"time"
)

// Manager is the provider-name -> breaker map consulted by the fallback
// executor before every attempt and updated after every outcome. It is the
// only process-wide mutable state in the gateway (besides the registry's
// atomically-swapped config snapshot) and must remain reachable from the
// admin API so /circuit-breakers and /circuit-breakers/{provider}/reset can
// inspect and mutate it directly.
type Manager struct {
	mu               sync.Mutex
	breakers         map[string]*CircuitBreaker
	failureThreshold int
	cooldown         time.Duration
}

// NewManager creates a Manager that lazily creates a breaker (with the given
// defaults) for each provider name on first use.
func NewManager(failureThreshold int, cooldown time.Duration) *Manager {
	return &Manager{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

// Get returns the breaker for provider, creating one with the manager's
// configured defaults on first access.
func (m *Manager) Get(provider string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[provider]
	if !ok {
		cb = New(m.failureThreshold, m.cooldown)
		m.breakers[provider] = cb
	}
	return cb
}

// Snapshot returns a point-in-time view of every known provider's breaker,
// for the GET /circuit-breakers admin endpoint.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.Lock()
	providers := make([]string, 0, len(m.breakers))
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for provider, cb := range m.breakers {
		providers = append(providers, provider)
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	out := make([]Snapshot, len(providers))
	for i, provider := range providers {
		cb := breakers[i]
		out[i] = Snapshot{
			Provider:     provider,
			State:        cb.State(),
			FailureCount: cb.FailureCount(),
			OpenedAt:     cb.OpenedAt(),
		}
	}
	return out
}

// Reset forces the named provider's breaker closed, matching the admin
// reset endpoint's decided semantics (see SPEC_FULL.md, Decided Open
// Questions #1). A provider with no prior recorded activity gets a fresh,
// already-closed breaker — resetting it is a no-op, not an error.
func (m *Manager) Reset(provider string) {
	m.Get(provider).Reset(true)
}
