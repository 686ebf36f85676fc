package forwarder

import (
	"sync"
)

// UpstreamHealth keeps one circuit breaker per upstream address. Breakers are
// created on first use, so forwarders added by a config reload are tracked
// without registration.
type UpstreamHealth struct {
	breakers map[string]*CircuitBreaker
	settings BreakerSettings
	mu       sync.Mutex
}

// NewUpstreamHealth creates an empty tracker
func NewUpstreamHealth(settings BreakerSettings) *UpstreamHealth {
	return &UpstreamHealth{
		breakers: make(map[string]*CircuitBreaker),
		settings: settings,
	}
}

func (uh *UpstreamHealth) breaker(upstream string) *CircuitBreaker {
	uh.mu.Lock()
	defer uh.mu.Unlock()

	cb, ok := uh.breakers[upstream]
	if !ok {
		cb = NewCircuitBreaker(uh.settings)
		uh.breakers[upstream] = cb
	}
	return cb
}

// Allow reports whether upstream may be queried
func (uh *UpstreamHealth) Allow(upstream string) bool {
	return uh.breaker(upstream).Allow()
}

// Record feeds a query outcome for upstream
func (uh *UpstreamHealth) Record(upstream string, err error) {
	uh.breaker(upstream).Record(err)
}

// States returns the state of every tracked upstream
func (uh *UpstreamHealth) States() map[string]CircuitState {
	uh.mu.Lock()
	defer uh.mu.Unlock()

	out := make(map[string]CircuitState, len(uh.breakers))
	for upstream, cb := range uh.breakers {
		out[upstream] = cb.State()
	}
	return out
}
