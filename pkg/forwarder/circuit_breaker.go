package forwarder

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when an upstream's circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNoHealthyUpstreams is returned when every upstream's circuit is open
	ErrNoHealthyUpstreams = errors.New("no healthy upstream servers available")
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed passes requests through
	StateClosed CircuitState = iota
	// StateOpen fails fast until the cool-down ends
	StateOpen
	// StateHalfOpen lets probe requests through after the cool-down
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerSettings configures every breaker of an UpstreamHealth
type BreakerSettings struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Cooldown         time.Duration // time spent open before probing
}

// DefaultBreakerSettings returns the settings used by New
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker tracks the health of one upstream
type CircuitBreaker struct {
	settings  BreakerSettings
	now       func() time.Time
	openedAt  time.Time
	state     CircuitState
	failures  int
	successes int
	mu        sync.Mutex
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	return &CircuitBreaker{settings: settings, now: time.Now}
}

// Allow reports whether a request may be sent. An open breaker turns
// half-open once the cool-down has passed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.settings.Cooldown {
			return false
		}
		cb.state = StateHalfOpen
		cb.successes = 0
	}
	return true
}

// Record feeds the outcome of a request into the breaker
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.settings.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.failures = 0
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.state = StateClosed
		}
	}
}

// State returns the current state without advancing it
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
