package engine

import (
	"sync"
	"time"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// CircuitState represents the state of a crew circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-crew circuit breaking.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before
	// opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing a
	// test request.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the stock configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages one circuit breaker per crew. A crew that
// keeps failing is taken out of rotation until its cooldown elapses;
// the router then falls through to the next candidate.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// Allow checks whether a call to the crew is permitted. Returns nil if
// allowed, or a CIRCUIT_OPEN error (transient, so the phase retries
// after the cooldown).
func (r *BreakerRegistry) Allow(crew string) error {
	b := r.getOrCreate(crew)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(b.lastFailureTime) >= b.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for crew %q after %d consecutive failures", crew, b.consecutiveFailures).
			WithDetails(map[string]any{
				"crew":                 crew,
				"consecutive_failures": b.consecutiveFailures,
				"cooldown_remaining":   (b.config.Cooldown - time.Since(b.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for crew %q: max test requests reached", crew)
		}
		b.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess closes the crew's circuit.
func (r *BreakerRegistry) RecordSuccess(crew string) {
	b := r.getOrCreate(crew)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

// RecordFailure records a failed call and returns the new state.
func (r *BreakerRegistry) RecordFailure(crew string) CircuitState {
	b := r.getOrCreate(crew)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	if b.state == CircuitHalfOpen {
		// Any failure while half-open reopens the circuit.
		b.state = CircuitOpen
		return CircuitOpen
	}

	if b.consecutiveFailures >= b.config.FailureThreshold {
		b.state = CircuitOpen
		return CircuitOpen
	}

	return b.state
}

// State returns the crew's current circuit state, applying the
// open-to-half-open transition when the cooldown has elapsed.
func (r *BreakerRegistry) State(crew string) CircuitState {
	b := r.getOrCreate(crew)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && time.Since(b.lastFailureTime) >= b.config.Cooldown {
		b.state = CircuitHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

func (r *BreakerRegistry) getOrCreate(crew string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[crew]
	if !ok {
		b = &breaker{state: CircuitClosed, config: r.config}
		r.breakers[crew] = b
	}
	return b
}
