package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitState is the current mode of a CircuitBreaker.
type CircuitState string

const (
	// CircuitClosed means normal operation, calls pass through.
	CircuitClosed CircuitState = "closed"

	// CircuitOpen means the remote is known to be failing and calls are
	// rejected without being attempted.
	CircuitOpen CircuitState = "open"

	// CircuitHalfOpen allows exactly one probe call after the cooldown.
	CircuitHalfOpen CircuitState = "half-open"
)

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before a probe is
	// allowed through.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// CircuitBreaker is a process-local fail-fast guard for one remote. It is
// never shared across machines; every client learns independently that a
// remote is unreachable.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg      BreakerConfig
	now      func() time.Time
	onChange func(from, to CircuitState)

	state         CircuitState
	failures      int
	openSince     time.Time
	probeInFlight bool
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces the wall clock, used by tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) {
		b.now = now
	}
}

// WithStateChangeHook registers a callback invoked on every state
// transition, used for metrics.
func WithStateChangeHook(hook func(from, to CircuitState)) BreakerOption {
	return func(b *CircuitBreaker) {
		b.onChange = hook
	}
}

// NewCircuitBreaker creates a closed breaker with the given config.
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	b := &CircuitBreaker{
		cfg:   cfg,
		now:   time.Now,
		state: CircuitClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current circuit state, applying any pending
// open-to-half-open transition.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed. While open it returns
// ErrCircuitOpen annotated with the remaining cooldown; in half-open state
// it admits exactly one probe.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitHalfOpen:
		if b.probeInFlight {
			return fmt.Errorf("%w: probe already in flight", ErrCircuitOpen)
		}
		b.probeInFlight = true
		return nil
	default:
		remaining := b.cfg.Cooldown - b.now().Sub(b.openSince)
		return fmt.Errorf("%w: retry in %s", ErrCircuitOpen, remaining.Round(time.Second))
	}
}

// RecordSuccess notes a successful call. A successful half-open probe
// closes the circuit and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.transition(CircuitClosed)
		b.failures = 0
		b.probeInFlight = false
	case CircuitClosed:
		b.failures = 0
	default:
	}
}

// RecordFailure notes a failed call. Reaching the threshold while closed
// opens the circuit; a failed half-open probe reopens it and restarts the
// cooldown.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(CircuitOpen)
			b.openSince = b.now()
		}
	case CircuitHalfOpen:
		b.transition(CircuitOpen)
		b.openSince = b.now()
		b.probeInFlight = false
	default:
	}
}

// maybeHalfOpen transitions Open to HalfOpen once the cooldown has elapsed.
// Callers must hold b.mu.
func (b *CircuitBreaker) maybeHalfOpen() {
	if b.state == CircuitOpen && b.now().Sub(b.openSince) >= b.cfg.Cooldown {
		b.transition(CircuitHalfOpen)
		b.probeInFlight = false
	}
}

// transition moves the breaker to a new state. Callers must hold b.mu.
func (b *CircuitBreaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	slog.Debug("Circuit breaker state change", "from", from, "to", to)
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
