package resilience

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(threshold int) *Runner {
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: threshold, Cooldown: time.Minute})
	runner := NewRunner(breaker, map[string]RetryPolicy{
		"fetch": {MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Shape: BackoffFixed},
		"push":  {MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Shape: BackoffFixed},
	})
	return runner
}

func TestRunner_SuccessPassesThrough(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(5)
	calls := 0
	err := runner.Run(context.Background(), "fetch", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitClosed, runner.Breaker().State())
}

func TestRunner_ExhaustionSurfacesNetworkUnavailable(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(50)
	calls := 0
	err := runner.Run(context.Background(), "fetch", func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	})

	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, 3, calls)
}

func TestRunner_PermanentErrorIsNotNetworkUnavailable(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(5)
	permanent := errors.New("resource not found")
	err := runner.Run(context.Background(), "push", func(context.Context) error {
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrNetworkUnavailable)
}

func TestRunner_BreakerShortCircuits(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(3)

	// One exhausted run records three transient failures and opens the
	// breaker.
	_ = runner.Run(context.Background(), "fetch", func(context.Context) error {
		return syscall.ECONNRESET
	})
	assert.Equal(t, CircuitOpen, runner.Breaker().State())

	calls := 0
	err := runner.Run(context.Background(), "fetch", func(context.Context) error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Zero(t, calls, "operation must not be invoked while the circuit is open")
}

func TestRunner_PermanentFailuresDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(2)
	permanent := errors.New("not lock holder")

	for i := 0; i < 5; i++ {
		_ = runner.Run(context.Background(), "push", func(context.Context) error {
			return permanent
		})
	}

	assert.Equal(t, CircuitClosed, runner.Breaker().State())
}

func TestRunner_UnknownClassGetsDefaultPolicy(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(10)
	err := runner.Run(context.Background(), "branch-init", func(context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestRunner_ConcurrentUnknownClasses(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(100)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runner.Run(context.Background(), "branch-init", func(context.Context) error {
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestRunner_TotalWorstCaseLatency(t *testing.T) {
	t.Parallel()

	runner := NewRunner(nil, map[string]RetryPolicy{
		"push": {MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Shape: BackoffExponential},
	})

	// Delays after attempts 0 and 1: 1s + 2s.
	assert.Equal(t, 3*time.Second, runner.TotalWorstCaseLatency("push"))
	assert.Zero(t, runner.TotalWorstCaseLatency("unknown"))
}

// countingRecorder verifies metrics wiring.
type countingRecorder struct {
	attempts    int
	transitions int
}

func (r *countingRecorder) RetryAttempt(string)                        { r.attempts++ }
func (r *countingRecorder) BreakerTransition(CircuitState, CircuitState) { r.transitions++ }

func TestRunner_MetricsRecorder(t *testing.T) {
	t.Parallel()

	recorder := &countingRecorder{}
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 100, Cooldown: time.Minute})
	runner := NewRunner(breaker, map[string]RetryPolicy{
		"fetch": {MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Shape: BackoffFixed},
	}, WithMetricsRecorder(recorder))

	_ = runner.Run(context.Background(), "fetch", func(context.Context) error {
		return syscall.ECONNREFUSED
	})

	assert.Equal(t, 2, recorder.attempts)
}
