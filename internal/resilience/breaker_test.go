package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced wall clock.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	breaker := NewCircuitBreaker(
		BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown},
		WithBreakerClock(clock.Now),
	)
	return breaker, clock
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	breaker, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, breaker.Allow())
		breaker.RecordFailure()
		assert.Equal(t, CircuitClosed, breaker.State())
	}

	breaker.RecordFailure()
	assert.Equal(t, CircuitOpen, breaker.State())
	assert.ErrorIs(t, breaker.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	breaker, _ := newTestBreaker(3, time.Minute)

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordSuccess()

	// The streak restarts, so two more failures stay under the threshold.
	breaker.RecordFailure()
	breaker.RecordFailure()
	assert.Equal(t, CircuitClosed, breaker.State())
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()

	breaker, clock := newTestBreaker(1, time.Minute)

	breaker.RecordFailure()
	assert.Equal(t, CircuitOpen, breaker.State())
	assert.ErrorIs(t, breaker.Allow(), ErrCircuitOpen)

	clock.Advance(time.Minute)
	assert.Equal(t, CircuitHalfOpen, breaker.State())

	// Exactly one probe is admitted.
	require.NoError(t, breaker.Allow())
	assert.ErrorIs(t, breaker.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_ProbeSuccessCloses(t *testing.T) {
	t.Parallel()

	breaker, clock := newTestBreaker(1, time.Minute)

	breaker.RecordFailure()
	clock.Advance(time.Minute)
	require.NoError(t, breaker.Allow())

	breaker.RecordSuccess()
	assert.Equal(t, CircuitClosed, breaker.State())
	require.NoError(t, breaker.Allow())
}

func TestCircuitBreaker_ProbeFailureReopensAndRestartsCooldown(t *testing.T) {
	t.Parallel()

	breaker, clock := newTestBreaker(1, time.Minute)

	breaker.RecordFailure()
	clock.Advance(time.Minute)
	require.NoError(t, breaker.Allow())

	breaker.RecordFailure()
	assert.Equal(t, CircuitOpen, breaker.State())

	// Cooldown restarted at probe failure, so half the old cooldown is not
	// enough.
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, breaker.Allow(), ErrCircuitOpen)

	clock.Advance(30 * time.Second)
	require.NoError(t, breaker.Allow())
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	t.Parallel()

	type change struct {
		from, to CircuitState
	}
	var changes []change

	clock := &fakeClock{now: time.Now()}
	breaker := NewCircuitBreaker(
		BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute},
		WithBreakerClock(clock.Now),
		WithStateChangeHook(func(from, to CircuitState) {
			changes = append(changes, change{from: from, to: to})
		}),
	)

	breaker.RecordFailure()
	clock.Advance(time.Minute)
	require.NoError(t, breaker.Allow())
	breaker.RecordSuccess()

	assert.Equal(t, []change{
		{from: CircuitClosed, to: CircuitOpen},
		{from: CircuitOpen, to: CircuitHalfOpen},
		{from: CircuitHalfOpen, to: CircuitClosed},
	}, changes)
}

func TestNewCircuitBreaker_DefaultsInvalidConfig(t *testing.T) {
	t.Parallel()

	breaker := NewCircuitBreaker(BreakerConfig{})
	assert.Equal(t, CircuitClosed, breaker.State())
	assert.NoError(t, breaker.Allow())
}
