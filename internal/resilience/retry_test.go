package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleeper captures requested delays instead of sleeping.
type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		policy   RetryPolicy
		attempt  int
		expected time.Duration
	}{
		{
			name:     "exponential first retry",
			policy:   RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Shape: BackoffExponential},
			attempt:  0,
			expected: time.Second,
		},
		{
			name:     "exponential doubles",
			policy:   RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Shape: BackoffExponential},
			attempt:  2,
			expected: 4 * time.Second,
		},
		{
			name:     "exponential hits cap",
			policy:   RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Shape: BackoffExponential},
			attempt:  6,
			expected: 10 * time.Second,
		},
		{
			name:     "exponential huge attempt stays capped",
			policy:   RetryPolicy{InitialDelay: time.Second, MaxDelay: 15 * time.Second, Shape: BackoffExponential},
			attempt:  100,
			expected: 15 * time.Second,
		},
		{
			name:     "linear grows by initial",
			policy:   RetryPolicy{InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Shape: BackoffLinear},
			attempt:  2,
			expected: 6 * time.Second,
		},
		{
			name:     "linear hits cap",
			policy:   RetryPolicy{InitialDelay: 10 * time.Second, MaxDelay: 15 * time.Second, Shape: BackoffLinear},
			attempt:  4,
			expected: 15 * time.Second,
		},
		{
			name:     "fixed ignores attempt",
			policy:   RetryPolicy{InitialDelay: 3 * time.Second, MaxDelay: 30 * time.Second, Shape: BackoffFixed},
			attempt:  9,
			expected: 3 * time.Second,
		},
		{
			name:     "negative attempt clamps to zero",
			policy:   RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Shape: BackoffExponential},
			attempt:  -3,
			expected: time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.policy.Delay(tt.attempt))
		})
	}
}

func TestExecutor_TransientThenSuccess(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	executor := NewExecutor(
		RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Shape: BackoffExponential},
		WithSleeper(sleeper),
	)

	calls := 0
	err := executor.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls <= 2 {
			return syscall.ECONNREFUSED
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
}

func TestExecutor_PermanentFailsImmediately(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	executor := NewExecutor(DefaultPushPolicy(), WithSleeper(sleeper))

	permanent := errors.New("authentication required")
	calls := 0
	err := executor.Execute(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)
}

func TestExecutor_ExhaustionAnnotatesAttempts(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	executor := NewExecutor(
		RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Shape: BackoffFixed},
		WithSleeper(sleeper),
	)

	underlying := syscall.ECONNRESET
	calls := 0
	err := executor.Execute(context.Background(), func(context.Context) error {
		calls++
		return underlying
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, underlying)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeper.delays, 2)
}

func TestExecutor_ProgressCallback(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	executor := NewExecutor(
		RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Shape: BackoffLinear},
		WithSleeper(sleeper),
	)

	type progressCall struct {
		attempt int
		delay   time.Duration
	}
	var progress []progressCall

	calls := 0
	err := executor.ExecuteWithProgress(context.Background(),
		func(context.Context) error {
			calls++
			if calls < 3 {
				return syscall.ECONNREFUSED
			}
			return nil
		},
		func(attempt int, delay time.Duration) {
			progress = append(progress, progressCall{attempt: attempt, delay: delay})
		},
	)

	require.NoError(t, err)
	assert.Equal(t, []progressCall{
		{attempt: 1, delay: time.Second},
		{attempt: 2, delay: 2 * time.Second},
	}, progress)
}

func TestExecutor_CancellationBetweenAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	executor := NewExecutor(
		RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Second, Shape: BackoffFixed},
	)

	calls := 0
	err := executor.Execute(ctx, func(context.Context) error {
		calls++
		cancel()
		return syscall.ECONNREFUSED
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNewExecutor_ClampsZeroAttempts(t *testing.T) {
	t.Parallel()

	executor := NewExecutor(RetryPolicy{MaxAttempts: 0})
	calls := 0
	err := executor.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
