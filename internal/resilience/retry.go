package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BackoffShape selects how the delay between attempts grows.
type BackoffShape string

const (
	// BackoffExponential doubles the delay after every attempt, capped at
	// the policy maximum.
	BackoffExponential BackoffShape = "exponential"

	// BackoffLinear grows the delay by the initial amount each attempt.
	BackoffLinear BackoffShape = "linear"

	// BackoffFixed waits the initial delay between every attempt.
	BackoffFixed BackoffShape = "fixed"
)

// RetryPolicy configures the retry executor for one class of operations.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay regardless of shape.
	MaxDelay time.Duration

	// Shape selects the backoff curve.
	Shape BackoffShape
}

// DefaultFetchPolicy is the retry policy for read operations.
func DefaultFetchPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Shape:        BackoffExponential,
	}
}

// DefaultPushPolicy is the retry policy for write operations. Pushes are
// costlier to lose than fetches, so they get a bigger budget.
func DefaultPushPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     15 * time.Second,
		Shape:        BackoffExponential,
	}
}

// Delay returns the backoff delay after the given zero-based attempt. It is
// a pure function of the policy and the attempt number.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var d time.Duration
	switch p.Shape {
	case BackoffLinear:
		d = p.InitialDelay * time.Duration(attempt+1)
	case BackoffFixed:
		return p.InitialDelay
	default:
		// Shift with overflow guard; past 62 doublings the cap always wins.
		if attempt >= 62 {
			return p.MaxDelay
		}
		d = p.InitialDelay << uint(attempt)
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Sleeper abstracts the delay between attempts so tests can run without
// real timers.
type Sleeper interface {
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// realSleeper implements Sleeper with a timer.
type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExhaustedError reports that every attempt of an operation failed with a
// transient error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// ProgressFunc is invoked before each retry sleep, purely for user feedback.
type ProgressFunc func(attempt int, delay time.Duration)

// Executor runs operations under a RetryPolicy.
type Executor struct {
	policy     RetryPolicy
	classifier Classifier
	sleeper    Sleeper
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithSleeper replaces the timer-based sleeper, used by tests.
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) {
		e.sleeper = s
	}
}

// WithClassifier replaces the default error classifier.
func WithClassifier(c Classifier) ExecutorOption {
	return func(e *Executor) {
		e.classifier = c
	}
}

// NewExecutor creates an Executor for the given policy.
func NewExecutor(policy RetryPolicy, opts ...ExecutorOption) *Executor {
	e := &Executor{
		policy:     policy,
		classifier: NewDefaultClassifier(),
		sleeper:    realSleeper{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.MaxAttempts < 1 {
		e.policy.MaxAttempts = 1
	}
	return e
}

// Policy returns the executor's retry policy.
func (e *Executor) Policy() RetryPolicy {
	return e.policy
}

// Execute runs op, retrying transient failures per the policy. Permanent
// failures return immediately; exhaustion returns an ExhaustedError wrapping
// the last failure.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	return e.ExecuteWithProgress(ctx, op, nil)
}

// ExecuteWithProgress is Execute with a callback invoked before each retry
// sleep. The callback has no effect on control flow.
func (e *Executor) ExecuteWithProgress(
	ctx context.Context, op func(ctx context.Context) error, progress ProgressFunc,
) error {
	var lastErr error

	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		// Cooperative cancellation between attempts, never mid-call.
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if e.classifier.Classify(lastErr) == Permanent {
			return lastErr
		}

		if attempt == e.policy.MaxAttempts-1 {
			break
		}

		delay := e.policy.Delay(attempt)
		slog.Debug("Retrying after transient failure",
			"attempt", attempt+1,
			"max_attempts", e.policy.MaxAttempts,
			"delay", delay,
			"error", lastErr)
		if progress != nil {
			progress(attempt+1, delay)
		}
		if err := e.sleeper.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: e.policy.MaxAttempts, Err: lastErr}
}
