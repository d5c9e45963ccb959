package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNetworkUnavailable is returned when an operation could not reach the
// remote at all: either the circuit breaker rejected it or every retry
// attempt failed with a transient error.
var ErrNetworkUnavailable = errors.New("network unavailable")

// MetricsRecorder receives counters from the resilience layer. The zero
// implementation is a no-op so the layer works without telemetry wired in.
type MetricsRecorder interface {
	// RetryAttempt records one attempt of the named operation class.
	RetryAttempt(class string)

	// BreakerTransition records a circuit state change.
	BreakerTransition(from, to CircuitState)
}

// noopMetrics discards all recordings.
type noopMetrics struct{}

func (noopMetrics) RetryAttempt(string)                          {}
func (noopMetrics) BreakerTransition(CircuitState, CircuitState) {}

// Runner composes the circuit breaker, retry executor, and classifier
// around single units of remote work. One Runner guards one remote.
type Runner struct {
	breaker    *CircuitBreaker
	classifier Classifier
	metrics    MetricsRecorder

	mu        sync.Mutex
	executors map[string]*Executor
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithMetricsRecorder wires telemetry counters into the runner.
func WithMetricsRecorder(m MetricsRecorder) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithRunnerClassifier replaces the default classifier.
func WithRunnerClassifier(c Classifier) RunnerOption {
	return func(r *Runner) {
		r.classifier = c
	}
}

// NewRunner creates a Runner with one retry executor per operation class.
// The breaker is checked before every call so the retry loop never hammers
// a remote already known to be failing.
func NewRunner(breaker *CircuitBreaker, policies map[string]RetryPolicy, opts ...RunnerOption) *Runner {
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultBreakerConfig())
	}
	r := &Runner{
		breaker:    breaker,
		classifier: NewDefaultClassifier(),
		metrics:    noopMetrics{},
		executors:  make(map[string]*Executor, len(policies)),
	}
	for _, opt := range opts {
		opt(r)
	}
	for class, policy := range policies {
		r.executors[class] = NewExecutor(policy, WithClassifier(r.classifier))
	}
	return r
}

// Breaker exposes the runner's circuit breaker for status reporting.
func (r *Runner) Breaker() *CircuitBreaker {
	return r.breaker
}

// Run executes op under the retry policy registered for class. Breaker
// rejection and retry exhaustion both surface as ErrNetworkUnavailable so
// callers can distinguish unreachability from domain failures.
func (r *Runner) Run(ctx context.Context, class string, op func(ctx context.Context) error) error {
	return r.RunWithProgress(ctx, class, op, nil)
}

// RunWithProgress is Run with a per-retry progress callback.
func (r *Runner) RunWithProgress(
	ctx context.Context, class string, op func(ctx context.Context) error, progress ProgressFunc,
) error {
	if err := r.breaker.Allow(); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	executor := r.executor(class)

	instrumented := func(ctx context.Context) error {
		r.metrics.RetryAttempt(class)
		err := op(ctx)
		if err == nil {
			r.breaker.RecordSuccess()
			return nil
		}
		if r.classifier.Classify(err) == Transient {
			r.breaker.RecordFailure()
		}
		return err
	}

	err := executor.ExecuteWithProgress(ctx, instrumented, progress)
	if err == nil {
		return nil
	}

	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Errorf("%w: %s %s", ErrNetworkUnavailable, class, exhausted.Error())
	}
	return err
}

// executor returns the registered executor for class, lazily registering
// one with the fetch defaults for unknown classes.
func (r *Runner) executor(class string) *Executor {
	r.mu.Lock()
	defer r.mu.Unlock()

	executor, ok := r.executors[class]
	if !ok {
		executor = NewExecutor(DefaultFetchPolicy(), WithClassifier(r.classifier))
		r.executors[class] = executor
	}
	return executor
}

// TotalWorstCaseLatency bounds how long one Run of the given class can take
// before exhaustion, excluding the operation's own execution time.
func (r *Runner) TotalWorstCaseLatency(class string) time.Duration {
	r.mu.Lock()
	executor, ok := r.executors[class]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	p := executor.Policy()
	var total time.Duration
	for attempt := 0; attempt < p.MaxAttempts-1; attempt++ {
		total += p.Delay(attempt)
	}
	return total
}
