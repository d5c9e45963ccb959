package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// expiryWarnThreshold is how close to expiry a renewed lock has to be
// before the runner warns about it.
const expiryWarnThreshold = 30 * time.Minute

// HeartbeatRunner renews one held lock on a fixed cadence. It runs on its
// own goroutine and never blocks foreground acquire/release calls; missing
// enough consecutive renewals past expiry is the protocol's only liveness
// signal.
type HeartbeatRunner struct {
	coordinator Coordinator
	resourceID  string
	holderID    string
	interval    time.Duration

	// onLost is invoked once when the lock can no longer be renewed.
	onLost func(err error)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// HeartbeatOption customizes a HeartbeatRunner.
type HeartbeatOption func(*HeartbeatRunner)

// WithOnLost registers a callback for unrecoverable renewal failure.
func WithOnLost(fn func(err error)) HeartbeatOption {
	return func(r *HeartbeatRunner) {
		r.onLost = fn
	}
}

// NewHeartbeatRunner creates a runner for one held lock.
func NewHeartbeatRunner(
	coordinator Coordinator, resourceID, holderID string, interval time.Duration, opts ...HeartbeatOption,
) *HeartbeatRunner {
	r := &HeartbeatRunner{
		coordinator: coordinator,
		resourceID:  resourceID,
		holderID:    holderID,
		interval:    interval,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the renewal loop. It returns immediately.
func (r *HeartbeatRunner) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop halts the renewal loop and waits for it to finish.
func (r *HeartbeatRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *HeartbeatRunner) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if !r.beat(ctx) {
				return
			}
		}
	}
}

// beat performs one renewal. It returns false when the lock is gone and
// the loop should stop.
func (r *HeartbeatRunner) beat(ctx context.Context) bool {
	entry, err := r.coordinator.Heartbeat(ctx, r.resourceID, r.holderID)
	if err != nil {
		switch {
		case errors.Is(err, ErrQueued):
			// Offline: the renewal is queued and the lease keeps draining.
			// Keep ticking so renewal resumes once connectivity returns.
			slog.Warn("Offline, heartbeat queued",
				"resource", r.resourceID,
				"holder", r.holderID)
			return true
		case errors.Is(err, ErrNotLocked), errors.Is(err, ErrNotLockHolder), errors.Is(err, ErrLockExpired):
			slog.Error("Lock lost, stopping heartbeat",
				"resource", r.resourceID,
				"holder", r.holderID,
				"error", err)
			if r.onLost != nil {
				r.onLost(err)
			}
			return false
		default:
			// Transient trouble: the next tick tries again. The lock stays
			// valid until its TTL runs out.
			slog.Warn("Heartbeat failed, will retry next interval",
				"resource", r.resourceID,
				"error", err)
			return true
		}
	}

	remaining := entry.Remaining(time.Now())
	if remaining < expiryWarnThreshold {
		slog.Warn("Lock expiring soon despite renewal",
			"resource", r.resourceID,
			"remaining", remaining)
	}
	return true
}
