package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bundlelock/bundlelock/internal/resilience"
	"github.com/bundlelock/bundlelock/internal/vcs"
)

// Operation class names for the retry runner. Fetches and pushes carry
// different retry budgets.
const (
	OpClassFetch = "fetch"
	OpClassPush  = "push"
)

// OpKind names a deferrable lock operation for the offline queue.
type OpKind string

const (
	// OpAcquire is a deferred lock acquisition.
	OpAcquire OpKind = "acquire"

	// OpRelease is a deferred lock release.
	OpRelease OpKind = "release"

	// OpHeartbeat is a deferred lock renewal.
	OpHeartbeat OpKind = "heartbeat"
)

// Enqueuer buffers lock intents while the remote is unreachable. Implemented
// by the offline queue; the coordinator only hands intents over.
type Enqueuer interface {
	// Enqueue appends an intent and returns its queue ID.
	Enqueue(ctx context.Context, kind OpKind, resourceID, holderID string, ttl time.Duration) (string, error)
}

// ResourceState is the observable lock state of one resource.
type ResourceState string

const (
	// Unlocked means no active, unexpired entry exists.
	Unlocked ResourceState = "unlocked"

	// Locked means an active, unexpired entry exists.
	Locked ResourceState = "locked"
)

// ResourceStatus is the read-only view returned by Status and List.
type ResourceStatus struct {
	ResourceID string
	State      ResourceState

	// Entry is set when the resource is Locked.
	Entry *LockEntry

	// Remaining is the time until the lock expires.
	Remaining time.Duration

	// Staleness is how long ago the holder last heartbeat.
	Staleness time.Duration

	// Stale hints that the holder has missed several heartbeats. It never
	// forces a state transition by itself.
	Stale bool
}

// AcquireResult reports the outcome of an Acquire call.
type AcquireResult struct {
	// Entry is the acquired lock, nil when the intent was queued.
	Entry *LockEntry

	// Queued is true when the remote was offline and the intent went to
	// the offline queue instead.
	Queued bool

	// QueueID identifies the queued intent.
	QueueID string
}

// Coordinator is the lock protocol state machine.
//
//go:generate mockgen -destination=mocks/mock_coordinator.go -package=mocks -source=coordinator.go Coordinator
type Coordinator interface {
	// Acquire takes the lock on resourceID for holderID with the given
	// TTL. Fails with ErrLockHeld when someone else holds it, ErrConflict
	// when concurrent writers keep winning the push race, and returns a
	// Queued result when the remote is offline.
	Acquire(ctx context.Context, resourceID, holderID string, ttl time.Duration) (*AcquireResult, error)

	// Release gives up the lock. Releasing a missing lock is a no-op;
	// releasing someone else's lock requires force. Returns ErrQueued when
	// the remote is offline and the release went to the offline queue.
	Release(ctx context.Context, resourceID, holderID string, force bool) error

	// Heartbeat renews the lock, extending its expiry by the entry TTL.
	// Returns a nil entry and ErrQueued when the remote is offline and the
	// renewal went to the offline queue.
	Heartbeat(ctx context.Context, resourceID, holderID string) (*LockEntry, error)

	// ForceBreak removes any holder's lock, recording actorID for audit.
	// The force flag must be explicitly true.
	ForceBreak(ctx context.Context, resourceID, actorID string, force bool) error

	// Status reports the current lock state of one resource.
	Status(ctx context.Context, resourceID string) (*ResourceStatus, error)

	// List reports the lock state of every resource in the manifest.
	List(ctx context.Context) ([]*ResourceStatus, error)
}

// Metrics receives coordinator counters. The zero value of noopLockMetrics
// keeps the coordinator usable without telemetry.
type Metrics interface {
	// CASConflict records one lost push race.
	CASConflict()

	// Operation records a finished coordinator call and its outcome.
	Operation(op, outcome string)
}

type noopLockMetrics struct{}

func (noopLockMetrics) CASConflict()             {}
func (noopLockMetrics) Operation(string, string) {}

// CoordinatorConfig carries the tunables the coordinator consumes as
// values. Loading them belongs to the config layer.
type CoordinatorConfig struct {
	// Branch is the dedicated lock-manifest branch.
	Branch string

	// ManifestPath is the manifest file path within the branch.
	ManifestPath string

	// CASMaxRetries bounds the fetch-mutate-push loop.
	CASMaxRetries int

	// HeartbeatInterval is the expected renewal cadence.
	HeartbeatInterval time.Duration

	// StaleAfterIntervals is the number of missed heartbeat intervals
	// after which Status surfaces the stale hint.
	StaleAfterIntervals int
}

// DefaultCoordinatorConfig returns the standard protocol tuning.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Branch:              "locks",
		ManifestPath:        "locks.json",
		CASMaxRetries:       5,
		HeartbeatInterval:   10 * time.Minute,
		StaleAfterIntervals: 6,
	}
}

// defaultCoordinator is the Backend-backed Coordinator implementation.
type defaultCoordinator struct {
	backend vcs.Backend
	runner  *resilience.Runner
	monitor resilience.Monitor
	queue   Enqueuer
	metrics Metrics
	cfg     CoordinatorConfig
	now     func() time.Time

	// branchReady is set once EnsureBranch has succeeded, so mutations
	// only pay for branch creation on the first write.
	branchReady atomic.Bool
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*defaultCoordinator)

// WithConnectivityMonitor enables the offline check before mutations.
func WithConnectivityMonitor(m resilience.Monitor) CoordinatorOption {
	return func(c *defaultCoordinator) {
		c.monitor = m
	}
}

// WithOfflineQueue wires the durable intent buffer used when offline.
func WithOfflineQueue(q Enqueuer) CoordinatorOption {
	return func(c *defaultCoordinator) {
		c.queue = q
	}
}

// WithLockMetrics wires coordinator counters.
func WithLockMetrics(m Metrics) CoordinatorOption {
	return func(c *defaultCoordinator) {
		c.metrics = m
	}
}

// WithClock replaces the wall clock, used by tests.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *defaultCoordinator) {
		c.now = now
	}
}

// NewCoordinator creates the default Coordinator over the given backend and
// resilience runner.
func NewCoordinator(
	backend vcs.Backend, runner *resilience.Runner, cfg CoordinatorConfig, opts ...CoordinatorOption,
) Coordinator {
	defaults := DefaultCoordinatorConfig()
	if cfg.Branch == "" {
		cfg.Branch = defaults.Branch
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = defaults.ManifestPath
	}
	if cfg.CASMaxRetries < 1 {
		cfg.CASMaxRetries = defaults.CASMaxRetries
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.StaleAfterIntervals < 1 {
		cfg.StaleAfterIntervals = defaults.StaleAfterIntervals
	}

	c := &defaultCoordinator{
		backend: backend,
		runner:  runner,
		metrics: noopLockMetrics{},
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire takes the lock on resourceID for holderID.
func (c *defaultCoordinator) Acquire(
	ctx context.Context, resourceID, holderID string, ttl time.Duration,
) (*AcquireResult, error) {
	if queued, result, err := c.maybeQueue(ctx, OpAcquire, resourceID, holderID, ttl); queued {
		return result, err
	}

	var acquired *LockEntry
	err := c.casMutate(ctx, resourceID, fmt.Sprintf("Acquire lock on %s for %s", resourceID, holderID),
		func(m *Manifest) error {
			now := c.now()
			if existing := m.ActiveEntry(resourceID, now); existing != nil && existing.HolderID != holderID {
				return &HeldError{
					ResourceID: resourceID,
					HolderID:   existing.HolderID,
					ExpiresAt:  existing.ExpiresAt,
				}
			}

			acquired = &LockEntry{
				LockID:          uuid.NewString(),
				ResourceID:      resourceID,
				HolderID:        holderID,
				AcquiredAt:      now,
				ExpiresAt:       now.Add(ttl),
				LastHeartbeatAt: now,
				TTL:             Duration(ttl),
				State:           StateActive,
			}
			m.Set(acquired)
			return nil
		})
	if err != nil {
		c.metrics.Operation("acquire", "failure")
		return nil, err
	}

	c.metrics.Operation("acquire", "success")
	slog.Info("Lock acquired",
		"resource", resourceID,
		"holder", holderID,
		"lock_id", acquired.LockID,
		"expires_at", acquired.ExpiresAt)
	return &AcquireResult{Entry: acquired}, nil
}

// Release gives up the lock on resourceID.
func (c *defaultCoordinator) Release(ctx context.Context, resourceID, holderID string, force bool) error {
	if queued, result, err := c.maybeQueue(ctx, OpRelease, resourceID, holderID, 0); queued {
		if err != nil {
			return err
		}
		return &QueuedError{Kind: OpRelease, ResourceID: resourceID, QueueID: result.QueueID}
	}

	err := c.casMutate(ctx, resourceID, fmt.Sprintf("Release lock on %s", resourceID),
		func(m *Manifest) error {
			entry := m.Get(resourceID)
			if entry == nil || entry.State != StateActive {
				// Releasing a lock that never made it to the remote is a
				// no-op; this is what reconciles a queued release after a
				// queued acquire that was never replayed.
				return errNoChange
			}
			if entry.HolderID != holderID && !force {
				return &NotHolderError{ResourceID: resourceID, HolderID: entry.HolderID}
			}

			entry.State = StateReleased
			return nil
		})
	if err != nil {
		c.metrics.Operation("release", "failure")
		return err
	}

	c.metrics.Operation("release", "success")
	slog.Info("Lock released", "resource", resourceID, "holder", holderID, "force", force)
	return nil
}

// Heartbeat renews the lock on resourceID.
func (c *defaultCoordinator) Heartbeat(ctx context.Context, resourceID, holderID string) (*LockEntry, error) {
	if queued, result, err := c.maybeQueue(ctx, OpHeartbeat, resourceID, holderID, 0); queued {
		if err != nil {
			return nil, err
		}
		return nil, &QueuedError{Kind: OpHeartbeat, ResourceID: resourceID, QueueID: result.QueueID}
	}

	var renewed *LockEntry
	err := c.casMutate(ctx, resourceID, fmt.Sprintf("Heartbeat lock on %s", resourceID),
		func(m *Manifest) error {
			entry := m.Get(resourceID)
			if entry == nil || entry.State != StateActive {
				return fmt.Errorf("%w: %s", ErrNotLocked, resourceID)
			}
			if entry.HolderID != holderID {
				return &NotHolderError{ResourceID: resourceID, HolderID: entry.HolderID}
			}

			now := c.now()
			if entry.IsExpired(now) {
				return fmt.Errorf("%w: %s expired at %s", ErrLockExpired, resourceID,
					entry.ExpiresAt.UTC().Format(time.RFC3339))
			}

			entry.LastHeartbeatAt = now
			entry.ExpiresAt = now.Add(time.Duration(entry.TTL))
			renewed = entry
			return nil
		})
	if err != nil {
		c.metrics.Operation("heartbeat", "failure")
		return nil, err
	}

	c.metrics.Operation("heartbeat", "success")
	slog.Debug("Lock heartbeat", "resource", resourceID, "expires_at", renewed.ExpiresAt)
	return renewed, nil
}

// ForceBreak removes any holder's lock on resourceID.
func (c *defaultCoordinator) ForceBreak(ctx context.Context, resourceID, actorID string, force bool) error {
	if !force {
		return ErrForceRequired
	}

	err := c.casMutate(ctx, resourceID, fmt.Sprintf("Break lock on %s by %s", resourceID, actorID),
		func(m *Manifest) error {
			entry := m.Get(resourceID)
			if entry == nil || entry.State != StateActive {
				return errNoChange
			}

			entry.State = StateBroken
			entry.BrokenBy = actorID
			return nil
		})
	if err != nil {
		c.metrics.Operation("force_break", "failure")
		return err
	}

	c.metrics.Operation("force_break", "success")
	slog.Warn("Lock forcibly broken", "resource", resourceID, "actor", actorID)
	return nil
}

// Status reports the lock state of resourceID without mutating anything.
func (c *defaultCoordinator) Status(ctx context.Context, resourceID string) (*ResourceStatus, error) {
	manifest, err := c.fetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	return c.statusOf(resourceID, manifest.Get(resourceID)), nil
}

// List reports the lock state of every resource in the manifest.
func (c *defaultCoordinator) List(ctx context.Context) ([]*ResourceStatus, error) {
	manifest, err := c.fetchManifest(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]*ResourceStatus, 0, len(manifest.Locks))
	for resourceID, entry := range manifest.Locks {
		statuses = append(statuses, c.statusOf(resourceID, entry))
	}
	return statuses, nil
}

// errNoChange tells casMutate that the mutation is a no-op success and
// nothing needs pushing.
var errNoChange = errors.New("manifest unchanged")

// casMutate runs the bounded fetch-mutate-push loop. The branch's push
// acceptance is the entire concurrency control: a rejected push means a
// concurrent writer won, so we refetch and re-apply the mutation against
// the fresh manifest.
func (c *defaultCoordinator) casMutate(
	ctx context.Context, resourceID, message string, mutate func(*Manifest) error,
) error {
	if err := c.ensureBranch(ctx); err != nil {
		return err
	}

	for attempt := 0; attempt < c.cfg.CASMaxRetries; attempt++ {
		manifest, err := c.fetchManifest(ctx)
		if err != nil {
			return err
		}

		if err := mutate(manifest); err != nil {
			if errors.Is(err, errNoChange) {
				return nil
			}
			return err
		}

		data, err := manifest.Encode()
		if err != nil {
			return err
		}

		err = c.runner.Run(ctx, OpClassPush, func(ctx context.Context) error {
			return c.backend.CommitAndPush(ctx, c.cfg.Branch, c.cfg.ManifestPath, data, message)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, vcs.ErrPushConflict) {
			return err
		}

		c.metrics.CASConflict()
		slog.Debug("Push lost the race, refetching manifest",
			"attempt", attempt+1,
			"max_attempts", c.cfg.CASMaxRetries)
	}

	return &ConflictError{ResourceID: resourceID, Attempts: c.cfg.CASMaxRetries}
}

// ensureBranch creates the lock branch on the remote before the first
// mutation. Reads never need it: fetchManifest treats a missing branch as
// an empty manifest.
func (c *defaultCoordinator) ensureBranch(ctx context.Context) error {
	if c.branchReady.Load() {
		return nil
	}

	err := c.runner.Run(ctx, OpClassPush, func(ctx context.Context) error {
		return c.backend.EnsureBranch(ctx, c.cfg.Branch)
	})
	if err != nil {
		return fmt.Errorf("failed to ensure branch %s: %w", c.cfg.Branch, err)
	}

	c.branchReady.Store(true)
	return nil
}

// fetchManifest reads the manifest from the branch tip. A missing branch or
// file is an empty manifest, which is what the first client ever sees.
func (c *defaultCoordinator) fetchManifest(ctx context.Context) (*Manifest, error) {
	var data []byte
	err := c.runner.Run(ctx, OpClassFetch, func(ctx context.Context) error {
		var fetchErr error
		data, fetchErr = c.backend.FetchFile(ctx, c.cfg.Branch, c.cfg.ManifestPath)
		if errors.Is(fetchErr, vcs.ErrBranchNotFound) || errors.Is(fetchErr, vcs.ErrFileNotFound) {
			data = nil
			return nil
		}
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// maybeQueue hands the intent to the offline queue when the monitor says
// the remote is unreachable. Returns queued=false when the call should
// proceed normally.
func (c *defaultCoordinator) maybeQueue(
	ctx context.Context, kind OpKind, resourceID, holderID string, ttl time.Duration,
) (bool, *AcquireResult, error) {
	if c.monitor == nil || c.queue == nil {
		return false, nil, nil
	}
	if c.monitor.Check(ctx).Reachable() {
		return false, nil, nil
	}

	queueID, err := c.queue.Enqueue(ctx, kind, resourceID, holderID, ttl)
	if err != nil {
		return true, nil, fmt.Errorf("offline and failed to queue %s: %w", kind, err)
	}

	c.metrics.Operation(string(kind), "queued")
	slog.Info("Offline, operation queued",
		"kind", kind,
		"resource", resourceID,
		"queue_id", queueID)
	return true, &AcquireResult{Queued: true, QueueID: queueID}, nil
}

// statusOf computes the read-only view for one entry.
func (c *defaultCoordinator) statusOf(resourceID string, entry *LockEntry) *ResourceStatus {
	now := c.now()
	status := &ResourceStatus{ResourceID: resourceID, State: Unlocked}

	if entry == nil || !entry.IsActive(now) {
		return status
	}

	staleness := entry.Staleness(now)
	status.State = Locked
	status.Entry = entry
	status.Remaining = entry.Remaining(now)
	status.Staleness = staleness
	status.Stale = staleness > time.Duration(c.cfg.StaleAfterIntervals)*c.cfg.HeartbeatInterval
	return status
}
