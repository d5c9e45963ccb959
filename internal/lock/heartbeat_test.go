package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCoordinator lets heartbeat tests script renewal outcomes without a
// backend.
type stubCoordinator struct {
	heartbeat func(ctx context.Context, resourceID, holderID string) (*LockEntry, error)
}

func (*stubCoordinator) Acquire(context.Context, string, string, time.Duration) (*AcquireResult, error) {
	panic("not used")
}

func (*stubCoordinator) Release(context.Context, string, string, bool) error {
	panic("not used")
}

func (s *stubCoordinator) Heartbeat(ctx context.Context, resourceID, holderID string) (*LockEntry, error) {
	return s.heartbeat(ctx, resourceID, holderID)
}

func (*stubCoordinator) ForceBreak(context.Context, string, string, bool) error {
	panic("not used")
}

func (*stubCoordinator) Status(context.Context, string) (*ResourceStatus, error) {
	panic("not used")
}

func (*stubCoordinator) List(context.Context) ([]*ResourceStatus, error) {
	panic("not used")
}

func renewedEntry(resourceID, holderID string) *LockEntry {
	return testEntry(resourceID, holderID, time.Now(), 4*time.Hour)
}

func TestHeartbeatRunner_RenewsOnCadence(t *testing.T) {
	t.Parallel()

	beats := make(chan struct{}, 16)
	coordinator := &stubCoordinator{
		heartbeat: func(_ context.Context, resourceID, holderID string) (*LockEntry, error) {
			beats <- struct{}{}
			return renewedEntry(resourceID, holderID), nil
		},
	}

	runner := NewHeartbeatRunner(coordinator, "band/Song.logicx", "alice@macbook", 5*time.Millisecond)
	runner.Start(context.Background())

	for i := 0; i < 3; i++ {
		select {
		case <-beats:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for heartbeat %d", i+1)
		}
	}
	runner.Stop()
}

func TestHeartbeatRunner_KeepsTickingWhileOffline(t *testing.T) {
	t.Parallel()

	// A renewal issued while the remote is offline comes back with a nil
	// entry and a queued outcome. The runner must survive it and keep
	// ticking so renewal resumes with connectivity.
	beats := make(chan struct{}, 16)
	var lost atomic.Int64
	coordinator := &stubCoordinator{
		heartbeat: func(_ context.Context, resourceID, _ string) (*LockEntry, error) {
			beats <- struct{}{}
			return nil, &QueuedError{Kind: OpHeartbeat, ResourceID: resourceID, QueueID: "q-1"}
		},
	}

	runner := NewHeartbeatRunner(coordinator, "band/Song.logicx", "alice@macbook", 5*time.Millisecond,
		WithOnLost(func(error) { lost.Add(1) }))
	runner.Start(context.Background())

	for i := 0; i < 3; i++ {
		select {
		case <-beats:
		case <-time.After(2 * time.Second):
			t.Fatalf("runner stopped after %d offline heartbeats", i)
		}
	}
	runner.Stop()

	assert.Zero(t, lost.Load(), "a queued renewal is not a lost lock")
}

func TestHeartbeatRunner_StopsWhenLockLost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "not locked", err: ErrNotLocked},
		{name: "not the holder", err: ErrNotLockHolder},
		{name: "expired", err: ErrLockExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int64
			coordinator := &stubCoordinator{
				heartbeat: func(context.Context, string, string) (*LockEntry, error) {
					calls.Add(1)
					return nil, tt.err
				},
			}

			lost := make(chan error, 1)
			runner := NewHeartbeatRunner(coordinator, "band/Song.logicx", "alice@macbook",
				5*time.Millisecond, WithOnLost(func(err error) { lost <- err }))
			runner.Start(context.Background())

			select {
			case err := <-lost:
				assert.ErrorIs(t, err, tt.err)
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for lost callback")
			}
			runner.Stop()

			// The loop exits after the first unrecoverable failure.
			assert.Equal(t, int64(1), calls.Load())
		})
	}
}

func TestHeartbeatRunner_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	recovered := make(chan struct{}, 1)
	coordinator := &stubCoordinator{
		heartbeat: func(_ context.Context, resourceID, holderID string) (*LockEntry, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("remote hung up")
			}
			select {
			case recovered <- struct{}{}:
			default:
			}
			return renewedEntry(resourceID, holderID), nil
		},
	}

	lost := make(chan error, 1)
	runner := NewHeartbeatRunner(coordinator, "band/Song.logicx", "alice@macbook",
		5*time.Millisecond, WithOnLost(func(err error) { lost <- err }))
	runner.Start(context.Background())

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for renewal after transient failure")
	}
	runner.Stop()

	require.Empty(t, lost, "a transient failure must not report the lock as lost")
	assert.GreaterOrEqual(t, calls.Load(), int64(2))
}

func TestHeartbeatRunner_ContextCancelStopsLoop(t *testing.T) {
	t.Parallel()

	coordinator := &stubCoordinator{
		heartbeat: func(_ context.Context, resourceID, holderID string) (*LockEntry, error) {
			return renewedEntry(resourceID, holderID), nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	runner := NewHeartbeatRunner(coordinator, "band/Song.logicx", "alice@macbook", 5*time.Millisecond)
	runner.Start(ctx)

	cancel()
	// Stop returns once the loop has observed the cancellation.
	runner.Stop()
}

func TestHeartbeatRunner_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	coordinator := &stubCoordinator{
		heartbeat: func(_ context.Context, resourceID, holderID string) (*LockEntry, error) {
			return renewedEntry(resourceID, holderID), nil
		},
	}

	runner := NewHeartbeatRunner(coordinator, "band/Song.logicx", "alice@macbook", time.Millisecond)
	runner.Start(context.Background())
	runner.Stop()
	runner.Stop()
}
