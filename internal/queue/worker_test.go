package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundlelock/bundlelock/internal/lock"
	"github.com/bundlelock/bundlelock/internal/resilience"
)

// stubMonitor scripts connectivity outcomes for the worker.
type stubMonitor struct {
	status  resilience.ConnStatus
	waitErr error
}

func (m *stubMonitor) Check(context.Context) resilience.ConnStatus {
	return m.status
}

func (m *stubMonitor) WaitForConnectivity(context.Context, time.Duration, time.Duration) error {
	return m.waitErr
}

func TestReplayWorker_DrainsOnReconnect(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, lock.OpAcquire, "band/Song.logicx", "alice@macbook", time.Hour)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, lock.OpRelease, "band/Song.logicx", "alice@macbook", 0)
	require.NoError(t, err)

	coordinator := &scriptedCoordinator{}
	monitor := &stubMonitor{status: resilience.ConnStatus{State: resilience.Online}}

	worker := NewReplayWorker(q, coordinator, monitor,
		WithWorkerIntervals(5*time.Millisecond, 50*time.Millisecond, time.Millisecond))
	worker.Start(ctx)

	assert.Eventually(t, func() bool {
		n, lenErr := q.Len(ctx)
		return lenErr == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond, "worker never drained the queue")
	worker.Stop()

	assert.Equal(t, []string{"acquire band/Song.logicx", "release band/Song.logicx"}, coordinator.calls)
}

func TestReplayWorker_HoldsWhileOffline(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, lock.OpAcquire, "band/Song.logicx", "alice@macbook", time.Hour)
	require.NoError(t, err)

	coordinator := &scriptedCoordinator{}
	monitor := &stubMonitor{waitErr: errors.New("remote github.com:443 unreachable")}

	worker := NewReplayWorker(q, coordinator, monitor,
		WithWorkerIntervals(5*time.Millisecond, 10*time.Millisecond, time.Millisecond))
	worker.Start(ctx)

	// Give the worker several rounds to (wrongly) replay.
	time.Sleep(50 * time.Millisecond)
	worker.Stop()

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "intents must stay queued while the remote is away")
	assert.Empty(t, coordinator.calls)
}

func TestReplayWorker_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t)
	monitor := &stubMonitor{status: resilience.ConnStatus{State: resilience.Online}}
	worker := NewReplayWorker(q, &scriptedCoordinator{}, monitor,
		WithWorkerIntervals(5*time.Millisecond, 10*time.Millisecond, time.Millisecond))

	worker.Start(context.Background())
	worker.Stop()
	worker.Stop()
}
