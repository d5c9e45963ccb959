package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundlelock/bundlelock/internal/lock"
	"github.com/bundlelock/bundlelock/internal/resilience"
)

type fakeCoordinator struct {
	statuses map[string]*lock.ResourceStatus
}

func (*fakeCoordinator) Acquire(context.Context, string, string, time.Duration) (*lock.AcquireResult, error) {
	panic("read-only service must not acquire")
}

func (*fakeCoordinator) Release(context.Context, string, string, bool) error {
	panic("read-only service must not release")
}

func (*fakeCoordinator) Heartbeat(context.Context, string, string) (*lock.LockEntry, error) {
	panic("read-only service must not heartbeat")
}

func (*fakeCoordinator) ForceBreak(context.Context, string, string, bool) error {
	panic("read-only service must not break")
}

func (f *fakeCoordinator) Status(_ context.Context, resourceID string) (*lock.ResourceStatus, error) {
	if s, ok := f.statuses[resourceID]; ok {
		return s, nil
	}
	return &lock.ResourceStatus{ResourceID: resourceID, State: lock.Unlocked}, nil
}

func (f *fakeCoordinator) List(context.Context) ([]*lock.ResourceStatus, error) {
	out := make([]*lock.ResourceStatus, 0, len(f.statuses))
	for _, s := range f.statuses {
		out = append(out, s)
	}
	return out, nil
}

func TestStatusService_ListLocksSorted(t *testing.T) {
	t.Parallel()

	coordinator := &fakeCoordinator{statuses: map[string]*lock.ResourceStatus{
		"zz.logicx": {ResourceID: "zz.logicx", State: lock.Locked},
		"aa.logicx": {ResourceID: "aa.logicx", State: lock.Unlocked},
		"mm.logicx": {ResourceID: "mm.logicx", State: lock.Locked},
	}}
	svc := NewStatusService(coordinator)

	statuses, err := svc.ListLocks(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.Equal(t, "aa.logicx", statuses[0].ResourceID)
	assert.Equal(t, "mm.logicx", statuses[1].ResourceID)
	assert.Equal(t, "zz.logicx", statuses[2].ResourceID)
}

func TestStatusService_GetLockUnknownIsUnlocked(t *testing.T) {
	t.Parallel()

	svc := NewStatusService(&fakeCoordinator{})
	status, err := svc.GetLock(context.Background(), "never/seen.logicx")
	require.NoError(t, err)
	assert.Equal(t, lock.Unlocked, status.State)
}

func TestStatusService_QueueUnavailable(t *testing.T) {
	t.Parallel()

	svc := NewStatusService(&fakeCoordinator{})
	_, err := svc.ListQueue(context.Background())
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}

func TestStatusService_DefaultsWithoutProbes(t *testing.T) {
	t.Parallel()

	svc := NewStatusService(&fakeCoordinator{})
	assert.Equal(t, resilience.Online, svc.Connectivity(context.Background()).State)
	assert.Equal(t, resilience.CircuitClosed, svc.BreakerState())
	assert.NoError(t, svc.CheckReadiness(context.Background()))
}

func TestStatusService_Readiness(t *testing.T) {
	t.Parallel()

	svc := NewStatusService(nil)
	assert.Error(t, svc.CheckReadiness(context.Background()))
}
