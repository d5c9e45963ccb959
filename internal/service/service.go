// Package service provides the read-only business logic behind the local
// status daemon.
package service

import (
	"context"
	"errors"
	"sort"

	"github.com/bundlelock/bundlelock/internal/lock"
	"github.com/bundlelock/bundlelock/internal/queue"
	"github.com/bundlelock/bundlelock/internal/resilience"
)

// ErrQueueUnavailable is returned when queue endpoints are hit and no
// queue was configured.
var ErrQueueUnavailable = errors.New("offline queue not configured")

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go StatusService

// StatusService defines the read-only operations the daemon exposes. It
// never mutates lock state; acquisition and release stay with the CLI.
type StatusService interface {
	// CheckReadiness checks if the service is ready to serve requests
	CheckReadiness(ctx context.Context) error

	// ListLocks returns the status of every resource in the manifest,
	// sorted by resource ID
	ListLocks(ctx context.Context) ([]*lock.ResourceStatus, error)

	// GetLock returns the status of one resource
	GetLock(ctx context.Context, resourceID string) (*lock.ResourceStatus, error)

	// ListQueue returns the pending and parked offline intents
	ListQueue(ctx context.Context) ([]*queue.Item, error)

	// Connectivity probes remote reachability
	Connectivity(ctx context.Context) resilience.ConnStatus

	// BreakerState reports the circuit guarding the remote
	BreakerState() resilience.CircuitState
}

// defaultStatusService implements StatusService over the coordinator.
type defaultStatusService struct {
	coordinator lock.Coordinator
	queue       *queue.OfflineQueue
	monitor     resilience.Monitor
	breaker     *resilience.CircuitBreaker
}

// Option customizes a StatusService.
type Option func(*defaultStatusService)

// WithQueue wires the offline queue into the queue endpoints.
func WithQueue(q *queue.OfflineQueue) Option {
	return func(s *defaultStatusService) {
		s.queue = q
	}
}

// WithMonitor wires the connectivity probe.
func WithMonitor(m resilience.Monitor) Option {
	return func(s *defaultStatusService) {
		s.monitor = m
	}
}

// WithBreaker exposes the circuit breaker's state.
func WithBreaker(b *resilience.CircuitBreaker) Option {
	return func(s *defaultStatusService) {
		s.breaker = b
	}
}

// NewStatusService creates the default StatusService.
func NewStatusService(coordinator lock.Coordinator, opts ...Option) StatusService {
	s := &defaultStatusService{coordinator: coordinator}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckReadiness reports whether the service can serve. The daemon is
// read-only and degrades gracefully offline, so readiness is structural.
func (s *defaultStatusService) CheckReadiness(_ context.Context) error {
	if s.coordinator == nil {
		return errors.New("coordinator not configured")
	}
	return nil
}

// ListLocks returns every resource's status, sorted by resource ID.
func (s *defaultStatusService) ListLocks(ctx context.Context) ([]*lock.ResourceStatus, error) {
	statuses, err := s.coordinator.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ResourceID < statuses[j].ResourceID
	})
	return statuses, nil
}

// GetLock returns one resource's status. Unknown resources report as
// unlocked rather than missing.
func (s *defaultStatusService) GetLock(ctx context.Context, resourceID string) (*lock.ResourceStatus, error) {
	return s.coordinator.Status(ctx, resourceID)
}

// ListQueue returns the offline queue contents.
func (s *defaultStatusService) ListQueue(ctx context.Context) ([]*queue.Item, error) {
	if s.queue == nil {
		return nil, ErrQueueUnavailable
	}
	return s.queue.List(ctx)
}

// Connectivity probes remote reachability. Without a monitor the state is
// reported as online, matching the coordinator's behavior of just trying.
func (s *defaultStatusService) Connectivity(ctx context.Context) resilience.ConnStatus {
	if s.monitor == nil {
		return resilience.ConnStatus{State: resilience.Online}
	}
	return s.monitor.Check(ctx)
}

// BreakerState reports the circuit guarding the remote.
func (s *defaultStatusService) BreakerState() resilience.CircuitState {
	if s.breaker == nil {
		return resilience.CircuitClosed
	}
	return s.breaker.State()
}
