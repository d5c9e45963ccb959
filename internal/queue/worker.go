package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bundlelock/bundlelock/internal/lock"
	"github.com/bundlelock/bundlelock/internal/resilience"
)

const (
	// defaultCheckInterval is how often the worker looks for pending
	// intents.
	defaultCheckInterval = 15 * time.Second

	// defaultConnectivityWait bounds one wait for the remote to return
	// before the worker gives the queue another look later.
	defaultConnectivityWait = 5 * time.Minute

	// defaultProbeInterval is the poll cadence while waiting for the
	// remote to return.
	defaultProbeInterval = 5 * time.Second
)

// ReplayWorker drains the offline queue in the background: whenever intents
// are pending it waits for connectivity to return and replays them. The
// coordinator it replays through must not be wired to this queue, or
// failures would re-enqueue.
type ReplayWorker struct {
	queue       *OfflineQueue
	coordinator lock.Coordinator
	monitor     resilience.Monitor

	checkInterval    time.Duration
	connectivityWait time.Duration
	probeInterval    time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// WorkerOption customizes a ReplayWorker.
type WorkerOption func(*ReplayWorker)

// WithWorkerIntervals replaces the check/wait/probe cadence, used by tests.
func WithWorkerIntervals(check, wait, probe time.Duration) WorkerOption {
	return func(w *ReplayWorker) {
		w.checkInterval = check
		w.connectivityWait = wait
		w.probeInterval = probe
	}
}

// NewReplayWorker creates a worker draining q through coordinator once
// monitor reports the remote reachable again.
func NewReplayWorker(
	q *OfflineQueue, coordinator lock.Coordinator, monitor resilience.Monitor, opts ...WorkerOption,
) *ReplayWorker {
	w := &ReplayWorker{
		queue:            q,
		coordinator:      coordinator,
		monitor:          monitor,
		checkInterval:    defaultCheckInterval,
		connectivityWait: defaultConnectivityWait,
		probeInterval:    defaultProbeInterval,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the drain loop. It returns immediately.
func (w *ReplayWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop halts the drain loop and waits for it to finish.
func (w *ReplayWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *ReplayWorker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain replays pending intents once connectivity is back. Another process
// already replaying is not an error; its round covers our intents too.
func (w *ReplayWorker) drain(ctx context.Context) {
	pending, err := w.queue.Len(ctx)
	if err != nil {
		slog.Error("Failed to read offline queue", "error", err)
		return
	}
	if pending == 0 {
		return
	}

	if err := w.monitor.WaitForConnectivity(ctx, w.connectivityWait, w.probeInterval); err != nil {
		slog.Debug("Remote still away, holding queued intents",
			"pending", pending,
			"error", err)
		return
	}

	report, err := w.queue.Replay(ctx, w.coordinator)
	if errors.Is(err, ErrReplayInProgress) {
		slog.Debug("Replay already running elsewhere, skipping this round")
		return
	}
	if err != nil {
		slog.Error("Offline queue replay failed", "error", err)
		return
	}

	slog.Info("Drained offline queue",
		"replayed", report.Replayed,
		"failed", report.Failed,
		"parked", report.Parked,
		"skipped", report.Skipped)
}
