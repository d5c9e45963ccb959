package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/bundlelock/bundlelock/internal/lock"
	"github.com/bundlelock/bundlelock/internal/resilience"
)

// DefaultMaxReplayAttempts is how many replay rounds an item may fail
// before it is parked.
const DefaultMaxReplayAttempts = 3

// ErrReplayInProgress is returned when another process holds the replay
// guard.
var ErrReplayInProgress = errors.New("another replay is already in progress")

// Report summarizes one replay round.
type Report struct {
	// Replayed counts intents applied successfully.
	Replayed int

	// Failed counts intents that failed and stay pending.
	Failed int

	// Parked counts intents moved aside after exhausting their attempts.
	Parked int

	// Skipped counts intents left untouched, either because an earlier
	// intent for the same resource failed this round or because the
	// remote went away mid-replay.
	Skipped int
}

// Replay applies pending intents in enqueue order through the coordinator.
// A file lock serializes replays across processes sharing the queue. When
// an intent for a resource fails, later intents for that resource are
// skipped this round so per-resource ordering survives. The coordinator
// must not be wired to this queue, or failures would re-enqueue.
func (q *OfflineQueue) Replay(ctx context.Context, coordinator lock.Coordinator) (*Report, error) {
	guard := flock.New(q.path + ".replay")
	locked, err := guard.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to take replay guard: %w", err)
	}
	if !locked {
		return nil, ErrReplayInProgress
	}
	defer func() {
		_ = guard.Unlock()
	}()

	items, keys, err := q.pendingItems()
	if err != nil {
		return nil, err
	}

	report := &Report{}
	failedResources := make(map[string]bool)
	offline := false

	for i, item := range items {
		if offline {
			report.Skipped++
			q.metrics.Replay("skipped")
			continue
		}
		if failedResources[item.ResourceID] {
			report.Skipped++
			q.metrics.Replay("skipped")
			slog.Debug("Skipping intent behind a failed one",
				"id", item.ID, "resource", item.ResourceID)
			continue
		}

		err := q.apply(ctx, coordinator, item)
		switch {
		case err == nil:
			if removeErr := q.removePending(keys[i]); removeErr != nil {
				return report, removeErr
			}
			report.Replayed++
			q.metrics.Replay("replayed")
			slog.Info("Replayed queued intent",
				"id", item.ID, "kind", item.Kind, "resource", item.ResourceID)

		case errors.Is(err, resilience.ErrNetworkUnavailable):
			// The remote went away again. Leave everything as it was and
			// let a later replay pick it up.
			offline = true
			report.Skipped++
			q.metrics.Replay("skipped")
			slog.Warn("Remote unreachable mid-replay, stopping", "id", item.ID)

		default:
			failedResources[item.ResourceID] = true
			item.Attempts++
			item.LastError = err.Error()
			if item.Attempts >= DefaultMaxReplayAttempts {
				item.Parked = true
				if parkErr := q.park(keys[i], item); parkErr != nil {
					return report, parkErr
				}
				report.Parked++
				q.metrics.Replay("parked")
				slog.Error("Intent exhausted its replay attempts, parked",
					"id", item.ID, "kind", item.Kind, "resource", item.ResourceID, "error", err)
			} else {
				if updateErr := q.updatePending(keys[i], item); updateErr != nil {
					return report, updateErr
				}
				report.Failed++
				q.metrics.Replay("failed")
				slog.Warn("Intent replay failed",
					"id", item.ID, "kind", item.Kind, "resource", item.ResourceID,
					"attempts", item.Attempts, "error", err)
			}
		}
	}

	q.publishDepth()
	return report, nil
}

// apply performs one intent. A lock that disappeared underneath a release
// or heartbeat is not an error worth keeping the intent around for.
func (q *OfflineQueue) apply(ctx context.Context, coordinator lock.Coordinator, item *Item) error {
	switch item.Kind {
	case lock.OpAcquire:
		result, err := coordinator.Acquire(ctx, item.ResourceID, item.HolderID, item.TTL)
		if err != nil {
			return err
		}
		if result.Queued {
			return resilience.ErrNetworkUnavailable
		}
		return nil

	case lock.OpRelease:
		return coordinator.Release(ctx, item.ResourceID, item.HolderID, false)

	case lock.OpHeartbeat:
		_, err := coordinator.Heartbeat(ctx, item.ResourceID, item.HolderID)
		if errors.Is(err, lock.ErrNotLocked) || errors.Is(err, lock.ErrLockExpired) {
			slog.Info("Queued heartbeat is moot, dropping",
				"id", item.ID, "resource", item.ResourceID, "reason", err)
			return nil
		}
		return err

	default:
		return fmt.Errorf("unknown queued operation %q", item.Kind)
	}
}

func (q *OfflineQueue) pendingItems() ([]*Item, [][]byte, error) {
	var (
		items []*Item
		keys  [][]byte
	)
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read pending intents: %w", err)
	}
	return items, keys, nil
}

func (q *OfflineQueue) removePending(key []byte) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete(key)
	})
}

func (q *OfflineQueue) updatePending(key []byte, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put(key, data)
	})
}

func (q *OfflineQueue) park(key []byte, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(pendingBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(parkedBucket).Put(key, data)
	})
}
