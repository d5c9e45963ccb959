// Package queue buffers lock intents durably while the remote is
// unreachable, and replays them in order once connectivity returns.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bundlelock/bundlelock/internal/lock"
)

var (
	pendingBucket = []byte("pending")
	parkedBucket  = []byte("parked")
)

// Item is one deferred lock intent. Items keep their enqueue order via the
// store's monotonic sequence, which becomes their ID.
type Item struct {
	ID         string        `json:"id"`
	Kind       lock.OpKind   `json:"kind"`
	ResourceID string        `json:"resource_id"`
	HolderID   string        `json:"holder_id"`
	TTL        time.Duration `json:"ttl,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`

	// Attempts counts failed replays. Items past the replay budget move to
	// the parked bucket for manual inspection.
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`

	// Parked is true for items that exhausted their replay budget.
	Parked bool `json:"parked,omitempty"`
}

// Metrics receives queue depth updates and replay outcomes.
type Metrics interface {
	QueueDepth(n int)
	Replay(outcome string)
}

type noopQueueMetrics struct{}

func (noopQueueMetrics) QueueDepth(int) {}
func (noopQueueMetrics) Replay(string)  {}

// OfflineQueue is a durable FIFO of lock intents backed by a local bolt
// database. It implements lock.Enqueuer.
type OfflineQueue struct {
	db      *bolt.DB
	path    string
	now     func() time.Time
	metrics Metrics
}

// Option customizes an OfflineQueue.
type Option func(*OfflineQueue)

// WithQueueClock replaces the wall clock, used by tests.
func WithQueueClock(now func() time.Time) Option {
	return func(q *OfflineQueue) {
		q.now = now
	}
}

// WithQueueMetrics wires a metrics sink for depth and replay outcomes.
func WithQueueMetrics(metrics Metrics) Option {
	return func(q *OfflineQueue) {
		q.metrics = metrics
	}
}

// Open opens or creates the queue database at path.
func Open(path string, opts ...Option) (*OfflineQueue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open offline queue at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{pendingBucket, parkedBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	q := &OfflineQueue{db: db, path: path, now: time.Now, metrics: noopQueueMetrics{}}
	for _, opt := range opts {
		opt(q)
	}
	q.publishDepth()
	return q, nil
}

// publishDepth pushes the current pending+parked count to the metrics sink.
func (q *OfflineQueue) publishDepth() {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN + tx.Bucket(parkedBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return
	}
	q.metrics.QueueDepth(n)
}

// Close closes the underlying database.
func (q *OfflineQueue) Close() error {
	return q.db.Close()
}

// Enqueue appends an intent and returns its queue ID.
func (q *OfflineQueue) Enqueue(
	_ context.Context, kind lock.OpKind, resourceID, holderID string, ttl time.Duration,
) (string, error) {
	var id string
	err := q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pendingBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		id = strconv.FormatUint(seq, 10)
		item := &Item{
			ID:         id,
			Kind:       kind,
			ResourceID: resourceID,
			HolderID:   holderID,
			TTL:        ttl,
			EnqueuedAt: q.now().UTC(),
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return bucket.Put(sequenceKey(seq), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s for %s: %w", kind, resourceID, err)
	}
	q.publishDepth()
	return id, nil
}

// List returns all items, pending first in enqueue order, then parked.
func (q *OfflineQueue) List(context.Context) ([]*Item, error) {
	var items []*Item
	err := q.db.View(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{pendingBucket, parkedBucket} {
			err := tx.Bucket(bucket).ForEach(func(_, v []byte) error {
				var item Item
				if err := json.Unmarshal(v, &item); err != nil {
					return err
				}
				items = append(items, &item)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list offline queue: %w", err)
	}
	return items, nil
}

// Len returns the number of pending items.
func (q *OfflineQueue) Len(context.Context) (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Clear drops every pending and parked item.
func (q *OfflineQueue) Clear(context.Context) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{pendingBucket, parkedBucket} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear offline queue: %w", err)
	}
	q.metrics.QueueDepth(0)
	return nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
