package lock

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is matching across package boundaries.
var (
	// ErrLockHeld means the resource is actively locked by someone else.
	ErrLockHeld = errors.New("lock held by another collaborator")

	// ErrNotLockHolder means the caller tried to mutate a lock it does not
	// own, without force.
	ErrNotLockHolder = errors.New("not the lock holder")

	// ErrConflict means the bounded fetch-mutate-push loop kept losing the
	// push race and gave up.
	ErrConflict = errors.New("too many concurrent manifest writers")

	// ErrNotLocked means the resource has no live lock to operate on.
	ErrNotLocked = errors.New("resource is not locked")

	// ErrLockExpired means the caller's lock ran out before the heartbeat
	// reached the remote.
	ErrLockExpired = errors.New("lock has expired")

	// ErrForceRequired guards force-break against accidental invocation.
	ErrForceRequired = errors.New("force flag required to break another holder's lock")

	// ErrQueued means the remote was offline and the intent went to the
	// offline queue. It is a deferred success, not a failure.
	ErrQueued = errors.New("operation queued while offline")
)

// HeldError carries enough context for the caller to decide what to do
// next: wait, ask the holder, or force-break.
type HeldError struct {
	ResourceID string
	HolderID   string
	ExpiresAt  time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s is locked by %s until %s",
		e.ResourceID, e.HolderID, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrLockHeld) match.
func (*HeldError) Is(target error) bool {
	return target == ErrLockHeld
}

// NotHolderError reports who actually holds the lock.
type NotHolderError struct {
	ResourceID string
	HolderID   string
}

func (e *NotHolderError) Error() string {
	return fmt.Sprintf("%s is held by %s, not by you", e.ResourceID, e.HolderID)
}

// Is lets errors.Is(err, ErrNotLockHolder) match.
func (*NotHolderError) Is(target error) bool {
	return target == ErrNotLockHolder
}

// QueuedError reports an intent deferred to the offline queue. Nothing
// reached the remote yet; the queue replays the intent once connectivity
// returns.
type QueuedError struct {
	Kind       OpKind
	ResourceID string
	QueueID    string
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("%s of %s queued offline as %s", e.Kind, e.ResourceID, e.QueueID)
}

// Is lets errors.Is(err, ErrQueued) match.
func (*QueuedError) Is(target error) bool {
	return target == ErrQueued
}

// ConflictError reports CAS-loop exhaustion with the attempt count.
type ConflictError struct {
	ResourceID string
	Attempts   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("gave up on %s after %d push conflicts", e.ResourceID, e.Attempts)
}

// Is lets errors.Is(err, ErrConflict) match.
func (*ConflictError) Is(target error) bool {
	return target == ErrConflict
}
