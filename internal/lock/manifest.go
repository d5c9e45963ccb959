// Package lock implements the distributed pessimistic-lock protocol: lock
// state is a manifest committed to a shared branch, and mutations are
// arbitrated by the branch's fast-forward-only push acceptance.
package lock

import (
	"encoding/json"
	"fmt"
	"time"
)

// LockState is the lifecycle state of a LockEntry.
type LockState string

const (
	// StateActive is a live lock.
	StateActive LockState = "active"

	// StateExpired marks a lock whose TTL ran out without renewal.
	StateExpired LockState = "expired"

	// StateBroken marks a lock forcibly removed by another identity.
	StateBroken LockState = "broken"

	// StateReleased marks a lock given up by its holder.
	StateReleased LockState = "released"
)

// LockEntry is the manifest record for one resource. Non-active entries are
// kept in place until the next writer overwrites them, and the full history
// stays in the branch's commit log for audit.
type LockEntry struct {
	// LockID uniquely identifies one acquisition.
	LockID string `json:"lock_id"`

	// ResourceID names the locked project, namespace/name.
	ResourceID string `json:"resource_id"`

	// HolderID is the user@machine identity owning the lock.
	HolderID string `json:"holder_id"`

	AcquiredAt      time.Time `json:"acquired_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`

	// TTL is the lease length; each heartbeat extends ExpiresAt by this
	// much.
	TTL Duration `json:"ttl"`

	State LockState `json:"state"`

	// BrokenBy records who force-broke the lock, for audit.
	BrokenBy string `json:"broken_by,omitempty"`
}

// Duration is a time.Duration that serializes as a duration string, keeping
// the manifest human-readable in the branch history.
type Duration time.Duration

// MarshalJSON renders the duration as a string like "4h0m0s".
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value))
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// IsExpired reports whether the lock's TTL has run out at the given time.
func (e *LockEntry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// IsActive reports whether the entry holds the resource at the given time:
// state Active and not expired.
func (e *LockEntry) IsActive(now time.Time) bool {
	return e.State == StateActive && !e.IsExpired(now)
}

// Remaining returns the time until expiry, or zero if already expired.
func (e *LockEntry) Remaining(now time.Time) time.Duration {
	remaining := e.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Staleness returns how long ago the holder last heartbeat.
func (e *LockEntry) Staleness(now time.Time) time.Duration {
	return now.Sub(e.LastHeartbeatAt)
}

// Manifest is the shared lock table: one entry per resource. It is always
// written whole; the branch's commit history versions it implicitly.
type Manifest struct {
	Locks map[string]*LockEntry `json:"locks"`
}

// NewManifest creates an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{Locks: make(map[string]*LockEntry)}
}

// ParseManifest decodes manifest bytes. Empty input yields an empty
// manifest, which is what a freshly created branch looks like.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return NewManifest(), nil
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse lock manifest: %w", err)
	}
	if m.Locks == nil {
		m.Locks = make(map[string]*LockEntry)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serializes the manifest with stable, readable formatting.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Validate checks manifest integrity: entries must be keyed by their own
// resource ID. The one-active-entry-per-resource invariant is structural,
// since the map admits a single entry per key.
func (m *Manifest) Validate() error {
	for resourceID, entry := range m.Locks {
		if entry == nil {
			return fmt.Errorf("manifest entry for %q is null", resourceID)
		}
		if entry.ResourceID != resourceID {
			return fmt.Errorf("manifest entry keyed %q names resource %q", resourceID, entry.ResourceID)
		}
	}
	return nil
}

// Get returns the entry for resourceID, or nil.
func (m *Manifest) Get(resourceID string) *LockEntry {
	return m.Locks[resourceID]
}

// Set inserts or overwrites the entry for its resource.
func (m *Manifest) Set(entry *LockEntry) {
	m.Locks[entry.ResourceID] = entry
}

// ActiveEntry returns the entry for resourceID only if it currently holds
// the resource.
func (m *Manifest) ActiveEntry(resourceID string, now time.Time) *LockEntry {
	entry := m.Get(resourceID)
	if entry == nil || !entry.IsActive(now) {
		return nil
	}
	return entry
}
