// Package store defines the hierarchical, versioned key-value contract that
// every other component persists through. It has two backends: memstore
// for single-replica deployments and tests, and raftstore for multi-replica
// HA deployments (pkg/store/raftstore).
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get/Delete when the path has no value, and by
// Put when expectedVersion > 0 names a path that does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by Put/Delete when expectedVersion does not match
// the path's current version. Callers retry their read-modify-write.
var ErrConflict = errors.New("store: version conflict")

// ErrRetryable wraps a transient backend failure (network hiccup, quorum
// loss). Callers should retry with backoff rather than surface it raw.
type ErrRetryable struct{ Err error }

func (e *ErrRetryable) Error() string { return fmt.Sprintf("store: retryable: %v", e.Err) }
func (e *ErrRetryable) Unwrap() error { return e.Err }

// Entry is one versioned value at a path.
type Entry struct {
	Path    string
	Value   []byte
	Version int64
}

// WatchEvent describes a change observed on a watched path or prefix.
type WatchEvent struct {
	Path    string
	Value   []byte
	Version int64
	Deleted bool
}

// Store is a hierarchical key-value store with compare-and-swap semantics.
// Paths are slash-separated, matching the layout in §6 of the spec
// (/launches/<id>, /domains/<owner>/<id>, and so on).
type Store interface {
	// Get reads the current value and version at path. Returns ErrNotFound
	// if nothing has ever been written there.
	Get(ctx context.Context, path string) (*Entry, error)

	// Put writes value at path if its current version equals
	// expectedVersion (0 meaning "must not exist yet"), returning the new
	// version. Returns ErrConflict on mismatch, ErrNotFound if
	// expectedVersion > 0 but the path is unset.
	Put(ctx context.Context, path string, value []byte, expectedVersion int64) (int64, error)

	// List returns every entry whose path has the given prefix.
	List(ctx context.Context, prefix string) ([]*Entry, error)

	// Delete removes path if its current version equals expectedVersion.
	Delete(ctx context.Context, path string, expectedVersion int64) error

	// CreateEphemeral writes an ephemeral value tied to sessionID: it is
	// removed automatically when the session expires (§4.2's leader
	// election and §6's /agents/<resource_id> heartbeat nodes both build
	// on this). Returns the assigned sequence number, unique and
	// monotonically increasing within path's parent.
	CreateEphemeral(ctx context.Context, path string, value []byte, sessionID string) (seq int64, err error)

	// Touch renews sessionID's lease so its ephemeral entries survive.
	// Backends that do not track sessions may no-op.
	Touch(ctx context.Context, sessionID string, ttl int64) error

	// ExpireSession immediately removes every ephemeral entry owned by
	// sessionID, as if its lease had lapsed. Used on graceful shutdown.
	ExpireSession(ctx context.Context, sessionID string) error

	// Watch streams WatchEvents for path or, if prefix is true, for every
	// path under it. The returned cancel function stops delivery and
	// releases resources; callers must call it.
	Watch(ctx context.Context, path string, prefix bool) (events <-chan WatchEvent, cancel func(), err error)

	// Close releases the backend's resources.
	Close() error
}
