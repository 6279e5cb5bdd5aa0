// Package secrets stores per-session gateway credentials behind a small
// load/save interface. The engine only depends on get/set/delete semantics,
// never on the storage mechanism.
package secrets

import (
	"context"
	"errors"
	"time"
)

// ErrNotLocked is returned by Unlock when the lock was not held.
var ErrNotLocked = errors.New("secrets: session lock not held")

// Store keeps opaque session tokens and short-lived session locks.
type Store interface {
	// Get returns the token for a session. Empty string, nil means the
	// session has no stored token (not an error).
	Get(ctx context.Context, sessionID string) (string, error)

	// Set stores or replaces the token for a session.
	Set(ctx context.Context, sessionID string, token string) error

	// Delete removes the token for a session. Deleting a missing token
	// is a no-op.
	Delete(ctx context.Context, sessionID string) error

	// All returns every stored sessionID -> token pair.
	All(ctx context.Context) (map[string]string, error)

	// Lock takes a best-effort session lock with the given TTL.
	Lock(ctx context.Context, sessionID string, ttl time.Duration) error

	// Unlock releases the session lock.
	Unlock(ctx context.Context, sessionID string) error

	// Close releases any underlying resources.
	Close() error
}
