// Package state provides the shared key/value store agents persist their
// working state to. Keys are namespaced by scope: an agent id for private
// state, or "global" for cross-agent values.
package state

import (
	"context"
	"errors"
)

// ScopeGlobal is the shared namespace visible to every agent.
const ScopeGlobal = "global"

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("state: key not found")

// Store is the persistence contract. Values round-trip through JSON, so
// concrete types come back as the generic JSON shapes (map[string]any,
// []any, float64).
type Store interface {
	// Put writes a value under scope/key, replacing any previous value.
	Put(ctx context.Context, scope, key string, value any) error

	// Get reads the value under scope/key. Returns ErrNotFound if absent.
	Get(ctx context.Context, scope, key string) (any, error)

	// Delete removes scope/key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, scope, key string) error

	// Keys returns all keys in a scope, sorted.
	Keys(ctx context.Context, scope string) ([]string, error)

	// Close releases the store's resources.
	Close() error
}
