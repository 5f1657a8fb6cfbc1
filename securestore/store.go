// Package securestore defines the boundary to the platform's secure
// key-value store. Implementations must provide atomic per-key get, set,
// and delete; encryption at rest is the backend's responsibility.
package securestore

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get for keys that have never been set or
// have been deleted.
var ErrKeyNotFound = errors.New("key not found")

// Store is the persisted secure key-value collaborator.
type Store interface {
	// Get retrieves the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value atomically.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the value stored under key. Deleting an absent key is
	// not an error.
	Delete(ctx context.Context, key string) error

	// ListKeys returns every key starting with prefix, in no particular
	// order.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}
