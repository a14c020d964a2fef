package host

import (
	"context"

	"escrowcore/internal/models"
)

// Write is a single staged key-value update produced by an invocation.
// Values are the JSON encoding of the entity stored under the key.
type Write struct {
	Key   string
	Value []byte
}

// Backend is the persistent key-value store underneath contract
// instances. Each instance owns a disjoint keyspace identified by its
// instance name; no contract can read or write another instance's keys.
//
// Commit must apply all writes and events atomically: either the whole
// invocation becomes visible or none of it does.
type Backend interface {
	// Get returns the stored value for (instance, key) and whether the
	// key exists.
	Get(ctx context.Context, instance, key string) ([]byte, bool, error)

	// Commit atomically applies the writes of one successful invocation
	// together with the events it emitted.
	Commit(ctx context.Context, instance string, writes []Write, events []models.Event) error
}
