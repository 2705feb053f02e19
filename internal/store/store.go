// Package store defines the key-value primitives the buffering and blocking
// layers are built on. Every operation is a single atomic round trip, and an
// expired key is indistinguishable from an absent one.
package store

import (
	"context"
	"time"
)

// Entry is a live scalar value and its expiry.
type Entry struct {
	Value     string
	ExpiresAt time.Time
}

// Store is implemented by the DynamoDB repository and the in-memory store.
type Store interface {
	// SetIfAbsent writes value only when key is absent or expired and reports
	// whether it did.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set writes value unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the live entry for key.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Delete removes key and reports whether a live value was removed.
	Delete(ctx context.Context, key string) (bool, error)
	// Append pushes value onto the tail of the list at key and refreshes its TTL.
	Append(ctx context.Context, key, value string, ttl time.Duration) error
	// Drain removes the list at key and returns its values in append order.
	Drain(ctx context.Context, key string) ([]string, error)
}
