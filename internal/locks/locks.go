// Package locks provides a small keyspace of in-flight markers with
// TTL. The RCA coordinator uses it for per-cluster single-flight.
// Markers expire on their own, so a crashed worker never strands a
// cluster; the TTL is the recovery policy.
package locks

import (
	"context"
	"time"
)

// Keyspace is a set of expiring markers. Acquire is atomic: exactly one
// caller wins a key until it is released or its TTL lapses.
type Keyspace interface {
	// Acquire tries to set key to value with the given TTL. When the key
	// is already held, ok is false and held carries the current value.
	Acquire(ctx context.Context, key, value string, ttl time.Duration) (held string, ok bool, err error)

	// Release deletes the key only when it still holds value, so a
	// late finisher cannot release a marker it no longer owns.
	Release(ctx context.Context, key, value string) error

	// Get returns the current value, ok=false when absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	Close() error
}
