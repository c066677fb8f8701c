// Package store defines the atomic key-value primitives the lock protocol is
// built on and ships Redis, NATS JetStream and in-memory implementations.
//
// Every adapter must be safe for concurrent use: a single long-lived Store is
// shared by all lock operations of a process.
package store

import (
	"context"
	"time"
)

// Store abstracts the shared key-value backend used as the sole arbiter of
// lock ownership.
type Store interface {
	// SetNX stores value under key only if key does not exist, with an
	// automatic expiry of ttl. It reports whether the key was created.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if its current value equals value.
	// It reports whether a deletion happened.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// CompareAndExpire resets the expiry of key to ttl only if its current
	// value equals value. It never creates a missing key.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the current value of key. The boolean reports whether the
	// key exists and has not expired.
	Get(ctx context.Context, key string) (string, bool, error)
}
