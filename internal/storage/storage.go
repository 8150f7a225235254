// Package storage defines the key-value contract the admission engine
// counts and blocks against, with in-memory and Redis implementations.
package storage

import (
	"context"
	"fmt"
	"time"
)

// Store is the minimal contract every backend must satisfy. Increment and
// Decrement operate on integer counters; Increment must atomically create
// the key with ttl when absent so concurrent callers in the same window
// never double-apply the expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decrement(ctx context.Context, key string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Close() error
}

// BatchStore is implemented by backends that can read and write several
// keys in one round trip.
type BatchStore interface {
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
	MSet(ctx context.Context, pairs map[string]string, ttl time.Duration) error
}

// ScanStore is implemented by backends that can enumerate keys matching a
// glob pattern. Results are capped at limit when limit > 0.
type ScanStore interface {
	Scan(ctx context.Context, pattern string, limit int) ([]string, error)
}

func errNotCounter(key string) error {
	return fmt.Errorf("storage: value at %q is not an integer counter", key)
}
