// Package cache provides the read-through cache for analytics summaries.
// Entries carry the summary watermark; readers compare it against the
// store's watermark and treat older entries as misses, so a cached
// summary can never mask newer data.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache stores opaque bytes under string keys with a TTL. Implementations
// must be safe for concurrent use. A Cache is an optimization only:
// callers treat every error as a miss and fall through to the store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
