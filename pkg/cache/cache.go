// Package cache provides the small caching layer used by the gateway,
// with an in-memory LRU implementation for single-process deployments and
// a Redis implementation for shared environments.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired
var ErrNotFound = errors.New("cache: key not found")

// Cache is the interface both implementations satisfy. Values are JSON
// round-tripped, so callers pass a pointer to Get.
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
	Close() error
}
