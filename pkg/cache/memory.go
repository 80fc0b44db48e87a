package cache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryCache is an LRU-bounded in-process cache. Expiry is checked on
// read; the LRU policy bounds total size.
type MemoryCache struct {
	entries *lru.Cache[string, memoryEntry]
}

// NewMemoryCache creates a MemoryCache holding at most size entries
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 1024
	}
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{entries: entries}, nil
}

// Get implements Cache.Get
func (c *MemoryCache) Get(ctx context.Context, key string, value interface{}) error {
	entry, ok := c.entries.Get(key)
	if !ok {
		return ErrNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.entries.Remove(key)
		return ErrNotFound
	}
	return json.Unmarshal(entry.payload, value)
}

// Set implements Cache.Set. A zero ttl means no expiry.
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	entry := memoryEntry{payload: payload}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.entries.Add(key, entry)
	return nil
}

// Delete implements Cache.Delete
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.entries.Remove(key)
	return nil
}

// Flush implements Cache.Flush
func (c *MemoryCache) Flush(ctx context.Context) error {
	c.entries.Purge()
	return nil
}

// Close implements Cache.Close
func (c *MemoryCache) Close() error {
	c.entries.Purge()
	return nil
}
