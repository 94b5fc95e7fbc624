package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

const defaultMemoryBytes = 64 << 20

// MemoryCache is an in-process cache bounded by total payload bytes.
type MemoryCache struct {
	c *ristretto.Cache
}

var _ PayloadCache = (*MemoryCache)(nil)

// NewMemoryCache creates a cache holding up to maxBytes of payload.
func NewMemoryCache(maxBytes int64) (*MemoryCache, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMemoryBytes
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		// Roughly ten counters per expected 4 KiB payload.
		NumCounters:        max(maxBytes/4096*10, 1000),
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating memory cache: %w", err)
	}
	return &MemoryCache{c: c}, nil
}

// Get implements PayloadCache.
func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

// Set implements PayloadCache. Writes are applied asynchronously and may
// be dropped under contention.
func (m *MemoryCache) Set(_ context.Context, key string, value []byte) error {
	m.c.Set(key, value, int64(len(value)))
	return nil
}

// Wait blocks until buffered writes are applied.
func (m *MemoryCache) Wait() {
	m.c.Wait()
}

// Close implements PayloadCache.
func (m *MemoryCache) Close() error {
	m.c.Close()
	return nil
}
