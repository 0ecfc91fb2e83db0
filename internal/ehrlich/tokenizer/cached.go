package tokenizer

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CacheConfig sizes the count cache.
type CacheConfig struct {
	// MaxEntries bounds the number of cached counts. Default: 10000.
	MaxEntries int64
}

// Cached memoises another Measurer in a ristretto cache keyed by text.
// Fragments of active memory are re-measured on every mutation, so most
// lookups are hits once a conversation is warm.
type Cached struct {
	inner Measurer
	cache *ristretto.Cache
}

// NewCached wraps inner with a bounded cache.
func NewCached(inner Measurer, cfg CacheConfig) (*Cached, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("tokenizer: create cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Count returns the cached count for text, measuring it on a miss.
func (c *Cached) Count(text string) int {
	if v, ok := c.cache.Get(text); ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	n := c.inner.Count(text)
	c.cache.Set(text, n, 1)
	return n
}

// Wait blocks until buffered cache writes are applied.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache's background goroutines.
func (c *Cached) Close() { c.cache.Close() }

var _ Measurer = (*Cached)(nil)
