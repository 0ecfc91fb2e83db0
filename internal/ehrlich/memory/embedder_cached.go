package memory

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoises another Embedder in a ristretto cache. Incoming
// chat lines are often repeated ("lol", "thanks"), and every long-term
// search embeds the triggering message, so caching saves embedding calls.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps inner with a cache holding up to maxEntries
// vectors. maxEntries <= 0 defaults to 4096.
func NewCachedEmbedder(inner Embedder, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("memory cached embedder: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed returns a cached vector or computes and caches it. Errors and nil
// vectors are not cached.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil || vec == nil {
		return vec, err
	}
	c.cache.Set(text, vec, 1)
	return vec, nil
}

// Wait blocks until buffered cache writes are visible.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

// Close stops the cache's background goroutines.
func (c *CachedEmbedder) Close() { c.cache.Close() }

var _ Embedder = (*CachedEmbedder)(nil)
