package embed

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"

	"github.com/Protocol-Lattice/memctx/src/cache"
)

// CachedEmbedder memoizes embeddings of identical texts so repeated queries do
// not spend the provider's rate budget.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCachedEmbedder wraps inner with a ristretto cache holding roughly
// maxEntries vectors for ttl each.
func NewCachedEmbedder(inner Embedder, maxEntries int64, ttl time.Duration) (*CachedEmbedder, error) {
	if inner == nil {
		return nil, goerr.New("cached embedder needs an inner embedder")
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// cost counts entries, not bytes
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache", goerr.V("maxEntries", maxEntries))
	}
	return &CachedEmbedder{inner: inner, cache: c, ttl: ttl}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.HashKey(text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) > 0 {
		c.cache.SetWithTTL(key, append([]float32(nil), vec...), 1, c.ttl)
	}
	return vec, nil
}

// Wait blocks until pending cache writes are visible.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

// Close stops the cache's background goroutines.
func (c *CachedEmbedder) Close() { c.cache.Close() }
