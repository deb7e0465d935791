package embedder

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cached memoizes single-text embeddings, which is the shape of query
// lookups. Batch calls from ingestion pass straight through.
type Cached struct {
	inner Embedder
	cache *cache.Cache
}

// NewCached wraps inner with a TTL cache.
func NewCached(inner Embedder, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cached{inner: inner, cache: cache.New(ttl, 2*ttl)}
}

func (c *Cached) Model() string { return c.inner.Model() }

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return c.inner.Embed(ctx, texts)
	}
	key := c.inner.Model() + "\x00" + texts[0]
	if v, ok := c.cache.Get(key); ok {
		return [][]float32{v.([]float32)}, nil
	}

	vecs, err := c.inner.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 1 {
		c.cache.Set(key, vecs[0], cache.DefaultExpiration)
	}
	return vecs, nil
}

// Len reports the number of cached entries.
func (c *Cached) Len() int { return c.cache.ItemCount() }
