package embed

import "context"

// CachedProvider wraps an embedding provider with an in-memory cache.
// Repeated questions skip the remote embedding call.
type CachedProvider struct {
	inner Provider
	cache *EmbeddingCache
}

// WithCache wraps a Provider with an EmbeddingCache of cacheSize entries.
func WithCache(p Provider, cacheSize int) *CachedProvider {
	return &CachedProvider{
		inner: p,
		cache: NewEmbeddingCache(cacheSize, 0),
	}
}

// Embed generates an embedding for the given text, using cache if available.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := Key(c.inner.Model(), text)
	if cached, found := c.cache.Get(key); found {
		return cached, nil
	}

	embedding, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cache.Set(key, embedding)
	return embedding, nil
}

// EmbedBatch generates embeddings for multiple texts, using cache where available.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.inner.Model()
	results := make([][]float32, len(texts))
	uncachedIndices := make([]int, 0, len(texts))
	uncachedTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if cached, found := c.cache.Get(Key(model, text)); found {
			results[i] = cached
		} else {
			uncachedIndices = append(uncachedIndices, i)
			uncachedTexts = append(uncachedTexts, text)
		}
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	newEmbeddings, err := c.inner.EmbedBatch(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}

	for i, idx := range uncachedIndices {
		results[idx] = newEmbeddings[i]
		c.cache.Set(Key(model, uncachedTexts[i]), newEmbeddings[i])
	}

	return results, nil
}

func (c *CachedProvider) Model() string {
	return c.inner.Model()
}

func (c *CachedProvider) Dimensions() int {
	return c.inner.Dimensions()
}

func (c *CachedProvider) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// Stats returns the cache statistics.
func (c *CachedProvider) Stats() CacheStats {
	return c.cache.Stats()
}
