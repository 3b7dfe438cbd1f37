package embed

import (
	"context"
	"fmt"
	"sync"

	"github.com/abdul-hamid-achik/veclite"
)

// PersistentCache wraps a Provider with an on-disk cache stored in a veclite
// collection. Rebuilding the index over an unchanged corpus then costs no
// remote embedding calls.
type PersistentCache struct {
	inner Provider
	db    *veclite.DB
	coll  *veclite.Collection
	mu    sync.Mutex
}

// NewPersistentCache opens (or creates) the cache at path for inner.
func NewPersistentCache(path string, inner Provider) (*PersistentCache, error) {
	db, err := veclite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding cache: %w", err)
	}

	name := fmt.Sprintf("embeddings_%d", inner.Dimensions())
	coll, err := db.CreateCollection(name,
		veclite.WithDimension(inner.Dimensions()),
		veclite.WithDistanceType(veclite.DistanceEuclidean),
		veclite.WithHNSW(16, 200),
	)
	if err != nil {
		// Collection might already exist
		coll, err = db.GetCollection(name)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create/get embedding cache collection: %w", err)
		}
	}

	return &PersistentCache{inner: inner, db: db, coll: coll}, nil
}

func (c *PersistentCache) lookup(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.coll.Find(veclite.Equal("key", key))
	if err != nil || len(records) == 0 {
		return nil, false
	}
	vec := records[0].Vector
	if len(vec) != c.inner.Dimensions() {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

func (c *PersistentCache) store(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = c.coll.Insert(vec, map[string]any{
		"key":   key,
		"model": c.inner.Model(),
	})
}

func (c *PersistentCache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := Key(c.inner.Model(), text)
	if vec, ok := c.lookup(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(key, vec)
	return vec, nil
}

func (c *PersistentCache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.inner.Model()
	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if vec, ok := c.lookup(Key(model, text)); ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for i, idx := range missIdx {
		results[idx] = fresh[i]
		c.store(Key(model, missTexts[i]), fresh[i])
	}
	return results, nil
}

func (c *PersistentCache) Model() string {
	return c.inner.Model()
}

func (c *PersistentCache) Dimensions() int {
	return c.inner.Dimensions()
}

func (c *PersistentCache) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// Len returns the number of cached vectors.
func (c *PersistentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.coll.Count())
}

// Close flushes the cache to disk and closes it.
func (c *PersistentCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.Sync(); err != nil {
		_ = c.db.Close()
		return fmt.Errorf("failed to sync embedding cache: %w", err)
	}
	return c.db.Close()
}
