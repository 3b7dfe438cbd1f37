package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EmbeddingCache provides an in-memory cache for embedding vectors.
// It uses a simple LRU-like eviction when the cache reaches maxSize.
type EmbeddingCache struct {
	mu      sync.RWMutex
	entries map[string]cachedEmbedding
	maxSize int
	ttl     time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type cachedEmbedding struct {
	vector    []float32
	createdAt time.Time
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Entries   int
	MaxSize   int
	HitRate   float64
	Evictions int64
}

// NewEmbeddingCache creates a new EmbeddingCache.
// ttl is the time-to-live for cache entries; zero means no expiration.
func NewEmbeddingCache(maxSize int, ttl time.Duration) *EmbeddingCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &EmbeddingCache{
		entries: make(map[string]cachedEmbedding),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Key derives the cache key for text embedded by model.
func Key(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Get retrieves an embedding from the cache.
func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		c.misses.Add(1)
		return nil, false
	}

	if c.ttl > 0 && time.Since(entry.createdAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	result := make([]float32, len(entry.vector))
	copy(result, entry.vector)
	return result, true
}

// Set stores an embedding in the cache, evicting old entries when full.
func (c *EmbeddingCache) Set(key string, vector []float32) {
	vectorCopy := make([]float32, len(vector))
	copy(vectorCopy, vector)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[key] = cachedEmbedding{
		vector:    vectorCopy,
		createdAt: time.Now(),
	}
}

// evictOldest drops the oldest 10% of entries. Caller holds the lock.
func (c *EmbeddingCache) evictOldest() {
	toEvict := max(c.maxSize/10, 1)

	type keyTime struct {
		key       string
		createdAt time.Time
	}
	entries := make([]keyTime, 0, len(c.entries))
	for k, v := range c.entries {
		entries = append(entries, keyTime{k, v.createdAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].createdAt.Before(entries[j].createdAt)
	})

	for i := 0; i < toEvict && i < len(entries); i++ {
		delete(c.entries, entries[i].key)
		c.evictions.Add(1)
	}
}

// Size returns the current number of entries in the cache.
func (c *EmbeddingCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries from the cache.
func (c *EmbeddingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cachedEmbedding)
}

// Stats returns a snapshot of the cache counters.
func (c *EmbeddingCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := CacheStats{
		Hits:      hits,
		Misses:    misses,
		Entries:   c.Size(),
		MaxSize:   c.maxSize,
		Evictions: c.evictions.Load(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
