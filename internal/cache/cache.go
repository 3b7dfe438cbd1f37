package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/abdul-hamid-achik/newsrag/internal/tracer"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache miss")

// Cache is a JSON value cache on Redis. Concurrent loads of the same key
// are collapsed into one.
type Cache struct {
	client *Client
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache creates a cache whose keys are namespaced by prefix.
func NewCache(client *Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

// Key builds a cache key from parts. Free text is hashed so keys stay short.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func (c *Cache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Get decodes the value at key into dest, or returns ErrMiss.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	ctx, span := tracer.Start(ctx, "cache.Get",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	val, err := c.client.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			span.SetAttributes(attribute.Bool("cache.hit", false))
			return ErrMiss
		}
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	if err := json.Unmarshal(val, dest); err != nil {
		return fmt.Errorf("failed to decode cached value: %w", err)
	}
	return nil
}

// Set stores value at key with the cache TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	ctx, span := tracer.Start(ctx, "cache.Set",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.Int64("cache.ttl_ms", c.ttl.Milliseconds()),
		))
	defer span.End()

	data, err := json.Marshal(value)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := c.client.rdb.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// GetOrLoad returns the cached value for key, calling load on a miss. Only
// one load per key runs at a time; concurrent callers share its result. A
// Redis failure falls through to load.
//
// The shared load is detached from the caller that started it, so one
// caller giving up does not fail the others. Each caller waits only until
// its own ctx is done.
func (c *Cache) GetOrLoad(ctx context.Context, key string, dest any, load func(ctx context.Context) (any, error)) error {
	err := c.Get(ctx, key, dest)
	if err == nil {
		return nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value: %w", err)
		}
		// a failed write only costs a future miss
		_ = c.client.rdb.Set(loadCtx, c.key(key), data, c.ttl).Err()
		return data, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.([]byte), dest)
	}
}

// Flush removes every key under the cache prefix.
func (c *Cache) Flush(ctx context.Context) (int, error) {
	pattern := c.key("*")
	if c.prefix == "" {
		return 0, fmt.Errorf("refusing to flush a cache without prefix")
	}

	var removed int
	iter := c.client.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		if !strings.HasPrefix(iter.Val(), c.prefix+":") {
			continue
		}
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := c.client.rdb.Del(ctx, batch...).Err(); err != nil {
				return removed, err
			}
			removed += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if len(batch) > 0 {
		if err := c.client.rdb.Del(ctx, batch...).Err(); err != nil {
			return removed, err
		}
		removed += len(batch)
	}
	return removed, nil
}
