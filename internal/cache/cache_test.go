package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	a := Key("build-1", "what is inflation?")
	if len(a) != 32 {
		t.Errorf("expected 32 char key, got %d", len(a))
	}
	if a != Key("build-1", "what is inflation?") {
		t.Error("key is not deterministic")
	}
	if a == Key("build-2", "what is inflation?") {
		t.Error("different build should give a different key")
	}
	// part boundaries matter
	if Key("ab", "c") == Key("a", "bc") {
		t.Error("keys collide across part boundaries")
	}
}

// testCache connects to NEWSRAG_TEST_REDIS_ADDR or skips.
func testCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("NEWSRAG_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NEWSRAG_TEST_REDIS_ADDR not set")
	}
	client, err := NewClient(context.Background(), Config{Addr: addr})
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	c := NewCache(client, "newsrag-test-"+t.Name(), time.Minute)
	t.Cleanup(func() { _, _ = c.Flush(context.Background()) })
	return c
}

func TestCacheSetGet(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	var out map[string]string
	if err := c.Get(ctx, "k", &out); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := c.Set(ctx, "k", map[string]string{"answer": "buy bonds"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Get(ctx, "k", &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out["answer"] != "buy bonds" {
		t.Errorf("unexpected value %v", out)
	}
}

func TestCacheGetOrLoadSingleflight(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context) (any, error) {
		loads.Add(1)
		<-release
		return "loaded", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var s string
			if err := c.GetOrLoad(ctx, "shared", &s, load); err != nil || s != "loaded" {
				t.Errorf("GetOrLoad = %q, %v", s, err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if loads.Load() != 1 {
		t.Errorf("expected a single load, got %d", loads.Load())
	}
}

func TestCacheGetOrLoadOutlivesFirstCaller(t *testing.T) {
	c := testCache(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var loadErr atomic.Value
	load := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			loadErr.Store(err)
		}
		return "loaded", nil
	}

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	firstDone := make(chan error, 1)
	go func() {
		var s string
		firstDone <- c.GetOrLoad(short, "detached", &s, load)
	}()
	<-started

	secondDone := make(chan string, 1)
	go func() {
		var s string
		if err := c.GetOrLoad(context.Background(), "detached", &s, load); err != nil {
			t.Errorf("second caller failed: %v", err)
		}
		secondDone <- s
	}()

	if err := <-firstDone; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("first caller should stop at its own deadline, got %v", err)
	}
	close(release)
	if s := <-secondDone; s != "loaded" {
		t.Errorf("second caller got %q", s)
	}
	if err := loadErr.Load(); err != nil {
		t.Errorf("load saw the first caller's deadline: %v", err)
	}
}
