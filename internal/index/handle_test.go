package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
)

func TestOpenHandleWithoutArtifacts(t *testing.T) {
	h, err := OpenHandle(context.Background(), t.TempDir(), vecindex.Expect{Dimensions: testDims})
	if err != nil {
		t.Fatalf("OpenHandle failed: %v", err)
	}
	snap := h.Snapshot()
	if snap == nil || snap.Size() != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
	if _, err := snap.Index.Search(make([]float32, testDims), 5); !errors.Is(err, vecindex.ErrEmptyIndex) {
		t.Errorf("expected ErrEmptyIndex from empty snapshot, got %v", err)
	}
}

func TestHandleKeepsSnapshotOnCorruptReload(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(newFlakyProvider(), dir, DefaultBuilderConfig())
	result, err := b.Rebuild(context.Background(), testDocs())
	if err != nil {
		t.Fatal(err)
	}

	h, err := OpenHandle(context.Background(), dir, vecindex.Expect{Dimensions: testDims})
	if err != nil {
		t.Fatalf("OpenHandle failed: %v", err)
	}

	// truncate the committed index behind the handle's back
	if err := os.WriteFile(filepath.Join(dir, result.Manifest.IndexFile), []byte("NRVX"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Reload(context.Background()); !errors.Is(err, vecindex.ErrCorruptIndex) {
		t.Fatalf("expected ErrCorruptIndex, got %v", err)
	}
	if h.Snapshot().BuildID() != result.BuildID || h.Snapshot().Size() != 2 {
		t.Error("corrupt reload replaced the loaded snapshot")
	}
}

func TestWatchArtifactsReloadsOnCommit(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHandle(dir, vecindex.Expect{Dimensions: testDims})
	w, err := WatchArtifacts(ctx, h, WatcherConfig{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("WatchArtifacts failed: %v", err)
	}
	defer w.Stop()

	// a builder without a handle, as a separate `newsrag index` process would be
	b := NewBuilder(newFlakyProvider(), dir, DefaultBuilderConfig())
	result, err := b.Rebuild(ctx, testDocs())
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.Snapshot().BuildID() == result.BuildID {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("handle did not pick up build %s", result.BuildID)
}
