package index

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/abdul-hamid-achik/newsrag/internal/logger"
	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
)

// Handle owns the loaded index snapshot. Readers take the current snapshot
// and keep using it for the whole query; Reload swaps in a new one.
type Handle struct {
	dir    string
	expect vecindex.Expect

	snap     atomic.Pointer[vecindex.Snapshot]
	reloadMu sync.Mutex
}

// NewHandle creates a handle holding an empty snapshot.
func NewHandle(dir string, expect vecindex.Expect) *Handle {
	h := &Handle{dir: dir, expect: expect}
	h.snap.Store(h.emptySnapshot())
	return h
}

// OpenHandle creates a handle and loads the committed build, if any. On a
// corrupt artifact the handle is still returned, empty, with the error.
func OpenHandle(ctx context.Context, dir string, expect vecindex.Expect) (*Handle, error) {
	h := NewHandle(dir, expect)
	if _, err := h.Reload(ctx); err != nil {
		return h, err
	}
	return h, nil
}

func (h *Handle) emptySnapshot() *vecindex.Snapshot {
	return &vecindex.Snapshot{
		Index: vecindex.NewFlat(h.expect.Dimensions),
		IDs:   vecindex.NewIDMap(),
	}
}

// Snapshot returns the current snapshot. It is never nil.
func (h *Handle) Snapshot() *vecindex.Snapshot {
	return h.snap.Load()
}

// Dir returns the artifact directory.
func (h *Handle) Dir() string {
	return h.dir
}

// Reload opens the artifact directory and swaps the snapshot. A directory
// with no committed build yields an empty snapshot. On any other error the
// current snapshot stays in place.
func (h *Handle) Reload(ctx context.Context) (*vecindex.Manifest, error) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	snap, err := vecindex.Open(h.dir, h.expect)
	if errors.Is(err, vecindex.ErrNoArtifacts) {
		h.snap.Store(h.emptySnapshot())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if current := h.snap.Load(); current.BuildID() == snap.BuildID() {
		return snap.Manifest, nil
	}
	h.snap.Store(snap)

	logger.Info(ctx, "index loaded",
		"build_id", snap.BuildID(),
		"documents", snap.Size(),
		"model", snap.Manifest.Model,
	)
	return snap.Manifest, nil
}
