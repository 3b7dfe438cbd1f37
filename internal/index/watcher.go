// Package index builds the document vector index and keeps the loaded copy
// in sync with what is committed on disk.
package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/abdul-hamid-achik/newsrag/internal/logger"
	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
)

// WatcherConfig configures the artifact watcher.
type WatcherConfig struct {
	// Debounce is the duration to wait before reloading. Several manifest
	// changes within this window cause one reload.
	Debounce time.Duration
}

// DefaultWatcherConfig returns sensible defaults for the watcher.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Debounce: 500 * time.Millisecond,
	}
}

// WatchCallback is called once per debounce window in which the manifest changed.
type WatchCallback func()

// Watcher monitors the artifact directory for new commits made by other
// processes, such as `newsrag index` running next to `newsrag serve`.
type Watcher struct {
	config   WatcherConfig
	watcher  *fsnotify.Watcher
	callback WatchCallback
	dir      string

	pendingMu sync.Mutex
	pending   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher for the artifact directory dir.
func NewWatcher(dir string, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatcherConfig().Debounce
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		config:  cfg,
		watcher: fsWatcher,
		dir:     dir,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// SetCallback sets the function run after the manifest changes.
func (w *Watcher) SetCallback(cb WatchCallback) {
	w.callback = cb
}

// Start begins watching. The directory is created if missing so a first
// build is picked up too.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	return w.watcher.Close()
}

// processEvents processes file system events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn(ctx, "artifact watcher error", "error", err.Error())

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleEvent marks a reload as pending when manifest.json was replaced.
// Writes to build directories are ignored; they only matter once the
// manifest points at them.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != vecindex.ManifestFile {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()
}

func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = false
	w.pendingMu.Unlock()

	if pending && w.callback != nil {
		w.callback()
	}
}

// WatchArtifacts creates a watcher that reloads h whenever a new build is
// committed to its directory.
func WatchArtifacts(ctx context.Context, h *Handle, cfg WatcherConfig) (*Watcher, error) {
	watcher, err := NewWatcher(h.Dir(), cfg)
	if err != nil {
		return nil, err
	}

	watcher.SetCallback(func() {
		if _, err := h.Reload(ctx); err != nil {
			logger.Error(ctx, "index reload failed, keeping current snapshot", err)
		}
	})

	if err := watcher.Start(ctx); err != nil {
		watcher.watcher.Close()
		return nil, err
	}
	return watcher, nil
}
