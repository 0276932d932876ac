package edgecache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher reports changes to a manifest file.
// It watches the parent directory so editors that replace the file by
// renaming over it are still seen.
type ManifestWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	changes  chan struct{}
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewManifestWatcher creates a watcher for path. Bursts of events within
// debounce collapse into one change.
func NewManifestWatcher(path string, debounce time.Duration) (*ManifestWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &ManifestWatcher{
		watcher:  watcher,
		path:     abs,
		debounce: debounce,
		changes:  make(chan struct{}, 1),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (mw *ManifestWatcher) Start() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := mw.watcher.Add(filepath.Dir(mw.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(mw.path), err)
	}

	mw.running = true
	mw.wg.Add(1)
	go mw.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop has exited.
func (mw *ManifestWatcher) Stop() error {
	mw.mu.Lock()
	if !mw.running {
		mw.mu.Unlock()
		return mw.watcher.Close()
	}
	mw.running = false
	mw.mu.Unlock()

	close(mw.done)
	if err := mw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	mw.wg.Wait()
	return nil
}

// Changes receives one value per settled burst of changes.
func (mw *ManifestWatcher) Changes() <-chan struct{} {
	return mw.changes
}

// Errors receives watcher errors.
func (mw *ManifestWatcher) Errors() <-chan error {
	return mw.errors
}

func (mw *ManifestWatcher) processEvents() {
	defer mw.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-mw.done:
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if !mw.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(mw.debounce)
			} else {
				timer.Reset(mw.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			select {
			case mw.changes <- struct{}{}:
			default:
			}

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case mw.errors <- err:
			default:
			}
		}
	}
}

func (mw *ManifestWatcher) relevant(event fsnotify.Event) bool {
	abs, err := filepath.Abs(event.Name)
	if err != nil || abs != mw.path {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)
}

// WatchManifest reloads path whenever it changes and installs it if its
// version is newer. Invalid manifests are logged and skipped. It blocks
// until ctx is cancelled.
func (w *Worker) WatchManifest(ctx context.Context, path string) error {
	mw, err := NewManifestWatcher(path, 100*time.Millisecond)
	if err != nil {
		return err
	}
	if err := mw.Start(); err != nil {
		_ = mw.Stop()
		return err
	}
	defer mw.Stop()

	w.config.Logger.Printf("Watching manifest %s", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mw.Changes():
			m, err := LoadManifest(path)
			if err != nil {
				w.config.Logger.Printf("Warning: ignoring manifest change: %v", err)
				continue
			}
			if _, err := w.Update(ctx, m); err != nil {
				w.config.Logger.Printf("Warning: failed to install manifest %s: %v", m.Version, err)
			}
		case err := <-mw.Errors():
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}
