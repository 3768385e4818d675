// Package watch reloads the core when profile files change on disk.
package watch

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of editor writes into one reload.
const DefaultDebounce = 300 * time.Millisecond

// ProfileWatcher invokes a callback after files in the profiles directory
// settle.
type ProfileWatcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	callback func(ctx context.Context) error
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending map[string]struct{}
}

// NewProfileWatcher watches dir. callback runs once per debounced burst.
func NewProfileWatcher(dir string, debounce time.Duration, callback func(ctx context.Context) error) (*ProfileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch: add %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &ProfileWatcher{
		dir:      dir,
		watcher:  w,
		callback: callback,
		debounce: debounce,
		pending:  make(map[string]struct{}),
	}, nil
}

// Run processes events until ctx is done or the watcher is closed.
func (w *ProfileWatcher) Run(ctx context.Context) {
	log.Printf("[Watch] watching %s", w.dir)
	defer w.stopTimer()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Watch] watcher error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the underlying watcher.
func (w *ProfileWatcher) Close() error {
	w.stopTimer()
	return w.watcher.Close()
}

func (w *ProfileWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if !isProfileFile(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[filepath.Base(event.Name)] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.fire(ctx) })
}

func (w *ProfileWatcher) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.mu.Lock()
	names := make([]string, 0, len(w.pending))
	for name := range w.pending {
		names = append(names, name)
	}
	clear(w.pending)
	w.timer = nil
	w.mu.Unlock()

	log.Printf("[Watch] profile files changed: %s", strings.Join(names, ", "))
	if err := w.callback(ctx); err != nil {
		log.Printf("[Watch] reload failed: %v", err)
	}
}

func (w *ProfileWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func isProfileFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".js":
		return true
	default:
		return false
	}
}
