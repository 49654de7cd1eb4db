package memory

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"impulseguard/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the memory directory for out-of-band edits to the four
// files (a user editing Goals.md by hand, a sync tool rewriting Budget.md)
// and notifies a callback once events settle past a debounce window. The
// callback typically marks the vector index stale.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	dir         string
	onChange    func(file string)
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher over a memory directory. onChange receives the
// base name of the changed memory file.
func NewWatcher(dir string, onChange func(file string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		dir:         dir,
		onChange:    onChange,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		logging.Get(logging.CategoryMemory).Warn("Watcher: failed to watch %s: %v", w.dir, err)
	} else {
		logging.Memory("Watcher: watching directory: %s", w.dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryMemory).Error("Watcher: error closing: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
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
			logging.Get(logging.CategoryMemory).Error("Watcher error: %v", err)
		case <-ticker.C:
			w.flushDebounced()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !IsMemoryFile(name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	logging.MemoryDebug("Watcher: %s event for %s", event.Op, name)

	w.mu.Lock()
	w.debounceMap[name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flushDebounced() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for file, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, file)
			delete(w.debounceMap, file)
		}
	}
	w.mu.Unlock()

	for _, file := range settled {
		logging.Memory("Watcher: external change settled for %s", file)
		w.onChange(file)
	}
}
