package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultReloadDebounce coalesces bursts of writes to the connections file.
const DefaultReloadDebounce = 250 * time.Millisecond

const reloadTimeout = 10 * time.Second

// ConfigWatcher merges external edits of the connections file into the
// registry. It watches the file's directory so atomic replace-by-rename
// writes are seen.
type ConfigWatcher struct {
	registry *ConnectionRegistry
	path     string
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	reloads atomic.Int64
	logger  *zap.Logger
}

func NewConfigWatcher(registry *ConnectionRegistry, debounce time.Duration, logger *zap.Logger) *ConfigWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	return &ConfigWatcher{
		registry: registry,
		path:     filepath.Clean(registry.store.Path()),
		debounce: debounce,
		logger:   logger.Named("config-watcher"),
	}
}

// Start begins watching. The directory is created if missing.
func (w *ConfigWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("config watcher already running")
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config directory %s: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	w.running = true
	w.wg.Add(1)
	go w.processEvents(watcher, w.done)

	w.logger.Info("Watching connections file", zap.String("path", w.path))
	return nil
}

func (w *ConfigWatcher) processEvents(watcher *fsnotify.Watcher, done <-chan struct{}) {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-done:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *ConfigWatcher) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	w.reloads.Add(1)
	ids, err := w.registry.LoadAll(ctx)
	if err != nil {
		w.logger.Error("Failed to reload connections file",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	w.logger.Debug("Reloaded connections file",
		zap.String("path", w.path),
		zap.Int("connections", len(ids)))
}

// Reloads returns how many reloads have run.
func (w *ConfigWatcher) Reloads() int64 { return w.reloads.Load() }

// Close stops watching and waits for the event loop. Safe to call more
// than once.
func (w *ConfigWatcher) Close() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.done)
	watcher := w.watcher
	w.mu.Unlock()

	err := watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}
