// Package watcher reloads imposters when their config file changes.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/observability"
)

// DefaultDebounce is how long the watcher waits for changes to settle
const DefaultDebounce = 100 * time.Millisecond

// configExtensions are the files that can make up a config file and its includes
var configExtensions = map[string]bool{
	".json": true,
	".yaml": true,
	".yml":  true,
	".ejs":  true,
	".js":   true,
	".tmpl": true,
}

// Watcher monitors the directory of a config file. Included files usually
// live next to it, so any config-like file there triggers a reload.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	reloadFn func() error
	debounce time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce sets how long to wait after the last change before reloading
func WithDebounce(debounce time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = debounce
	}
}

// NewWatcher creates a watcher for the config file, or directory, at path
func NewWatcher(path string, reloadFn func() error, opts ...Option) (*Watcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		dir:      dir,
		watcher:  watcher,
		reloadFn: reloadFn,
		debounce: DefaultDebounce,
		logger:   observability.Named("watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching for file changes
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", w.dir, err)
	}

	go w.watch()

	w.logger.Info("Watching config files", zap.String("dir", w.dir))
	return nil
}

// watch monitors for file system events
func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isConfigFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.logger.Debug("Config file changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

// scheduleReload restarts the debounce timer
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	w.logger.Info("Reloading imposters")
	if err := w.reloadFn(); err != nil {
		w.logger.Error("Failed to reload imposters", zap.Error(err))
		return
	}
	w.logger.Info("Imposters reloaded successfully")
}

// Close stops the watcher and any pending reload
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// isConfigFile checks if a file can be part of a config file
func isConfigFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return configExtensions[strings.ToLower(filepath.Ext(path))]
}
