package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"foreman/internal/shared/async"
	"foreman/internal/shared/logging"
)

const defaultWatchDebounce = 750 * time.Millisecond

// ReloadFunc receives a freshly loaded and validated configuration.
type ReloadFunc func(Config, Metadata)

// Watcher reloads the config file on change and hands the result to its
// subscribers. A reload that fails to parse or validate is logged and the
// previous configuration stays in effect.
type Watcher struct {
	path     string
	opts     []Option
	logger   logging.Logger
	debounce time.Duration

	mu       sync.Mutex
	handlers []ReloadFunc
	timer    *time.Timer
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption customizes watcher behavior.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the debounce window for reloads.
func WithWatchDebounce(debounce time.Duration) WatcherOption {
	return func(w *Watcher) {
		if debounce > 0 {
			w.debounce = debounce
		}
	}
}

func WithWatchLogger(logger logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logging.OrNop(logger) }
}

// WithLoadOptions are passed to Load on every reload, after the path.
func WithLoadOptions(opts ...Option) WatcherOption {
	return func(w *Watcher) { w.opts = append(w.opts, opts...) }
}

// NewWatcher constructs a watcher for the config path.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config path required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		logger:   logging.Nop(),
		debounce: defaultWatchDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnReload registers fn for every successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Start watches the file's directory so editors that replace the file by
// rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		_ = fsWatcher.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = fsWatcher
	w.mu.Unlock()

	async.Go(w.logger, "config.watch", func() { w.watchLoop(fsWatcher) })
	async.Go(w.logger, "config.watch.ctx", func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopCh:
		}
	})
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
			w.watcher = nil
		}
	})
}

// Reload loads the file now and notifies subscribers on success.
func (w *Watcher) Reload() error {
	opts := append([]Option{WithConfigPath(w.path)}, w.opts...)
	cfg, meta, err := Load(opts...)
	if err != nil {
		return err
	}
	w.mu.Lock()
	handlers := append([]ReloadFunc(nil), w.handlers...)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(cfg, meta)
	}
	w.logger.Info("Configuration reloaded from %s", w.path)
	return nil
}

func (w *Watcher) watchLoop(fsWatcher *fsnotify.Watcher) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(event.Name) != w.path {
		return
	}
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		if err := w.Reload(); err != nil {
			w.logger.Warn("Config reload failed, keeping previous settings: %v", err)
		}
	})
}
