package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// ConfigWatcher reloads configuration when files under the loader's base path
// change. Hot reload is only enabled in development.
type ConfigWatcher struct {
	loader    *Loader
	config    *Config
	callbacks []func(*Config)
	mu        sync.RWMutex
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// WatcherOption customizes a ConfigWatcher.
type WatcherOption func(*ConfigWatcher)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *ConfigWatcher) { w.debounce = d }
}

// NewConfigWatcher creates a watcher seeded with initial.
func NewConfigWatcher(loader *Loader, initial *Config, logger *zap.Logger, opts ...WatcherOption) (*ConfigWatcher, error) {
	w := &ConfigWatcher{
		loader:   loader,
		config:   initial,
		logger:   logger.Named("config"),
		debounce: defaultDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if !initial.IsDevelopment() {
		w.logger.Info("Configuration hot reloading disabled",
			zap.String("environment", string(initial.Environment)),
		)
		return w, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = fsWatcher

	if err := w.watchConfigFiles(); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config files: %w", err)
	}

	go w.watchLoop()

	w.logger.Info("Configuration hot reloading enabled",
		zap.String("path", loader.BasePath()),
	)
	return w, nil
}

// watchConfigFiles watches the base directory. Editors often replace files
// instead of writing them, so the directory is watched rather than each file.
func (w *ConfigWatcher) watchConfigFiles() error {
	dir := w.loader.BasePath()
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			w.logger.Debug("Config directory missing, nothing to watch", zap.String("path", dir))
			return nil
		}
		return err
	}
	return w.watcher.Add(dir)
}

func (w *ConfigWatcher) watchLoop() {
	defer w.watcher.Close()

	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !isConfigFile(event.Name) {
				continue
			}

			w.logger.Debug("Configuration file changed",
				zap.String("file", event.Name),
				zap.String("operation", event.Op.String()),
			)

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reloadConfig)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// reloadConfig reloads and, if valid and changed, publishes the new configuration.
func (w *ConfigWatcher) reloadConfig() {
	newConfig, err := w.loader.Load()
	if err != nil {
		w.logger.Error("Invalid configuration after reload, keeping previous", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.config
	if configsEqual(old, newConfig) {
		w.mu.Unlock()
		w.logger.Debug("Configuration unchanged after reload")
		return
	}
	w.config = newConfig
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for i, cb := range callbacks {
		w.notify(i, cb, newConfig)
	}

	w.logger.Info("Configuration reloaded",
		zap.Strings("sources", newConfig.LoadedFrom),
		zap.Int("callbacks_notified", len(callbacks)),
	)
}

func (w *ConfigWatcher) notify(idx int, cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Config callback panicked",
				zap.Int("callback_index", idx),
				zap.Any("panic", r),
			)
		}
	}()
	cb(cfg)
}

// OnChange registers a callback invoked after each successful reload.
func (w *ConfigWatcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// GetConfig returns the current configuration.
func (w *ConfigWatcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Stop stops the watcher. It is safe to call more than once.
func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func configsEqual(a, b *Config) bool {
	ac, bc := *a, *b
	ac.LoadedFrom, bc.LoadedFrom = nil, nil
	return reflect.DeepEqual(ac, bc)
}

func isConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return filepath.Base(path) == ".env"
}
