package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives the freshly validated configuration after the watched
// file changes.
type ReloadFunc func(cfg *Config)

// Watcher reloads the configuration file on change and fans the new
// configuration out to registered callbacks. Only callbacks decide which
// fields take effect at runtime; everything else waits for a restart.
type Watcher struct {
	path   string
	logger zerolog.Logger

	mu        sync.Mutex
	callbacks []ReloadFunc
	current   *Config
}

// NewWatcher creates a watcher for the config file at path, seeded with the
// currently loaded configuration.
func NewWatcher(path string, current *Config, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:    path,
		logger:  logger.With().Str("component", "config").Logger(),
		current: current,
	}
}

// OnReload registers a callback invoked after every successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Watch blocks watching the config file until ctx ends. Editors replace
// files rather than writing in place, so the parent directory is watched and
// events are debounced before reloading.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	w.logger.Info().Str("path", w.path).Msg("watching configuration file")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			w.reload()
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(werr).Msg("config watcher error")
		}
	}
}

// reload parses the file and notifies callbacks. A file that fails to parse
// or validate leaves the running configuration untouched.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("config reload rejected")
		return
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info().Msg("configuration reloaded")
	for _, fn := range callbacks {
		fn(cfg)
	}
}
