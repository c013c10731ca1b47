// config_watcher.go: Hot reload of installed plugins' configuration files via Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigWatchOptions tunes the Argus watcher behind ConfigWatcher.
type ConfigWatchOptions struct {
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval"`
	CacheTTL        time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	MaxWatchedFiles int           `json:"max_watched_files" yaml:"max_watched_files"`
}

// DefaultConfigWatchOptions returns the options used when none are configured.
func DefaultConfigWatchOptions() ConfigWatchOptions {
	return ConfigWatchOptions{
		PollInterval:    5 * time.Second,
		CacheTTL:        2 * time.Second,
		MaxWatchedFiles: 256,
	}
}

// ConfigReloadFunc reloads the configuration of one installed plugin.
type ConfigReloadFunc func(pluginName string) error

// ConfigWatcher watches the configuration files of installed plugins and asks
// for a reload when one changes. Plugin copies share their bundle's file, so a
// single path can be tracked for several plugin names.
type ConfigWatcher struct {
	watcher *argus.Watcher
	reload  ConfigReloadFunc
	logger  Logger

	mu      sync.Mutex
	tracked map[string]map[string]struct{}
	watched map[string]struct{}

	running  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewConfigWatcher creates a watcher. It does not poll until Start is called.
func NewConfigWatcher(options ConfigWatchOptions, reload ConfigReloadFunc, logger Logger) *ConfigWatcher {
	if logger == nil {
		logger = DefaultLogger()
	}
	defaults := DefaultConfigWatchOptions()
	if options.PollInterval <= 0 {
		options.PollInterval = defaults.PollInterval
	}
	if options.CacheTTL <= 0 {
		options.CacheTTL = defaults.CacheTTL
	}
	if options.MaxWatchedFiles <= 0 {
		options.MaxWatchedFiles = defaults.MaxWatchedFiles
	}

	watcher := argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      options.MaxWatchedFiles,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, path string) {
			logger.Error("Argus file watching error", "error", err, "file", path)
		},
	})

	return &ConfigWatcher{
		watcher: watcher,
		reload:  reload,
		logger:  logger,
		tracked: make(map[string]map[string]struct{}),
		watched: make(map[string]struct{}),
	}
}

// Start begins polling the tracked files.
func (w *ConfigWatcher) Start() error {
	if w.stopped.Load() {
		return NewConfigWatcherError("watcher has been stopped",
			fmt.Errorf("config watcher cannot be restarted"))
	}
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := w.watcher.Start(); err != nil {
		w.running.Store(false)
		return NewConfigWatcherError("failed to start Argus watcher", err)
	}
	w.logger.Info("Plugin configuration watcher started")
	return nil
}

// Stop stops polling. Safe to call more than once.
func (w *ConfigWatcher) Stop() error {
	var stopErr error
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		if !w.running.CompareAndSwap(true, false) {
			return
		}
		if err := w.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop Argus watcher", err)
			return
		}
		w.logger.Info("Plugin configuration watcher stopped")
	})
	return stopErr
}

// IsRunning reports whether the watcher is polling.
func (w *ConfigWatcher) IsRunning() bool {
	return w.running.Load()
}

// Track registers pluginName as a consumer of the file at path.
// A path is handed to Argus only the first time it is tracked.
func (w *ConfigWatcher) Track(pluginName, path string) error {
	path = filepath.Clean(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	names, ok := w.tracked[path]
	if !ok {
		names = make(map[string]struct{})
		w.tracked[path] = names
	}
	names[pluginName] = struct{}{}

	if _, ok := w.watched[path]; ok {
		return nil
	}
	if err := w.watcher.Watch(path, w.handleChange); err != nil {
		delete(names, pluginName)
		return NewConfigWatcherError("failed to watch plugin config file", err).
			WithContext("config_path", path).
			WithContext("plugin_name", pluginName)
	}
	w.watched[path] = struct{}{}
	return nil
}

// Untrack removes pluginName from path. The file stays registered with Argus;
// changes to a path with no consumers are ignored.
func (w *ConfigWatcher) Untrack(pluginName, path string) {
	path = filepath.Clean(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if names, ok := w.tracked[path]; ok {
		delete(names, pluginName)
		if len(names) == 0 {
			delete(w.tracked, path)
		}
	}
}

// Tracked returns the plugin names consuming path, sorted.
func (w *ConfigWatcher) Tracked(path string) []string {
	path = filepath.Clean(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.tracked[path]))
	for n := range w.tracked[path] {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (w *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		w.logger.Warn("Plugin configuration file was deleted, keeping current values", "path", event.Path)
		return
	}

	for _, name := range w.Tracked(event.Path) {
		if err := w.reload(name); err != nil {
			w.logger.Error("Plugin configuration reload failed",
				"plugin", name, "path", event.Path, "error", err)
			continue
		}
		w.logger.Info("Plugin configuration reloaded", "plugin", name, "path", event.Path)
	}
}
