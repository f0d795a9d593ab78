package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeCallback receives a freshly loaded and validated config.
type ChangeCallback func(cfg *Config)

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Path     string
	Debounce time.Duration
	OnChange ChangeCallback
	Logger   zerolog.Logger
}

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	loader   *Loader
	path     string
	debounce time.Duration
	onChange ChangeCallback
	logger   zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
	timerMu  sync.Mutex
	timer    *time.Timer
}

// NewWatcher creates a config watcher. Call Start to begin watching.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		loader:   NewLoader(path),
		path:     path,
		debounce: cfg.Debounce,
		onChange: cfg.OnChange,
		logger:   cfg.Logger.With().Str("component", "config_watcher").Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory holding the config file. Editors often
// replace files by rename, which only the parent directory observes.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Msg("Reloaded config is invalid, keeping previous config")
		return
	}

	w.logger.Info().Msg("Config reloaded")
	w.onChange(cfg)
}
