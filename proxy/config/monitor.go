package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 200 * time.Millisecond

// Monitor owns the model mapping loaded from the config file. The mapping is
// replaced wholesale on every reload, never merged, so concurrent readers
// always observe a complete mapping. Registered callbacks fire after a
// successful reload.
type Monitor struct {
	mu        sync.Mutex
	path      string
	cfg       Config
	callbacks []func()
	watcher   *fsnotify.Watcher
	done      chan struct{}
	logger    zerolog.Logger
}

// NewMonitor loads the config file once. A missing or unparsable file is not
// fatal: the monitor starts with an empty mapping and logs the problem, the
// same way it would on a bad reload.
func NewMonitor(path string, logger zerolog.Logger) *Monitor {
	m := &Monitor{
		path:   path,
		cfg:    Config{Models: map[string]ModelConfig{}},
		logger: logger.With().Str("component", "config").Logger(),
	}
	if err := m.Reload(); err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("could not load config, starting with empty model list")
	}
	return m
}

// Get returns the current configuration. The returned value shares the
// mapping with the monitor but the mapping itself is never mutated in place.
func (m *Monitor) Get() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Monitor) GetModels() map[string]ModelConfig {
	return m.Get().Models
}

// OnChange registers a callback invoked after every successful reload
// triggered by the file watcher.
func (m *Monitor) OnChange(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Reload re-reads the config file and swaps the mapping in. On error the
// previous mapping stays in place.
func (m *Monitor) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	count := len(cfg.Models)
	m.mu.Unlock()
	m.logger.Info().Int("models", count).Str("path", m.path).Msg("config loaded")
	return nil
}

// Watch starts watching the config file for changes. Events are debounced
// because editors typically produce several write events per save, and the
// file is re-added after rename-style saves.
func (m *Monitor) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = watcher
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.watchLoop(watcher)
	m.logger.Info().Str("path", m.path).Msg("watching config file for changes")
	return nil
}

func (m *Monitor) watchLoop(watcher *fsnotify.Watcher) {
	base := filepath.Base(m.path)
	var debounce *time.Timer
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, m.reloadAndNotify)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn().Err(err).Msg("config watch error")
		}
	}
}

func (m *Monitor) reloadAndNotify() {
	if _, err := os.Stat(m.path); err != nil {
		m.logger.Warn().Err(err).Msg("config file unavailable, keeping current mapping")
		return
	}
	m.logger.Info().Msg("config change detected, reloading")
	if err := m.Reload(); err != nil {
		m.logger.Warn().Err(err).Msg("config reload failed, keeping current mapping")
		return
	}
	m.mu.Lock()
	callbacks := make([]func(), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()
	for _, callback := range callbacks {
		callback()
	}
}

func (m *Monitor) Close() error {
	m.mu.Lock()
	watcher := m.watcher
	done := m.done
	m.watcher = nil
	m.done = nil
	m.mu.Unlock()

	if done != nil {
		close(done)
	}
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}
