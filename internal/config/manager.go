package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigFile is the watched file name under the data directory.
const ConfigFile = "config.yaml"

// reloadSettle absorbs the burst of write events editors emit for a single
// save before the file is re-read.
const reloadSettle = 50 * time.Millisecond

// ReloadHandler is notified after a successful reload with the previous
// and the freshly loaded configuration.
type ReloadHandler func(old, cur *Config)

// Manager watches the data directory and reloads config.yaml when it
// changes. A reload that fails to parse or validate keeps the last good
// configuration in place. Handlers decide which settings apply live;
// everything else takes effect on the next restart.
type Manager struct {
	dataDir string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	mu       sync.RWMutex
	current  *Config
	handlers []ReloadHandler
}

// NewManager creates a manager seeded with the already loaded
// configuration. The data directory is created if missing so the watch
// can be established before the first config file appears.
func NewManager(dataDir string, initial *Config, logger *zap.Logger) (*Manager, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	if initial == nil {
		return nil, fmt.Errorf("initial configuration required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Manager{
		dataDir: dataDir,
		watcher: watcher,
		logger:  logger,
		stopCh:  make(chan struct{}),
		current: initial,
	}, nil
}

// OnReload registers a handler invoked after every successful reload.
// Handlers run on the watch goroutine, so they must not block.
func (m *Manager) OnReload(h ReloadHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Current returns the last good configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Start begins watching the data directory.
func (m *Manager) Start() error {
	var err error
	m.startOnce.Do(func() {
		if err = m.watcher.Add(m.dataDir); err != nil {
			err = fmt.Errorf("watch %s: %w", m.dataDir, err)
			return
		}
		go m.watchLoop()
		m.logger.Info("Configuration watch started",
			zap.String("path", filepath.Join(m.dataDir, ConfigFile)))
	})
	return err
}

// Stop ends the watch. The last good configuration stays readable.
func (m *Manager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		err = m.watcher.Close()
	})
	return err
}

// Reload re-reads the config file immediately. On failure the previous
// configuration stands and the error is returned.
func (m *Manager) Reload() error {
	cur, err := Load(m.dataDir)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current
	m.current = cur
	handlers := make([]ReloadHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(old, cur)
	}
	m.logger.Info("Configuration reloaded",
		zap.String("file", ConfigFile))
	return nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Configuration watch error", zap.Error(err))
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != ConfigFile {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0:
		time.Sleep(reloadSettle)
		if err := m.Reload(); err != nil {
			m.logger.Error("Configuration reload rejected, keeping last good config",
				zap.Error(err))
		}
	case event.Op&fsnotify.Remove != 0:
		// Deleting the file falls back to defaults only on restart; the
		// running daemon keeps what it has.
		m.logger.Warn("Configuration file removed, keeping last good config")
	}
}
