package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ChangeHandler is called with the new configuration after a reload.
type ChangeHandler func(cfg *Config)

// Manager holds the current configuration and reloads it when the file
// changes on disk.
type Manager struct {
	v        *viper.Viper
	path     string
	logger   *zap.Logger
	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
}

// NewManager loads path and returns a manager serving it.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	v := NewViper()
	if err := read(v, path); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Manager{v: v, path: path, logger: logger, current: cfg}, nil
}

// Current returns the active configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler invoked after every successful reload.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Watch starts watching the config file. No-op when no file was loaded.
func (m *Manager) Watch() {
	if m.v.ConfigFileUsed() == "" {
		return
	}
	m.v.OnConfigChange(m.handleEvent)
	m.v.WatchConfig()
	m.logger.Info("Watching configuration", zap.String("path", m.v.ConfigFileUsed()))
}

func (m *Manager) handleEvent(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	m.reload(e.Name)
}

func (m *Manager) reload(file string) {
	cfg, err := decode(m.v)
	if err != nil {
		m.logger.Error("Rejected configuration reload", zap.String("file", file), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.current = cfg
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("Configuration reloaded", zap.String("file", file))
	for _, h := range handlers {
		h(cfg)
	}
}
