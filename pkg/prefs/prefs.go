// Package prefs хранилища пользовательских настроек софтфона.
//
// MemoryStore живет в памяти процесса, SQLStore сохраняет настройки в SQLite
// через gorm. Оба реализуют callroom.Preferences.
package prefs

import (
	"fmt"
	"sync"

	"github.com/arzzra/roomphone/pkg/callroom"
)

// Драйверы хранилища
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config выбор хранилища настроек
type Config struct {
	Driver string `mapstructure:"driver"`
	// Path - путь к файлу базы для DriverSQLite
	Path string `mapstructure:"path"`
}

// Store хранилище настроек с освобождением ресурсов
type Store interface {
	callroom.Preferences
	Close() error
}

// Open открывает хранилище, указанное в конфигурации
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return OpenSQLStore(cfg.Path)
	default:
		return nil, fmt.Errorf("неизвестный драйвер настроек %q", cfg.Driver)
	}
}

// MemoryStore настройки в памяти процесса
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Close() error { return nil }
