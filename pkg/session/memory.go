package session

import (
	"sync"

	"github.com/daviddao/tagged/pkg/model"
)

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[model.Scope]map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[model.Scope]map[string]string)}
}

func (m *MemoryStorage) GetItem(scope model.Scope, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[scope][key]
	return v, ok, nil
}

func (m *MemoryStorage) SetItem(scope model.Scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[scope] == nil {
		m.items[scope] = make(map[string]string)
	}
	m.items[scope][key] = value
	return nil
}

func (m *MemoryStorage) RemoveItem(scope model.Scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items[scope], key)
	return nil
}

func (m *MemoryStorage) Clear(scope model.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, scope)
	return nil
}

var _ Storage = (*MemoryStorage)(nil)
