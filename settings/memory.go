package settings

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mut    sync.RWMutex
	values map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mut.RLock()
	defer m.mut.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.values[key] = value
	return nil
}
