package registry

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

type memoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore returns a process-local Store.
func NewMemoryStore() Store {
	return &memoryStore{docs: map[string][]byte{}}
}

func (m *memoryStore) Get(_ context.Context, id string) (Entry, error) {
	m.mu.RLock()
	b, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{ID: id, Doc: append(json.RawMessage(nil), b...)}, nil
}

func (m *memoryStore) Put(_ context.Context, id string, doc json.RawMessage) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := ValidateDocument(doc); err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[id] = append([]byte(nil), doc...)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

func (m *memoryStore) Close() error { return nil }
