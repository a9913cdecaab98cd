package store

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Kind names one persisted collection.
type Kind string

const (
	KindBooks    Kind = "books"
	KindNotes    Kind = "notes"
	KindSessions Kind = "reading_sessions"
	KindChats    Kind = "chat_sessions"
)

// Durable persists whole collections. Every SaveAll rewrites the full
// collection for its kind; a missing kind loads as nil, nil.
type Durable interface {
	LoadAll(kind Kind) ([]byte, error)
	SaveAll(kind Kind, payload []byte) error
	Close() error
}

func LoadCollection[T any](d Durable, kind Kind) ([]T, error) {
	payload, err := d.LoadAll(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", kind, err)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	var items []T
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return items, nil
}

func SaveCollection[T any](d Durable, kind Kind, items []T) error {
	if items == nil {
		items = []T{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	if err := d.SaveAll(kind, payload); err != nil {
		return fmt.Errorf("failed to save %s: %w", kind, err)
	}
	return nil
}

// MemoryStore keeps collections in-process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Kind][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Kind][]byte)}
}

func (m *MemoryStore) LoadAll(kind Kind) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.data[kind]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), payload...), nil
}

func (m *MemoryStore) SaveAll(kind Kind, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[kind] = append([]byte(nil), payload...)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
