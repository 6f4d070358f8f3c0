package kvstore

import (
	"sort"
	"sync"

	"github.com/DDChuru/inspectsync/internal/errors"
)

// MemoryStore is an in-memory Store for tests and ephemeral sessions. An
// optional byte budget makes it fail the way a full device does, so the
// capacity path is exercisable without filling a disk.
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]string
	maxBytes int
	used     int
}

// NewMemoryStore creates an unbounded in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

// NewBoundedMemoryStore creates a store that rejects writes once the total
// size of keys and values would exceed maxBytes.
func NewBoundedMemoryStore(maxBytes int) *MemoryStore {
	return &MemoryStore{items: make(map[string]string), maxBytes: maxBytes}
}

// GetItem returns the value for key.
func (s *MemoryStore) GetItem(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	return value, ok, nil
}

// SetItem writes the value for key, enforcing the byte budget if set.
func (s *MemoryStore) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.used + len(key) + len(value)
	if prev, ok := s.items[key]; ok {
		next -= len(key) + len(prev)
	}
	if s.maxBytes > 0 && next > s.maxBytes {
		return errors.New(errors.ErrStorageCapacity, "local storage exhausted")
	}

	s.items[key] = value
	s.used = next
	return nil
}

// RemoveItem deletes the key.
func (s *MemoryStore) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[key]; ok {
		s.used -= len(key) + len(prev)
		delete(s.items, key)
	}
	return nil
}

// GetAllKeys returns every stored key in sorted order.
func (s *MemoryStore) GetAllKeys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// MultiRemove deletes every listed key.
func (s *MemoryStore) MultiRemove(keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if prev, ok := s.items[key]; ok {
			s.used -= len(key) + len(prev)
			delete(s.items, key)
		}
	}
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
