package kvstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a mutex-guarded in-memory store preserving insertion order,
// making it a FIFO-ordered backend.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	order  []string
	seq    uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Write upserts the value under key.
func (s *MemoryStore) Write(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value)
	return nil
}

// WriteOnce writes the value only if the key is absent.
func (s *MemoryStore) WriteOnce(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.values[key]; exists {
		return ErrKeyExists
	}
	s.put(key, value)
	return nil
}

// put inserts or replaces a value, tracking insertion order for new keys.
// Callers must hold s.mu.
func (s *MemoryStore) put(key string, value []byte) {
	if _, exists := s.values[key]; !exists {
		s.order = append(s.order, key)
	}
	s.values[key] = append([]byte(nil), value...)
}

// Read returns the value stored under key.
func (s *MemoryStore) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

// Pop atomically reads and removes the value under key.
func (s *MemoryStore) Pop(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	s.remove(key)
	return value, nil
}

// Delete removes key; absent keys are a no-op.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		s.remove(key)
	}
	return nil
}

// remove drops a key from both the value map and the order slice.
// Callers must hold s.mu.
func (s *MemoryStore) remove(key string) {
	delete(s.values, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Keys returns a snapshot of stored keys in insertion order.
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

// Push writes value under a fresh sequence-based key and returns it.
func (s *MemoryStore) Push(_ context.Context, value []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	key := fmt.Sprintf("%020d", s.seq)
	s.put(key, value)
	return key, nil
}

var _ Store = (*MemoryStore)(nil)
