package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a concurrency-safe in-process Store. It backs local runs
// without a cache server and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	puts   int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Put implements Store.Put. The value is copied.
func (s *MemoryStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[FullKey(namespace, key)] = cp
	s.puts++
	return nil
}

// Get returns the stored value for namespace/key.
func (s *MemoryStore) Get(namespace, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[FullKey(namespace, key)]
	return v, ok
}

// Keys returns all stored full keys, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PutCount returns the number of successful puts, including overwrites.
func (s *MemoryStore) PutCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
