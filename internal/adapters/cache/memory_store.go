package cache

import (
	"context"
	"sync"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
)

var _ domain.CacheBackend = (*MemoryStore)(nil)

// MemoryStore is the fastest backend and is lost with the process. Each
// cache service owns its own instance.
type MemoryStore struct {
	entries map[string]domain.CacheEntry

	mu sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]domain.CacheEntry),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, entry *domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = *entry
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]domain.CacheEntry)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
