package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
)

// KeyValueNamespace is a string key-value space shared with other features
// of the application, so the cache must only ever touch its own entries.
type KeyValueNamespace interface {
	// Get returns ok=false when the key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context) ([]string, error)
}

var _ domain.CacheBackend = (*LocalStore)(nil)

// LocalStore keeps each entry JSON-serialized under its cache key. It
// survives restarts and is meant for small, frequently read values.
type LocalStore struct {
	ns KeyValueNamespace
}

func NewLocalStore(ns KeyValueNamespace) *LocalStore {
	return &LocalStore{ns: ns}
}

func (s *LocalStore) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	value, ok, err := s.ns.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		return nil, fmt.Errorf("key %s does not hold a cache entry: %w", key, err)
	}
	return &entry, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, entry *domain.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.ns.Set(ctx, key, string(data))
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	return s.ns.Del(ctx, key)
}

// Clear removes every key whose value parses as a cache entry and leaves
// foreign keys alone.
func (s *LocalStore) Clear(ctx context.Context) error {
	keys, err := s.ns.Keys(ctx)
	if err != nil {
		return err
	}

	var owned []string
	for _, key := range keys {
		value, ok, err := s.ns.Get(ctx, key)
		if err != nil {
			return err
		}
		if ok && isCacheEntry(value) {
			owned = append(owned, key)
		}
	}

	if len(owned) == 0 {
		return nil
	}

	log.Printf("[CACHE] Clearing %d local entries (%d keys left untouched)", len(owned), len(keys)-len(owned))
	return s.ns.Del(ctx, owned...)
}

func isCacheEntry(value string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return false
	}
	_, ok := fields["version"]
	return ok
}
