package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// NeverExpires marks an entry written without a TTL.
const NeverExpires int64 = math.MaxInt64

type StorageKind string

const (
	StorageMemory  StorageKind = "memory"
	StorageLocal   StorageKind = "localStorage"
	StorageIndexed StorageKind = "indexedDB"
)

func ParseStorageKind(s string) (StorageKind, error) {
	switch k := StorageKind(s); k {
	case StorageMemory, StorageLocal, StorageIndexed:
		return k, nil
	}
	return "", fmt.Errorf("unknown cache storage %q", s)
}

type CacheEntry struct {
	// Data is the JSON value, or a JSON string with base64 gzip bytes when Compressed.
	Data       json.RawMessage `json:"data" db:"data"`
	CreatedAt  int64           `json:"createdAt" db:"created_at"`
	ExpiresAt  int64           `json:"expiresAt" db:"expires_at"`
	Version    string          `json:"version" db:"version"`
	Compressed bool            `json:"compressed" db:"compressed"`
}

func (e *CacheEntry) Expired(nowMs int64) bool {
	return nowMs > e.ExpiresAt
}

// Valid reports whether the entry can be served as fresh data.
func (e *CacheEntry) Valid(nowMs int64, version string) bool {
	return !e.Expired(nowMs) && e.Version == version
}

// CacheBackend is one of the interchangeable stores behind the cache service.
type CacheBackend interface {
	// Get returns (nil, nil) when the key is absent.
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Put(ctx context.Context, key string, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	// Clear removes every cache entry the backend owns, and nothing else.
	Clear(ctx context.Context) error
}
