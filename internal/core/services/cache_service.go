package services

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
)

const (
	DefaultCacheTTL     = 5 * time.Minute
	DefaultCacheVersion = "1.0.0"
)

// CacheConfig holds the per-instance defaults. Every field can be
// overridden per call with a CacheOption.
type CacheConfig struct {
	Storage domain.StorageKind
	// TTL of zero or less means entries never expire.
	TTL                  time.Duration
	Compress             bool
	Version              string
	StaleWhileRevalidate bool
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Storage: domain.StorageMemory,
		TTL:     DefaultCacheTTL,
		Version: DefaultCacheVersion,
	}
}

type CacheOption func(*CacheConfig)

func WithStorage(kind domain.StorageKind) CacheOption {
	return func(c *CacheConfig) { c.Storage = kind }
}

func WithTTL(ttl time.Duration) CacheOption {
	return func(c *CacheConfig) { c.TTL = ttl }
}

func WithoutExpiry() CacheOption {
	return func(c *CacheConfig) { c.TTL = 0 }
}

func WithCompression(enabled bool) CacheOption {
	return func(c *CacheConfig) { c.Compress = enabled }
}

func WithVersion(version string) CacheOption {
	return func(c *CacheConfig) { c.Version = version }
}

func WithStaleWhileRevalidate(enabled bool) CacheOption {
	return func(c *CacheConfig) { c.StaleWhileRevalidate = enabled }
}

// CacheResult describes a read. Stale is only ever set when the caller asked
// for stale-while-revalidate, and means the caller must refresh the value.
type CacheResult struct {
	Found bool
	Stale bool
}

// Loader produces a fresh value for GetOrLoad.
type Loader func(ctx context.Context) (any, error)

// CacheService is a best-effort cache: writes report success instead of
// failing, and every read problem is a miss.
type CacheService struct {
	backends map[domain.StorageKind]domain.CacheBackend
	defaults CacheConfig
	now      func() time.Time

	loads singleflight.Group
}

func NewCacheService(defaults CacheConfig, backends map[domain.StorageKind]domain.CacheBackend) *CacheService {
	if defaults.Storage == "" {
		defaults.Storage = domain.StorageMemory
	}
	if defaults.Version == "" {
		defaults.Version = DefaultCacheVersion
	}

	return &CacheService{
		backends: backends,
		defaults: defaults,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for expiry.
func (s *CacheService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *CacheService) Set(ctx context.Context, key string, value any, opts ...CacheOption) bool {
	cfg := s.resolve(opts)

	backend, ok := s.backend(cfg.Storage)
	if !ok {
		return false
	}

	raw, err := json.Marshal(value)
	if err != nil {
		log.Printf("[CACHE] Cannot encode value for key %s: %v", key, err)
		return false
	}

	data := json.RawMessage(raw)
	compressed := false
	if cfg.Compress {
		packed, err := compress(raw)
		if err != nil {
			log.Printf("[CACHE] %v, storing key %s uncompressed", err, key)
		} else {
			data = packed
			compressed = true
		}
	}

	now := s.now().UnixMilli()
	expiresAt := domain.NeverExpires
	if cfg.TTL > 0 {
		expiresAt = now + cfg.TTL.Milliseconds()
	}

	entry := &domain.CacheEntry{
		Data:       data,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		Version:    cfg.Version,
		Compressed: compressed,
	}

	if err := backend.Put(ctx, key, entry); err != nil {
		log.Printf("[CACHE] %s write failed for key %s: %v", cfg.Storage, key, err)
		return false
	}
	return true
}

// Get decodes the cached value for key into dest. dest may be nil when only
// the outcome matters.
func (s *CacheService) Get(ctx context.Context, key string, dest any, opts ...CacheOption) CacheResult {
	cfg := s.resolve(opts)

	raw, stale, ok := s.read(ctx, key, cfg)
	if !ok {
		return CacheResult{}
	}

	if dest != nil {
		if err := json.Unmarshal(raw, dest); err != nil {
			log.Printf("[CACHE] Cannot decode key %s into %T: %v", key, dest, err)
			return CacheResult{}
		}
	}

	return CacheResult{Found: true, Stale: stale}
}

// Has runs the same expiry and version checks as Get.
func (s *CacheService) Has(ctx context.Context, key string, opts ...CacheOption) bool {
	return s.Get(ctx, key, nil, opts...).Found
}

func (s *CacheService) Remove(ctx context.Context, key string, opts ...CacheOption) error {
	cfg := s.resolve(opts)

	backend, ok := s.backend(cfg.Storage)
	if !ok {
		return fmt.Errorf("cache storage %s is not configured", cfg.Storage)
	}

	if err := backend.Delete(ctx, key); err != nil {
		log.Printf("[CACHE] %s delete failed for key %s: %v", cfg.Storage, key, err)
		return err
	}
	return nil
}

func (s *CacheService) Clear(ctx context.Context, opts ...CacheOption) error {
	cfg := s.resolve(opts)

	backend, ok := s.backend(cfg.Storage)
	if !ok {
		return fmt.Errorf("cache storage %s is not configured", cfg.Storage)
	}

	if err := backend.Clear(ctx); err != nil {
		log.Printf("[CACHE] %s clear failed: %v", cfg.Storage, err)
		return err
	}
	return nil
}

// GetOrLoad serves key from the cache, calling loader on a miss. A stale hit
// is returned immediately and refreshed in the background. Concurrent loads
// of the same key share one loader call.
func (s *CacheService) GetOrLoad(ctx context.Context, key string, dest any, loader Loader, opts ...CacheOption) error {
	res := s.Get(ctx, key, dest, opts...)
	if res.Found {
		if res.Stale {
			go s.refresh(context.WithoutCancel(ctx), key, loader, opts)
		}
		return nil
	}

	v, err := s.refresh(ctx, key, loader, opts)
	if err != nil || dest == nil {
		return err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (s *CacheService) refresh(ctx context.Context, key string, loader Loader, opts []CacheOption) (any, error) {
	cfg := s.resolve(opts)
	flightKey := string(cfg.Storage) + ":" + key

	v, err, _ := s.loads.Do(flightKey, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			log.Printf("[CACHE] Loader failed for key %s: %v", key, err)
			return nil, err
		}
		s.Set(ctx, key, value, opts...)
		return value, nil
	})
	return v, err
}

// read returns the decoded JSON payload of a usable entry. Unusable entries
// are purged unless stale-while-revalidate is on.
func (s *CacheService) read(ctx context.Context, key string, cfg CacheConfig) (json.RawMessage, bool, bool) {
	backend, ok := s.backend(cfg.Storage)
	if !ok {
		return nil, false, false
	}

	entry, err := backend.Get(ctx, key)
	if err != nil {
		log.Printf("[CACHE] %s read failed for key %s: %v", cfg.Storage, key, err)
		return nil, false, false
	}
	if entry == nil {
		return nil, false, false
	}

	stale := !entry.Valid(s.now().UnixMilli(), cfg.Version)
	if stale && !cfg.StaleWhileRevalidate {
		s.purge(ctx, backend, key)
		return nil, false, false
	}

	raw := entry.Data
	if entry.Compressed {
		raw, err = decompress(entry.Data)
		if err != nil {
			log.Printf("[CACHE] %v for key %s, cleaning up key", err, key)
			s.purge(ctx, backend, key)
			return nil, false, false
		}
	}

	return raw, stale, true
}

func (s *CacheService) purge(ctx context.Context, backend domain.CacheBackend, key string) {
	if err := backend.Delete(ctx, key); err != nil {
		log.Printf("[CACHE] Failed to purge key %s: %v", key, err)
	}
}

func (s *CacheService) resolve(opts []CacheOption) CacheConfig {
	cfg := s.defaults
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (s *CacheService) backend(kind domain.StorageKind) (domain.CacheBackend, bool) {
	b, ok := s.backends[kind]
	if !ok || b == nil {
		log.Printf("[CACHE] Storage %s is not configured", kind)
		return nil, false
	}
	return b, true
}

// compress gzips raw JSON and wraps it as a JSON string (base64).
func compress(raw []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCompression, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCompression, err)
	}

	packed, err := json.Marshal(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCompression, err)
	}
	return packed, nil
}

func decompress(data json.RawMessage) (json.RawMessage, error) {
	var packed []byte
	if err := json.Unmarshal(data, &packed); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCompression, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCompression, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCompression, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: decompressed data is not JSON", domain.ErrCompression)
	}
	return raw, nil
}
