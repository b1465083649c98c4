package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comitanigiacomo/caresync/internal/adapters/cache"
	"github.com/comitanigiacomo/caresync/internal/adapters/repository"
	"github.com/comitanigiacomo/caresync/internal/core/domain"
	"github.com/comitanigiacomo/caresync/internal/core/services"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sharedNamespace struct {
	mu   sync.Mutex
	data map[string]string
}

func newSharedNamespace() *sharedNamespace {
	return &sharedNamespace{data: make(map[string]string)}
}

func (n *sharedNamespace) Get(ctx context.Context, key string) (string, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.data[key]
	return v, ok, nil
}

func (n *sharedNamespace) Set(ctx context.Context, key, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.data[key] = value
	return nil
}

func (n *sharedNamespace) Del(ctx context.Context, keys ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, k := range keys {
		delete(n.data, k)
	}
	return nil
}

func (n *sharedNamespace) Keys(ctx context.Context) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, 0, len(n.data))
	for k := range n.data {
		keys = append(keys, k)
	}
	return keys, nil
}

type failingBackend struct{}

func (failingBackend) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	return nil, errors.New("quota exceeded")
}

func (failingBackend) Put(ctx context.Context, key string, entry *domain.CacheEntry) error {
	return errors.New("quota exceeded")
}

func (failingBackend) Delete(ctx context.Context, key string) error {
	return errors.New("quota exceeded")
}

func (failingBackend) Clear(ctx context.Context) error {
	return errors.New("quota exceeded")
}

type testBackends struct {
	memory *cache.MemoryStore
	shared *sharedNamespace
	object *cache.ObjectStore
}

func (b testBackends) asMap() map[domain.StorageKind]domain.CacheBackend {
	return map[domain.StorageKind]domain.CacheBackend{
		domain.StorageMemory:  b.memory,
		domain.StorageLocal:   cache.NewLocalStore(b.shared),
		domain.StorageIndexed: b.object,
	}
}

func setupCacheService(t *testing.T, cfg services.CacheConfig) (*services.CacheService, testBackends, *fakeClock) {
	t.Helper()
	ctx := context.Background()

	db, err := repository.Connect(ctx, repository.DriverSQLite, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.Migrate(ctx, db))

	backends := testBackends{
		memory: cache.NewMemoryStore(),
		shared: newSharedNamespace(),
		object: cache.NewObjectStore(db),
	}

	clock := newFakeClock()
	svc := services.NewCacheService(cfg, backends.asMap())
	svc.SetClock(clock.Now)
	return svc, backends, clock
}

type carePlan struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Tasks   []string `json:"tasks"`
	Visits  int      `json:"visits"`
	Private bool     `json:"private"`
}

func TestCacheService_RoundTrip(t *testing.T) {
	ctx := context.Background()
	plan := carePlan{
		ID:     "cp-42",
		Title:  "Evening routine",
		Tasks:  []string{"medication", "dinner", "mobility check"},
		Visits: 3,
	}

	storages := []domain.StorageKind{domain.StorageMemory, domain.StorageLocal, domain.StorageIndexed}

	for _, storage := range storages {
		for _, compress := range []bool{false, true} {
			name := string(storage)
			if compress {
				name += "/compressed"
			}

			t.Run(name, func(t *testing.T) {
				svc, _, _ := setupCacheService(t, services.DefaultCacheConfig())
				opts := []services.CacheOption{services.WithStorage(storage), services.WithCompression(compress)}

				require.True(t, svc.Set(ctx, "plan:cp-42", plan, opts...))

				var got carePlan
				res := svc.Get(ctx, "plan:cp-42", &got, opts...)
				assert.True(t, res.Found)
				assert.False(t, res.Stale)
				assert.Equal(t, plan, got)
				assert.True(t, svc.Has(ctx, "plan:cp-42", opts...))

				require.NoError(t, svc.Remove(ctx, "plan:cp-42", opts...))
				assert.False(t, svc.Has(ctx, "plan:cp-42", opts...))
			})
		}
	}
}

func TestCacheService_Expiry(t *testing.T) {
	ctx := context.Background()

	t.Run("Expired entries miss and are purged", func(t *testing.T) {
		svc, backends, clock := setupCacheService(t, services.DefaultCacheConfig())

		require.True(t, svc.Set(ctx, "k", "v", services.WithTTL(time.Second)))

		clock.Advance(time.Second)
		assert.True(t, svc.Has(ctx, "k"), "still valid at the exact expiry instant")

		clock.Advance(500 * time.Millisecond)
		var v string
		assert.False(t, svc.Get(ctx, "k", &v).Found)
		assert.Equal(t, 0, backends.memory.Len())
	})

	t.Run("Stale-while-revalidate returns expired data flagged stale", func(t *testing.T) {
		svc, backends, clock := setupCacheService(t, services.DefaultCacheConfig())

		require.True(t, svc.Set(ctx, "k", "v", services.WithTTL(time.Second)))
		clock.Advance(1500 * time.Millisecond)

		var v string
		res := svc.Get(ctx, "k", &v, services.WithStaleWhileRevalidate(true))
		assert.Equal(t, services.CacheResult{Found: true, Stale: true}, res)
		assert.Equal(t, "v", v)
		assert.Equal(t, 1, backends.memory.Len(), "stale entries are kept")
	})

	t.Run("Entries without expiry never expire", func(t *testing.T) {
		svc, _, clock := setupCacheService(t, services.DefaultCacheConfig())

		require.True(t, svc.Set(ctx, "k", "v", services.WithoutExpiry()))
		clock.Advance(365 * 24 * time.Hour)
		assert.True(t, svc.Has(ctx, "k"))
	})
}

func TestCacheService_VersionInvalidation(t *testing.T) {
	ctx := context.Background()
	svc, backends, _ := setupCacheService(t, services.DefaultCacheConfig())

	require.True(t, svc.Set(ctx, "schema", map[string]int{"fields": 4}, services.WithVersion("1.0.0")))
	assert.True(t, svc.Has(ctx, "schema", services.WithVersion("1.0.0")))

	assert.False(t, svc.Has(ctx, "schema", services.WithVersion("2.0.0")))
	assert.Equal(t, 0, backends.memory.Len())
}

func TestCacheService_ClearLocalStorageKeepsForeignKeys(t *testing.T) {
	ctx := context.Background()
	svc, backends, _ := setupCacheService(t, services.DefaultCacheConfig())
	local := services.WithStorage(domain.StorageLocal)

	require.NoError(t, backends.shared.Set(ctx, "user-theme", "dark"))
	require.True(t, svc.Set(ctx, "a", 1, local))
	require.True(t, svc.Set(ctx, "b", 2, local))

	require.NoError(t, svc.Clear(ctx, local))

	assert.False(t, svc.Has(ctx, "a", local))
	assert.False(t, svc.Has(ctx, "b", local))

	theme, ok, err := backends.shared.Get(ctx, "user-theme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dark", theme)
}

func TestCacheService_ClearIsPerStorage(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupCacheService(t, services.DefaultCacheConfig())
	indexed := services.WithStorage(domain.StorageIndexed)

	require.True(t, svc.Set(ctx, "k", "memory"))
	require.True(t, svc.Set(ctx, "k", "indexed", indexed))

	require.NoError(t, svc.Clear(ctx))

	assert.False(t, svc.Has(ctx, "k"))
	var v string
	assert.True(t, svc.Get(ctx, "k", &v, indexed).Found)
	assert.Equal(t, "indexed", v)
}

func TestCacheService_BestEffort(t *testing.T) {
	ctx := context.Background()

	t.Run("Backend write failure reports false", func(t *testing.T) {
		svc := services.NewCacheService(services.DefaultCacheConfig(), map[domain.StorageKind]domain.CacheBackend{
			domain.StorageMemory: failingBackend{},
		})

		assert.False(t, svc.Set(ctx, "k", "v"))
		assert.False(t, svc.Has(ctx, "k"))
	})

	t.Run("Unconfigured storage", func(t *testing.T) {
		svc := services.NewCacheService(services.DefaultCacheConfig(), map[domain.StorageKind]domain.CacheBackend{})

		assert.False(t, svc.Set(ctx, "k", "v"))
		assert.False(t, svc.Get(ctx, "k", nil).Found)
		assert.Error(t, svc.Remove(ctx, "k"))
		assert.Error(t, svc.Clear(ctx))
	})

	t.Run("Unencodable value reports false", func(t *testing.T) {
		svc, _, _ := setupCacheService(t, services.DefaultCacheConfig())
		assert.False(t, svc.Set(ctx, "k", make(chan int)))
	})

	t.Run("Corrupted compressed entry is a miss and is purged", func(t *testing.T) {
		svc, backends, clock := setupCacheService(t, services.DefaultCacheConfig())

		now := clock.Now().UnixMilli()
		require.NoError(t, backends.memory.Put(ctx, "k", &domain.CacheEntry{
			Data:       json.RawMessage(`"%%%not-base64%%%"`),
			CreatedAt:  now,
			ExpiresAt:  now + 60_000,
			Version:    services.DefaultCacheVersion,
			Compressed: true,
		}))

		assert.False(t, svc.Has(ctx, "k"))
		assert.Equal(t, 0, backends.memory.Len())
	})

	t.Run("Value that does not fit the destination is a miss", func(t *testing.T) {
		svc, _, _ := setupCacheService(t, services.DefaultCacheConfig())
		require.True(t, svc.Set(ctx, "k", "text"))

		var n int
		assert.False(t, svc.Get(ctx, "k", &n).Found)
	})
}

func TestCacheService_GetOrLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("Loads on miss then serves from cache", func(t *testing.T) {
		svc, _, _ := setupCacheService(t, services.DefaultCacheConfig())

		var calls int32
		loader := func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return carePlan{ID: "cp-1", Title: "Morning"}, nil
		}

		var first, second carePlan
		require.NoError(t, svc.GetOrLoad(ctx, "plan:cp-1", &first, loader))
		require.NoError(t, svc.GetOrLoad(ctx, "plan:cp-1", &second, loader))

		assert.Equal(t, "Morning", first.Title)
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("Loader errors are returned and nothing is cached", func(t *testing.T) {
		svc, _, _ := setupCacheService(t, services.DefaultCacheConfig())
		boom := errors.New("upstream down")

		err := svc.GetOrLoad(ctx, "k", nil, func(ctx context.Context) (any, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, svc.Has(ctx, "k"))
	})

	t.Run("Concurrent misses share one load", func(t *testing.T) {
		svc, _, _ := setupCacheService(t, services.DefaultCacheConfig())

		var calls int32
		release := make(chan struct{})
		loader := func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return "loaded", nil
		}

		var wg sync.WaitGroup
		values := make([]string, 5)
		for i := range values {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = svc.GetOrLoad(ctx, "k", &values[i], loader)
			}(i)
		}

		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		for _, v := range values {
			assert.Equal(t, "loaded", v)
		}
	})

	t.Run("Stale hit is served and refreshed in the background", func(t *testing.T) {
		svc, _, clock := setupCacheService(t, services.DefaultCacheConfig())
		swr := services.WithStaleWhileRevalidate(true)
		ttl := services.WithTTL(time.Second)

		require.True(t, svc.Set(ctx, "k", "old", ttl))
		clock.Advance(2 * time.Second)

		var v string
		err := svc.GetOrLoad(ctx, "k", &v, func(ctx context.Context) (any, error) {
			return "new", nil
		}, swr, ttl)
		require.NoError(t, err)
		assert.Equal(t, "old", v)

		assert.Eventually(t, func() bool {
			var fresh string
			res := svc.Get(ctx, "k", &fresh, swr, ttl)
			return res.Found && !res.Stale && fresh == "new"
		}, time.Second, 10*time.Millisecond)
	})
}
