package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/comitanigiacomo/caresync/internal/adapters/cache"
	adapterHTTP "github.com/comitanigiacomo/caresync/internal/adapters/handler/http"
	"github.com/comitanigiacomo/caresync/internal/adapters/remote"
	"github.com/comitanigiacomo/caresync/internal/adapters/repository"
	"github.com/comitanigiacomo/caresync/internal/config"
	"github.com/comitanigiacomo/caresync/internal/core/domain"
	"github.com/comitanigiacomo/caresync/internal/core/services"
	"github.com/comitanigiacomo/caresync/internal/core/workers"
)

type app struct {
	cfg    config.Config
	db     *sqlx.DB
	rdb    *redis.Client
	router *gin.Engine

	tokens  *services.TokenService
	sync    *services.SyncService
	cache   *services.CacheService
	watcher *workers.ConnectivityWatcher
	poller  *workers.PendingPoller
	probe   *remote.HealthProbe
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if cfg.UpstreamURL == "" {
		return nil, errors.New("UPSTREAM_URL is required")
	}

	log.Printf("Connecting to %s store...", cfg.DBDriver)
	db, err := repository.Connect(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	log.Println("Database connected successfully.")

	a := &app{cfg: cfg, db: db}

	if cfg.RedisEnabled() {
		rdb, err := cache.NewRedisClient(ctx, cache.RedisOptions{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Printf("Warning: Redis unavailable, continuing without localStorage cache and sync lease: %v", err)
		} else {
			a.rdb = rdb
		}
	}

	a.tokens = services.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTDuration)

	applier := remote.NewHTTPApplier(remote.ApplierConfig{
		BaseURL:           cfg.UpstreamURL,
		DeviceID:          cfg.DeviceID,
		RequestsPerSecond: cfg.UpstreamRPS,
		Burst:             1,
	}, a.tokens, nil)

	syncOpts := services.SyncOptions{
		RequestTimeout: cfg.RequestTimeout,
		MaxRetries:     cfg.SyncMaxRetries,
		PruneCompleted: cfg.SyncPruneCompleted,
	}
	if a.rdb != nil {
		syncOpts.Locker = cache.NewRedisLease(a.rdb, "caresync:sync_lease:"+cfg.DeviceID, cfg.LeaseTTL)
	}
	a.sync = services.NewSyncService(repository.NewSQLChangeRepository(db), applier, syncOpts)

	if n, err := a.sync.RecoverInterrupted(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("recovering interrupted changes: %w", err)
	} else if n > 0 {
		log.Printf("%d changes were interrupted by the last shutdown and are ready for retry", n)
	}

	backends := map[domain.StorageKind]domain.CacheBackend{
		domain.StorageMemory:  cache.NewMemoryStore(),
		domain.StorageIndexed: cache.NewObjectStore(db),
	}
	if a.rdb != nil {
		backends[domain.StorageLocal] = cache.NewLocalStore(cache.NewRedisNamespace(a.rdb, cfg.CacheNamespace))
	}
	a.cache = services.NewCacheService(services.CacheConfig{
		Storage:              cfg.CacheStorage,
		TTL:                  cfg.CacheTTL,
		Compress:             cfg.CacheCompress,
		Version:              cfg.CacheVersion,
		StaleWhileRevalidate: cfg.CacheSWR,
	}, backends)

	// Start offline: the first successful probe is a reconnect and flushes
	// whatever the previous run left pending.
	a.watcher = workers.NewConnectivityWatcher(a.sync, cfg.ReconnectDebounce, false)
	a.probe = remote.NewHealthProbe(cfg.UpstreamURL, cfg.ProbeInterval, a.watcher, nil)
	a.poller = workers.NewPendingPoller(a.sync, cfg.PollInterval, func(stats services.QueueStats) {
		if stats.Pending > 0 || stats.Error > 0 {
			log.Printf("[SYNC] Queue: %d pending, %d failed", stats.Pending, stats.Error)
		}
	})

	a.watcher.AfterSync(a.poller.Refresh)

	changeHandler, err := adapterHTTP.NewChangeHandler(a.sync)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.router = adapterHTTP.NewRouter(adapterHTTP.RouterDependencies{
		ChangeHandler:       changeHandler,
		CacheHandler:        adapterHTTP.NewCacheHandler(a.cache),
		ConnectivityHandler: adapterHTTP.NewConnectivityHandler(a.watcher, a.poller),
		Tokens:              a.tokens,
		Watcher:             a.watcher,
		DB:                  db,
		Redis:               a.rdb,
		StartTime:           time.Now(),
	})

	return a, nil
}

// Start launches the background workers; they stop when ctx is cancelled.
func (a *app) Start(ctx context.Context) {
	a.watcher.Start(ctx)
	a.poller.Start(ctx)
	a.probe.Start(ctx)
}

func (a *app) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	a.db.Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Critical: invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("Critical: %v", err)
	}
	defer a.Close()

	a.Start(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("CareSync running on http://localhost:%s (device %s)", cfg.Port, cfg.DeviceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Critical server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Stop signal received. Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Forced shutdown error:", err)
	}

	log.Println("Server stopped gracefully.")
}
