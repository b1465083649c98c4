package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
)

type Config struct {
	Port string

	DBDriver   string
	DBDSN      string
	SQLitePath string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	UpstreamURL    string
	UpstreamRPS    float64
	RequestTimeout time.Duration

	JWTSecret   string
	JWTIssuer   string
	JWTDuration time.Duration
	DeviceID    string

	PollInterval      time.Duration
	ProbeInterval     time.Duration
	ReconnectDebounce time.Duration
	LeaseTTL          time.Duration

	SyncMaxRetries     int
	SyncPruneCompleted bool

	CacheStorage   domain.StorageKind
	CacheTTL       time.Duration
	CacheVersion   string
	CacheCompress  bool
	CacheSWR       bool
	CacheNamespace string
}

// RedisEnabled reports whether a Redis host was configured. Without it the
// localStorage backend, the sync lease and the shared rate limiter are off.
func (c Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: cannot read .env file: %v", err)
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	var errs []error
	p := parser{errs: &errs}

	cfg := Config{
		Port: getEnv("PORT", "8080"),

		DBDriver:   getEnv("DB_DRIVER", "sqlite"),
		SQLitePath: getEnv("SQLITE_PATH", "caresync.db"),

		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       p.integer("REDIS_DB", 0),

		UpstreamURL:    os.Getenv("UPSTREAM_URL"),
		UpstreamRPS:    p.number("UPSTREAM_RPS", 10),
		RequestTimeout: p.interval("REQUEST_TIMEOUT", 30*time.Second),

		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   getEnv("JWT_ISSUER", "caresync"),
		JWTDuration: p.interval("JWT_DURATION", 24*time.Hour),
		DeviceID:    getEnv("DEVICE_ID", hostname()),

		PollInterval:      p.interval("POLL_INTERVAL", 30*time.Second),
		ProbeInterval:     p.interval("PROBE_INTERVAL", 15*time.Second),
		ReconnectDebounce: p.interval("RECONNECT_DEBOUNCE", 2*time.Second),
		LeaseTTL:          p.interval("SYNC_LEASE_TTL", 2*time.Minute),

		SyncMaxRetries:     p.integer("SYNC_MAX_RETRIES", 0),
		SyncPruneCompleted: p.flag("SYNC_PRUNE_COMPLETED", false),

		CacheTTL:       p.interval("CACHE_TTL", 5*time.Minute),
		CacheVersion:   getEnv("CACHE_VERSION", "1.0.0"),
		CacheCompress:  p.flag("CACHE_COMPRESS", false),
		CacheSWR:       p.flag("CACHE_SWR", false),
		CacheNamespace: getEnv("CACHE_NAMESPACE", "caresync:cache:"),
	}

	storage, err := domain.ParseStorageKind(getEnv("CACHE_STORAGE", string(domain.StorageMemory)))
	if err != nil {
		errs = append(errs, fmt.Errorf("CACHE_STORAGE: %w", err))
	}
	cfg.CacheStorage = storage

	switch cfg.DBDriver {
	case "sqlite":
		cfg.DBDSN = cfg.SQLitePath
	case "pgx", "postgres":
		cfg.DBDSN = os.Getenv("DB_DSN")
		if cfg.DBDSN == "" {
			cfg.DBDSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
				os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"),
				getEnv("DB_HOST", "localhost"), getEnv("DB_PORT", "5432"), os.Getenv("DB_NAME"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER: unsupported driver %q", cfg.DBDriver))
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.SyncMaxRetries < 0 {
		errs = append(errs, errors.New("SYNC_MAX_RETRIES must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "caresync-device"
	}
	return name
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs *[]error
}

func (p parser) integer(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p parser) number(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p parser) flag(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

// interval accepts Go durations ("30s") and bare milliseconds ("30000").
func (p parser) interval(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}
