package cache

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions describes the Redis shared by the localStorage namespace, the
// sync lease and the API rate limiter.
type RedisOptions struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NewRedisClient connects and pings. A device only runs one sweep and a
// handful of cache calls at a time, so the pool stays small.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	addr := net.JoinHostPort(opts.Host, opts.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
		MinIdleConns: 1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis at %s unreachable: %w", addr, err)
	}

	return rdb, nil
}
