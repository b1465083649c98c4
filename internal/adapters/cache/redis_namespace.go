package cache

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

var _ KeyValueNamespace = (*RedisNamespace)(nil)

// RedisNamespace maps a key-value namespace onto the Redis keys sharing a
// prefix. Values never expire on the Redis side.
type RedisNamespace struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisNamespace(rdb *redis.Client, prefix string) *RedisNamespace {
	return &RedisNamespace{rdb: rdb, prefix: prefix}
}

func (n *RedisNamespace) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := n.rdb.Get(ctx, n.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (n *RedisNamespace) Set(ctx context.Context, key, value string) error {
	return n.rdb.Set(ctx, n.prefix+key, value, 0).Err()
}

func (n *RedisNamespace) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = n.prefix + k
	}
	return n.rdb.Del(ctx, full...).Err()
}

func (n *RedisNamespace) Keys(ctx context.Context) ([]string, error) {
	var keys []string

	iter := n.rdb.Scan(ctx, 0, n.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), n.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
