package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
)

var _ domain.SyncLocker = (*RedisLease)(nil)

// releaseScript deletes the lease only if this owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only if this owner still holds the lease.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLease is an expiring lock record. The expiry frees the lease when
// its holder dies mid-sweep.
type RedisLease struct {
	rdb   *redis.Client
	key   string
	owner string
	ttl   time.Duration
}

func NewRedisLease(rdb *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		rdb:   rdb,
		key:   key,
		owner: uuid.NewString(),
		ttl:   ttl,
	}
}

func (l *RedisLease) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, domain.NewStorageError("acquire sync lease", err)
	}
	return ok, nil
}

func (l *RedisLease) Extend(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, domain.NewStorageError("extend sync lease", err)
	}
	return n == 1, nil
}

func (l *RedisLease) Unlock(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err(); err != nil {
		return domain.NewStorageError("release sync lease", err)
	}
	return nil
}
