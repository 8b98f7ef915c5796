package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the stored holder token matches,
// so a holder whose lock expired and was re-taken cannot release the new
// owner's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// renewScript extends the TTL only for the current holder.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX. Redis owns TTL expiry, so a
// crashed holder's lock disappears on its own; release and renew are
// holder-token guarded Lua scripts.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed lock manager. If prefix is empty,
// "sweeper:lock:" is used; the lock namespace must not collide with the
// manifest keys.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "sweeper:lock:"
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
	}
}

func (l *RedisLocker) key(path ScopePath) string {
	return l.prefix + path.String()
}

func (l *RedisLocker) TryAcquire(ctx context.Context, path ScopePath, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(path), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock acquire failed for %s: %w", path, err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, path ScopePath, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(path)}, holder).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis lock release failed for %s: %w", path, err)
	}
	return nil
}

func (l *RedisLocker) Renew(ctx context.Context, path ScopePath, holder string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, l.client, []string{l.key(path)}, holder, ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("redis lock renew failed for %s: %w", path, err)
	}
	return res == 1, nil
}
