package lock

import (
	"context"
	"time"

	"github.com/cuemby/sokovan/pkg/schederr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker implements a redlock-style single-instance lock: SET key
// value NX PX ttl to acquire, and a compare-then-delete Lua script to
// release, so a lease can never be released by a holder that lost it
// to expiry and another acquirer.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

func (rl *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := rl.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeLockContention, "redis SETNX failed for "+key, err)
	}
	if !ok {
		return nil, schederr.New(schederr.CodeLockContention, "lock held by another manager: "+key)
	}
	return &redisLease{client: rl.client, key: key, token: token}, nil
}
