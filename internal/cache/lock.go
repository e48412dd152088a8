package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/pkg/contracts"
)

// ErrLockBusy is returned when the retry budget is exhausted without
// acquiring the lease.
var ErrLockBusy = errors.New("cache: lock busy")

// ErrLockLost is returned by Renew when the lease expired or was taken over.
var ErrLockLost = errors.New("cache: lock lost")

// Renew and release compare the stored fencing token so an expired holder
// cannot clobber a successor's lease.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker hands out per-key exclusive leases backed by SET NX PX.
type RedisLocker struct {
	rdb       *redis.Client
	retries   int
	baseDelay time.Duration
}

// NewRedisLocker creates a locker. Waiters retry with exponential backoff
// and jitter up to retries attempts beyond the first.
func NewRedisLocker(c *Cache, retries int, baseDelay time.Duration) *RedisLocker {
	if retries <= 0 {
		retries = 5
	}
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	return &RedisLocker{rdb: c.Client(), retries: retries, baseDelay: baseDelay}
}

// Acquire implements contracts.Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (contracts.Lease, error) {
	token := uuid.New().String()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.baseDelay
	bo.RandomizationFactor = 0.5
	bo.MaxInterval = ttl / 2

	attempts := 0
	err := backoff.Retry(func() error {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if ok {
			return nil
		}
		attempts++
		if attempts > l.retries {
			return backoff.Permanent(ErrLockBusy)
		}
		return ErrLockBusy // retry
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}

	return &redisLease{rdb: l.rdb, key: key, token: token}, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
}

func (le *redisLease) Renew(ctx context.Context, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, le.rdb, []string{le.key}, le.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (le *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.rdb, []string{le.key}, le.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		// Lease already expired; the successor owns the key now.
		log.Debug().Str("key", le.key).Msg("Released an already-expired lease")
	}
	return nil
}
