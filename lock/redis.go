package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

// All keys are set with the caller's token, or none if any of them exists.
var acquireScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
	if redis.call("EXISTS", key) == 1 then
		return 0
	end
end
for i, key in ipairs(KEYS) do
	redis.call("SET", key, ARGV[1], "PX", ARGV[2])
end
return 1
`)

// Only keys still holding the token are deleted.
var releaseScript = redis.NewScript(`
local n = 0
for i, key in ipairs(KEYS) do
	if redis.call("GET", key) == ARGV[1] then
		n = n + redis.call("DEL", key)
	end
end
return n
`)

var _ Locker = &RedisLocker{}

type RedisLocker struct {
	lggr   logger.Logger
	client redis.UniversalClient
	cfg    Config
}

func NewRedisLocker(lggr logger.Logger, client redis.UniversalClient, cfg Config) *RedisLocker {
	return &RedisLocker{
		lggr:   logger.Named(lggr, "RedisLocker"),
		client: client,
		cfg:    cfg.withDefaults(),
	}
}

func (r *RedisLocker) Acquire(ctx context.Context, ttl time.Duration, keys ...string) (*Lease, error) {
	return acquireLoop(ctx, r.cfg, keys, func(ctx context.Context) (*Lease, error) {
		return r.TryAcquire(ctx, ttl, keys...)
	})
}

func (r *RedisLocker) TryAcquire(ctx context.Context, ttl time.Duration, keys ...string) (*Lease, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys to lock")
	}
	token := uuid.NewString()
	ok, err := acquireScript.Run(ctx, r.client, keys, token, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %v: %w", keys, err)
	}
	if ok != 1 {
		return nil, ErrNotAcquired
	}
	r.lggr.Debugw("lock acquired", "keys", keys, "ttl", ttl)
	return &Lease{
		Keys:  keys,
		Token: token,
		release: func(ctx context.Context) error {
			n, err := releaseScript.Run(ctx, r.client, keys, token).Int()
			if err != nil {
				return fmt.Errorf("failed to release %v: %w", keys, err)
			}
			if n < len(keys) {
				r.lggr.Warnw("lock expired before release", "keys", keys, "released", n)
			}
			return nil
		},
	}, nil
}
