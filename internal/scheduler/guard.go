package scheduler

import (
	"context"
	"time"

	"outreach-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const tickGuardKey = "scheduler:tick"

// RedisTickGuard serializes ticks across API replicas with a TTL'd counter
// slot (limit 1). The TTL covers a crashed holder; it must exceed the longest
// plausible tick.
type RedisTickGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisTickGuard(rdb *redis.Client, ttl time.Duration) *RedisTickGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisTickGuard{rdb: rdb, ttl: ttl}
}

func (g *RedisTickGuard) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, g.rdb, tickGuardKey, 1, g.ttl)
}

func (g *RedisTickGuard) Release(ctx context.Context) error {
	return utils.ReleaseConcurrencyCap(ctx, g.rdb, tickGuardKey)
}
