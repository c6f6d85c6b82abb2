package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter caps the number of turns per chat inside an hourly window.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, chatID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("chatrelay:ratelimit:%d:%s", chatID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// TurnGuard serializes turns per chat: at most one stream may be in flight
// for a chat at any moment. The TTL bounds how long a crashed relay can
// hold the slot.
type TurnGuard struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewTurnGuard(rdb *redis.Client, ttl time.Duration) *TurnGuard {
	return &TurnGuard{redis: rdb, ttl: ttl}
}

func (g *TurnGuard) Acquire(ctx context.Context, chatID int64) (bool, error) {
	ok, err := g.redis.SetNX(ctx, g.key(chatID), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("turn guard setnx: %w", err)
	}
	return ok, nil
}

func (g *TurnGuard) Release(ctx context.Context, chatID int64) error {
	if err := g.redis.Del(ctx, g.key(chatID)).Err(); err != nil {
		return fmt.Errorf("turn guard del: %w", err)
	}
	return nil
}

func (g *TurnGuard) key(chatID int64) string {
	return fmt.Sprintf("chatrelay:turn:%d", chatID)
}
