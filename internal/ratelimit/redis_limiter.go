package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua script for an atomic sliding-window check-and-admit: prune
// timestamps older than now-window, count what remains, and record the
// new event only when under the limit. Returns {1, 0} when admitted or
// {0, oldestMs} when rejected.
const slidingWindowLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    return {0, tonumber(oldest[2])}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window * 2)
return {1, 0}
`

// RedisLimiter is a sliding-window limiter on a shared Redis store so the
// window is global across worker processes.
type RedisLimiter struct {
	rdb    redis.Cmdable
	prefix string
	limit  Limit
	script *redis.Script
}

// NewRedis creates a Redis-backed sliding-window limiter.
func NewRedis(rdb redis.Cmdable, prefix string, limit Limit) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		prefix: prefix,
		limit:  limit,
		script: redis.NewScript(slidingWindowLua),
	}
}

// Allow implements AdmissionController.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	res, err := l.script.Run(ctx, l.rdb,
		[]string{l.prefix + ":" + key},
		now, l.limit.Window.Milliseconds(), l.limit.N, uuid.New().String(),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}
	admitted, _ := res[0].(int64)
	if admitted == 1 {
		return true, 0, nil
	}
	// The window frees a slot when its oldest event ages out.
	oldest, _ := res[1].(int64)
	retryAfter := time.Duration(oldest+l.limit.Window.Milliseconds()-now) * time.Millisecond
	if retryAfter <= 0 {
		retryAfter = 10 * time.Millisecond
	}
	return false, retryAfter, nil
}
