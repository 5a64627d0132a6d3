package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript approximates a sliding window from two fixed windows:
// the previous window's count is weighted by how much of it still overlaps
// the trailing window. Returns the remaining quota, or -1 when exhausted.
var slidingWindowScript = redis.NewScript(`
local currentKey  = KEYS[1]
local previousKey = KEYS[2]
local limit       = tonumber(ARGV[1])
local now         = tonumber(ARGV[2])
local window      = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", currentKey) or "0")
local previous = tonumber(redis.call("GET", previousKey) or "0")

local elapsed = (now % window) / window
previous = math.floor((1 - elapsed) * previous)

if previous + current >= limit then
  return -1
end

local newValue = redis.call("INCR", currentKey)
if newValue == 1 then
  redis.call("PEXPIRE", currentKey, window * 2 + 1000)
end
return limit - (newValue + previous)
`)

type Redis struct {
	rdb    redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

func WithLimit(limit int, window time.Duration) RedisOption {
	return func(r *Redis) {
		r.limit = limit
		r.window = window
	}
}

func withRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

func NewRedis(rdb redis.Scripter, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: DefaultPrefix,
		limit:  DefaultLimit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allow implements Limiter.
func (r *Redis) Allow(ctx context.Context, key string) (Result, error) {
	nowMs := r.now().UnixMilli()
	windowMs := r.window.Milliseconds()
	idx := nowMs / windowMs

	keys := []string{
		fmt.Sprintf("%s:%s:%d", r.prefix, key, idx),
		fmt.Sprintf("%s:%s:%d", r.prefix, key, idx-1),
	}

	remaining, err := slidingWindowScript.Run(ctx, r.rdb, keys, r.limit, nowMs, windowMs).Int()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis: %w", err)
	}

	res := Result{
		Allowed:   remaining >= 0,
		Limit:     r.limit,
		Remaining: max(remaining, 0),
		Reset:     time.UnixMilli((idx + 1) * windowMs),
	}
	return res, nil
}
