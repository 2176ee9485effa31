package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// tokenBucketScript holds bucket state in a Redis hash and performs
// refill-check-consume as one atomic step, mirroring the memory backend's
// semantics across instances. Keys self-expire after the idle TTL.
//
// KEYS[1] bucket hash
// ARGV[1] limit (bucket capacity)
// ARGV[2] refill rate, tokens per second
// ARGV[3] now, unix milliseconds
// ARGV[4] idle TTL, milliseconds
//
// Returns {allowed, remaining, retry_after_ms}.
const tokenBucketScript = `
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
local limit = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

if tokens == nil then
    tokens = limit
    ts = now
end

local elapsed = math.max(0, now - ts) / 1000.0
tokens = math.min(limit, tokens + elapsed * rate)

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    retry_ms = math.ceil((1 - tokens) / rate * 1000)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], ARGV[4])

return {allowed, math.floor(tokens), retry_ms}
`

// RedisLimiter shares budgets across instances through Redis.
type RedisLimiter struct {
	client *redis.Client
	limits Limits
	script *redis.Script
	now    func() time.Time
	log    zerolog.Logger
}

func NewRedis(client *redis.Client, limits Limits, logger zerolog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limits: limits,
		script: redis.NewScript(tokenBucketScript),
		now:    time.Now,
		log:    logger.With().Str("component", "ratelimit_redis").Logger(),
	}
}

// Allow implements Limiter. A Redis fault admits the request with a
// warning: limiting is best-effort protection and must not become the
// outage itself.
func (r *RedisLimiter) Allow(ctx context.Context, key string, class Class) (Decision, error) {
	limit := r.limits.For(class)
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	redisKey := "ratelimit:" + bucketKey(class, key)
	rate := float64(limit) / 60.0

	res, err := r.script.Run(ctx, r.client,
		[]string{redisKey},
		limit, rate, r.now().UnixMilli(), bucketIdleTTL.Milliseconds(),
	).Result()
	if err != nil {
		r.log.Warn().Err(err).Str("class", string(class)).
			Msg("rate limit backend unavailable, admitting request")
		return Decision{Allowed: true, Limit: limit}, nil
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 3 {
		r.log.Warn().Interface("reply", res).Msg("unexpected rate limit script reply")
		return Decision{Allowed: true, Limit: limit}, nil
	}

	allowed, _ := reply[0].(int64)
	remaining, _ := reply[1].(int64)
	retryMs, _ := reply[2].(int64)

	if allowed != 1 {
		deniedTotal.WithLabelValues(string(class)).Inc()
		return Decision{
			Allowed:    false,
			Limit:      limit,
			RetryAfter: time.Duration(retryMs) * time.Millisecond,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: int(remaining),
	}, nil
}
