// Package ratelimit 控制 oracle 调用速率。
//
// Redis 可用时使用跨进程共享的令牌桶（Lua 原子脚本），否则退化为进程内 x/time/rate。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrRateLimitTimeout 等待令牌期间 ctx 结束；错误链中同时保留 ctx.Err()。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// DefaultKey oracle 全局令牌桶。
const DefaultKey = "productscrapper:ratelimit:oracle"

// Limiter 在发起一次外部调用前阻塞，直到拿到令牌。
type Limiter interface {
	Acquire(ctx context.Context) error
}

const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + (delta * rate) / 1000.0)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tokens}
`

// RedisLimiter 基于 Redis 的令牌桶，多个 worker 进程共享同一个 oracle 配额。
type RedisLimiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// NewRedisLimiter 创建 Redis 令牌桶。rate 为每秒令牌数，burst 为桶容量。
func NewRedisLimiter(rdb *redis.Client, logger *slog.Logger, key string, rate, burst float64) *RedisLimiter {
	if key == "" {
		key = DefaultKey
	}
	return &RedisLimiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

// Acquire 获取一个令牌，rate 或 burst 非正时不限流。
func (r *RedisLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := r.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		wait += time.Duration(rand.Int63n(int64(jitterMax)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			return fmt.Errorf("%w: %w", ErrRateLimitTimeout, ctx.Err())
		case <-timer.C:
		}
	}
}

func (r *RedisLimiter) tryAcquire(ctx context.Context) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := r.script.Run(ctx, r.rdb, []string{r.key}, r.rate, r.burst, now, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

// LocalLimiter 进程内令牌桶。
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter 创建进程内限流器，perSecond 非正时不限流。
func NewLocalLimiter(perSecond float64, burst int) *LocalLimiter {
	if perSecond <= 0 {
		return &LocalLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *LocalLimiter) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		metrics.RateLimitTimeoutTotal.Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrRateLimitTimeout, ctxErr)
		}
		return fmt.Errorf("%w: %w", ErrRateLimitTimeout, err)
	}
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	return nil
}

// ForOracle rdb 非 nil 时返回跨进程共享的 Redis 令牌桶，否则返回进程内限流器。
func ForOracle(rdb *redis.Client, logger *slog.Logger, perSecond, burst float64) Limiter {
	if rdb != nil {
		return NewRedisLimiter(rdb, logger, DefaultKey, perSecond, burst)
	}
	return NewLocalLimiter(perSecond, int(burst))
}
