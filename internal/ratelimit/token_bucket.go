package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "thumbforge:ratelimit"

// Decision is the outcome of drawing Cost tokens from a caller's bucket.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Cost       int64
	RetryAfter time.Duration
}

type Config struct {
	// Capacity is the burst size in tokens; it refills fully every Window.
	Capacity  int
	Window    time.Duration
	KeyPrefix string
}

// RedisTokenBucket keeps one token bucket per caller in redis so every API
// replica draws from the same budget. Compositions and job submissions
// share a bucket and differ only in the tokens they cost.
type RedisTokenBucket struct {
	client      redis.UniversalClient
	capacity    int64
	refillPerMS float64
	ttl         time.Duration
	keyPrefix   string
	now         func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, cfg Config) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case cfg.Capacity <= 0:
		return nil, errors.New("capacity must be positive")
	case cfg.Window <= 0:
		return nil, errors.New("window must be positive")
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	windowMS := max(1, cfg.Window.Milliseconds())

	return &RedisTokenBucket{
		client:      client,
		capacity:    int64(cfg.Capacity),
		refillPerMS: float64(cfg.Capacity) / float64(windowMS),
		ttl:         2 * cfg.Window,
		keyPrefix:   prefix,
		now:         time.Now,
	}, nil
}

// Take draws cost tokens for subject. A cost above the bucket capacity is
// charged as the full capacity, so the call succeeds only on a full bucket.
func (l *RedisTokenBucket) Take(ctx context.Context, subject string, cost int64) (Decision, error) {
	cost = min(max(cost, 1), l.capacity)

	raw, err := takeScript.Run(
		ctx,
		l.client,
		[]string{l.key(subject)},
		l.capacity,
		l.refillPerMS,
		l.now().UTC().UnixMilli(),
		cost,
		l.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("invalid token bucket response %v", raw)
	}
	var parsed [3]int64
	for i, v := range values {
		if parsed[i], err = toInt64(v); err != nil {
			return Decision{}, fmt.Errorf("parse token bucket field %d: %w", i, err)
		}
	}

	return Decision{
		Allowed:    parsed[0] == 1,
		Limit:      l.capacity,
		Remaining:  parsed[1],
		Cost:       cost,
		RetryAfter: time.Duration(parsed[2]) * time.Millisecond,
	}, nil
}

func (l *RedisTokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.keyPrefix + ":" + subject
}

// takeScript refills by elapsed time, then draws ARGV[4] tokens if present.
// Returns {allowed, floor(tokens), retry_after_ms}.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "timestamp")
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now_ms

tokens = math.min(capacity, tokens + math.max(0, now_ms - last) * refill_per_ms)

local allowed = 0
local wait_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  wait_ms = math.ceil((cost - tokens) / refill_per_ms)
end

redis.call("HMSET", key, "tokens", tokens, "timestamp", now_ms)
redis.call("PEXPIRE", key, ttl_ms)

return {allowed, math.floor(tokens), wait_ms}
`)

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
