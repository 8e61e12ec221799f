package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
else
  local delta = math.max(0, now - ts)
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return allowed
`

// Redis shares buckets across server instances.
type Redis struct {
	client *redis.Client
	script *redis.Script
	rule   Rule
	prefix string
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedis(client *redis.Client, prefix string, rule Rule) *Redis {
	return &Redis{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		rule:   rule,
		prefix: prefix,
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	if r == nil || r.client == nil {
		return false, errors.New("rate limiter not configured")
	}
	if r.rule.PerMinute <= 0 {
		return true, nil
	}

	ttl := bucketTTL(r.rule.perSecond(), r.rule.burst())
	allowed, err := r.script.Run(ctx, r.client, []string{r.prefix + key},
		r.rule.perSecond(), r.rule.burst(), ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return allowed == 1, nil
}

func bucketTTL(perSecond float64, burst int) time.Duration {
	if perSecond <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil((float64(burst) / perSecond) * 2)
	return time.Duration(max(seconds, 1)) * time.Second
}

// Fallback consults Primary and answers from Secondary when Primary errors.
type Fallback struct {
	Primary   Limiter
	Secondary Limiter
	OnError   func(error)
}

func (f Fallback) Allow(ctx context.Context, key string) (bool, error) {
	allowed, err := f.Primary.Allow(ctx, key)
	if err == nil {
		return allowed, nil
	}
	if f.OnError != nil {
		f.OnError(err)
	}
	return f.Secondary.Allow(ctx, key)
}
