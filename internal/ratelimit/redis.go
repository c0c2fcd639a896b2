package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"imghost/internal/model"
)

// takeScript refills and consumes all buckets of one key in a single call.
// ARGV: now_ms, cost, then capacity, refill_rate, window_ms per KEY.
// Returns {allowed, retry_after_ms}.
var takeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local need = tonumber(ARGV[2]) * 1000
local allowed = 1
local retry = 0
local tokens = {}
for i = 1, #KEYS do
  local base = 2 + (i - 1) * 3
  local cap = tonumber(ARGV[base + 1]) * 1000
  local rate = tonumber(ARGV[base + 2]) * 1000
  local window = tonumber(ARGV[base + 3])
  local vals = redis.call('HMGET', KEYS[i], 'tokens', 'ts')
  local t = tonumber(vals[1])
  local ts = tonumber(vals[2])
  if t == nil or ts == nil then
    t = cap
    ts = now
  end
  local elapsed = now - ts
  if elapsed < 0 then elapsed = 0 end
  if elapsed > window then elapsed = window end
  t = math.min(cap, t + math.floor(elapsed * rate / window))
  tokens[i] = t
  if t < need then
    allowed = 0
    local wait = math.ceil((need - t) * window / rate)
    if wait > retry then retry = wait end
  end
end
for i = 1, #KEYS do
  local base = 2 + (i - 1) * 3
  local window = tonumber(ARGV[base + 3])
  local t = tokens[i]
  if allowed == 1 then t = t - need end
  redis.call('HSET', KEYS[i], 'tokens', t, 'ts', now)
  redis.call('PEXPIRE', KEYS[i], window * 2)
end
return {allowed, retry}
`)

// RedisStore keeps buckets in redis hashes so several processes share limits.
// Idle buckets expire after two windows.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client, prefix: "imghost:bucket:"}
}

func (s *RedisStore) bucketKey(key string, r Rule) string {
	return fmt.Sprintf("%s{%s}:%s", s.prefix, key, r.Type)
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	keys := make([]string, 0, 3)
	for _, t := range []model.RuleType{model.RuleMinute, model.RuleHour, model.RuleDay} {
		keys = append(keys, s.bucketKey(key, Rule{Type: t}))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset buckets for %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, key string, rules []Rule, cost int64, now time.Time) (Decision, error) {
	keys := make([]string, len(rules))
	args := make([]interface{}, 0, 2+3*len(rules))
	args = append(args, now.UnixMilli(), cost)
	for i, r := range rules {
		keys[i] = s.bucketKey(key, r)
		args = append(args, r.Capacity, r.RefillRate, r.Type.Window().Milliseconds())
	}

	res, err := takeScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run token bucket script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply: %v", res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}
