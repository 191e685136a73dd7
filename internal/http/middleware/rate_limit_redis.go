package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {n, ttl}
`)

type redisFixedWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLimiter counts requests per key in a shared fixed window, so every
// application pointed at the same Redis enforces one budget.
func NewRedisLimiter(client redis.UniversalClient, prefix string) Limiter {
	if prefix == "" {
		prefix = "auth-sync"
	}
	return &redisFixedWindowLimiter{client: client, prefix: prefix, now: time.Now}
}

func (l *redisFixedWindowLimiter) Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	redisKey := fmt.Sprintf("%s:ratelimit:%s", l.prefix, key)
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, policy.SustainedWindow.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl <= 0 {
		ttl = policy.SustainedWindow
	}
	now := l.now()
	d := Decision{
		Allowed:   count <= policy.SustainedLimit,
		Remaining: max(policy.SustainedLimit-count, 0),
		ResetAt:   now.Add(ttl),
	}
	if !d.Allowed {
		d.RetryAfter = ttl
		d.Reason = "window"
	}
	return d, nil
}
