package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript counts a hit and returns {count, ttl_ms} in one round trip.
// The expiry is set on the first hit of a window, and re-applied if a key
// somehow lost it, so a window can never become permanent.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter shares windows between every process using the same redis.
type RedisLimiter struct {
	client redis.Scripter
	policy Policy
	prefix string
}

// NewRedisLimiter creates a redis-backed limiter for policy.
func NewRedisLimiter(client redis.Scripter, policy Policy) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		policy: policy,
		prefix: "ratelimit:" + policy.Name + ":",
	}
}

func (l *RedisLimiter) Policy() Policy { return l.policy }

func (l *RedisLimiter) Check(ctx context.Context, key string) (Decision, error) {
	res, err := incrScript.Run(ctx, l.client, []string{l.prefix + key}, l.policy.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", l.policy.Name, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %v", l.policy.Name, res)
	}
	return decide(l.policy, int(res[0]), time.Duration(res[1])*time.Millisecond), nil
}
