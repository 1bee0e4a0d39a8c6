// Package ratelimit throttles per-user actions. The Redis limiter uses the
// INCR + EXPIRE fixed window so limits hold across server instances; the
// local limiter is a token bucket used when Redis is not configured.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/groupchat/internal/logging"
)

// Rule defines a policy: key prefix, maximum count per window, and window.
type Rule struct {
	Key    string        // key prefix, e.g. "rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // window length
}

// MessageRule is the send_message policy for the given limit and window.
func MessageRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:msg:", Limit: limit, Window: window}
}

// Limiter reports whether identifier may perform one more action under rule.
// When it may not, retryAfter is how long until it may.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (allowed bool, retryAfter time.Duration, err error)
}

// RedisLimiter performs checks against Redis.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow increments the counter and sets the expiry on first access. On
// Redis errors it fails open so an outage does not block traffic.
func (l *RedisLimiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, time.Duration, error) {
	key := rule.Key + identifier
	log := logging.Component("ratelimit")

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, 0, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, 0, err
		}
	}

	if int(count) <= rule.Limit {
		return true, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return false, rule.Window, nil
	}
	return false, ttl, nil
}

// Remaining returns how many actions identifier has left in the current
// window. Returns the full limit on a missing key or a Redis error.
func (l *RedisLimiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}
