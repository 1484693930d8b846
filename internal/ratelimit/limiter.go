// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Counters are shared across server instances, so a client
// reconnecting to a different instance stays inside the same window.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the key scope, maximum number of
// actions allowed in the window, and the window duration. Scope doubles as
// the identifier reported back to the client in rate_limit events.
type Rule struct {
	Scope  string        // action scope, e.g. "chat", "skip", "connect"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard rules, tuned to the original deployment defaults.
var (
	// RuleChat allows 5 chat messages per second per user.
	RuleChat = Rule{Scope: "chat", Limit: 5, Window: 1 * time.Second}

	// RuleSkip allows 10 skips per 5 minutes per user.
	RuleSkip = Rule{Scope: "skip", Limit: 10, Window: 5 * time.Minute}

	// RuleConnect allows 4 connect requests per minute per user.
	RuleConnect = Rule{Scope: "connect", Limit: 4, Window: 1 * time.Minute}

	// RuleUpgrade allows 5 WebSocket upgrades per minute per IP.
	RuleUpgrade = Rule{Scope: "upgrade", Limit: 5, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the identifier is within the rule's limit. It
// increments the counter and sets the expiry only on the first increment, so
// a running window is never reset.
//
// Returns true if the action is allowed, false if rate limited. On Redis
// errors the method fails open so a Redis outage does not block traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := "ratelimit:" + rule.Scope + ":" + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL; delete it so the identifier
			// is not blocked forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of actions left in the current window.
// Returns the full limit if the key does not exist yet; fails open on error.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := "ratelimit:" + rule.Scope + ":" + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
