// Package ratelimit provides Redis-backed request quotas shared by every
// API replica.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counts hits for KEYS[1] and returns {count, remaining ttl in ms}. The
// window starts on the first hit.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the caller's window resets. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a keyed caller may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// FixedWindow allows Limit hits per key per Window.
type FixedWindow struct {
	client  redis.Cmdable
	prefix  string
	limit   int64
	window  time.Duration
	timeout time.Duration
}

// NewFixedWindowLimiter creates a limiter on a shared Redis client. Keys are
// stored as "<prefix>:<key>".
func NewFixedWindowLimiter(client redis.Cmdable, prefix string, limit int, window time.Duration) (*FixedWindow, error) {
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "mirage:ratelimit"
	}
	return &FixedWindow{
		client:  client,
		prefix:  prefix,
		limit:   int64(limit),
		window:  window,
		timeout: 2 * time.Second,
	}, nil
}

// Allow counts one hit for key. Redis failures deny the request for a full
// window.
func (l *FixedWindow) Allow(ctx context.Context, key string) Decision {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := hitScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return Decision{RetryAfter: l.window}
	}
	if res[0] <= l.limit {
		return Decision{Allowed: true}
	}
	return Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}
}

// Unlimited never rejects. Used when no Redis is configured in development.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) Decision { return Decision{Allowed: true} }
