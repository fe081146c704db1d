package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// UserCutoffTTL bounds how long a per-user revocation cutoff is kept. It
// must outlive the identity provider's access-token lifetime.
const UserCutoffTTL = 24 * time.Hour

// TokenRevoker rejects bearer tokens the identity provider would still
// accept, such as tokens presented to delete an account.
type TokenRevoker interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
	// RevokeUser rejects every token of userID issued at or before cutoff.
	// An older cutoff never replaces a newer one.
	RevokeUser(ctx context.Context, userID string, cutoff time.Time) error
	// UserCutoff returns the zero time when userID has no cutoff.
	UserCutoff(ctx context.Context, userID string) (time.Time, error)
}

type expiring[V any] struct {
	value   V
	expires time.Time
}

// ttlMap is a mutex-guarded map whose entries vanish after their ttl.
type ttlMap[V any] struct {
	mu      sync.Mutex
	entries map[string]expiring[V]
}

func (m *ttlMap[V]) get(key string, now time.Time) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !now.Before(e.expires) {
		delete(m.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// update stores fn(current, found) unless fn returns false.
func (m *ttlMap[V]) update(key string, now time.Time, ttl time.Duration, fn func(cur V, found bool) (V, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]expiring[V])
	}
	e, found := m.entries[key]
	if found && !now.Before(e.expires) {
		found = false
	}
	next, ok := fn(e.value, found)
	if !ok {
		return
	}
	m.entries[key] = expiring[V]{value: next, expires: now.Add(ttl)}
}

// MemoryTokenRevoker is a process-local TokenRevoker for single-instance
// development.
type MemoryTokenRevoker struct {
	tokens  ttlMap[struct{}]
	cutoffs ttlMap[time.Time]
	now     func() time.Time
}

// NewMemoryTokenRevoker builds an empty in-memory revoker.
func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{now: time.Now}
}

func (r *MemoryTokenRevoker) Revoke(_ context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.tokens.update(tokenDigest(token), r.now(), ttl, func(struct{}, bool) (struct{}, bool) {
		return struct{}{}, true
	})
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(_ context.Context, token string) (bool, error) {
	_, ok := r.tokens.get(tokenDigest(token), r.now())
	return ok, nil
}

func (r *MemoryTokenRevoker) RevokeUser(_ context.Context, userID string, cutoff time.Time) error {
	r.cutoffs.update(userID, r.now(), UserCutoffTTL, func(cur time.Time, found bool) (time.Time, bool) {
		if found && cur.After(cutoff) {
			return cur, false
		}
		return cutoff, true
	})
	return nil
}

func (r *MemoryTokenRevoker) UserCutoff(_ context.Context, userID string) (time.Time, error) {
	cutoff, _ := r.cutoffs.get(userID, r.now())
	return cutoff, nil
}

// Sets KEYS[1] to ARGV[1] (unix ms) for ARGV[2] ms unless it already holds a
// later cutoff.
var raiseCutoffScript = redis.NewScript(`
local held = tonumber(redis.call("GET", KEYS[1]) or "0")
if held > tonumber(ARGV[1]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// RedisTokenRevoker shares revocations across API replicas. Tokens are
// stored as SHA-256 digests.
type RedisTokenRevoker struct {
	client redis.Cmdable
	prefix string
}

// NewRedisTokenRevoker uses client with keys under prefix
// (default "mirage:revoked").
func NewRedisTokenRevoker(client redis.Cmdable, prefix string) *RedisTokenRevoker {
	if prefix == "" {
		prefix = "mirage:revoked"
	}
	return &RedisTokenRevoker{client: client, prefix: prefix}
}

func (r *RedisTokenRevoker) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.tokenKey(token), 1, ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := r.client.Exists(ctx, r.tokenKey(token)).Result()
	return n > 0, err
}

func (r *RedisTokenRevoker) RevokeUser(ctx context.Context, userID string, cutoff time.Time) error {
	return raiseCutoffScript.Run(ctx, r.client, []string{r.userKey(userID)},
		cutoff.UnixMilli(), UserCutoffTTL.Milliseconds()).Err()
}

func (r *RedisTokenRevoker) UserCutoff(ctx context.Context, userID string) (time.Time, error) {
	raw, err := r.client.Get(ctx, r.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (r *RedisTokenRevoker) tokenKey(token string) string {
	return r.prefix + ":token:" + tokenDigest(token)
}

func (r *RedisTokenRevoker) userKey(userID string) string {
	return r.prefix + ":user:" + userID
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
