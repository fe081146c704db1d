package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// revokerContract exercises behaviour both implementations share. advance
// moves the revoker's clock forward.
func revokerContract(t *testing.T, r TokenRevoker, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	if err := r.Revoke(ctx, "token-a", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := r.Revoke(ctx, "token-b", 0); err != nil {
		t.Fatalf("revoke without ttl: %v", err)
	}
	for token, want := range map[string]bool{"token-a": true, "token-b": false, "token-c": false} {
		got, err := r.IsRevoked(ctx, token)
		if err != nil {
			t.Fatalf("is revoked %s: %v", token, err)
		}
		if got != want {
			t.Fatalf("%s: expected revoked=%v", token, want)
		}
	}

	base := time.UnixMilli(time.Now().UnixMilli()).UTC()
	steps := []struct {
		cutoff time.Time
		want   time.Time
	}{
		{base, base},
		{base.Add(-time.Hour), base},
		{base.Add(time.Second), base.Add(time.Second)},
	}
	for i, step := range steps {
		if err := r.RevokeUser(ctx, "user-1", step.cutoff); err != nil {
			t.Fatalf("step %d revoke user: %v", i, err)
		}
		got, err := r.UserCutoff(ctx, "user-1")
		if err != nil {
			t.Fatalf("step %d cutoff: %v", i, err)
		}
		if !got.Equal(step.want) {
			t.Fatalf("step %d: expected %v, got %v", i, step.want, got)
		}
	}
	if got, _ := r.UserCutoff(ctx, "user-2"); !got.IsZero() {
		t.Fatalf("expected no cutoff for user-2, got %v", got)
	}

	advance(2 * time.Minute)
	if got, _ := r.IsRevoked(ctx, "token-a"); got {
		t.Fatalf("expected token revocation to expire")
	}
	advance(UserCutoffTTL)
	if got, _ := r.UserCutoff(ctx, "user-1"); !got.IsZero() {
		t.Fatalf("expected user cutoff to expire, got %v", got)
	}
}

func TestMemoryTokenRevoker(t *testing.T) {
	r := NewMemoryTokenRevoker()
	clock := time.Now()
	r.now = func() time.Time { return clock }
	revokerContract(t, r, func(d time.Duration) { clock = clock.Add(d) })
}

func TestRedisTokenRevoker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	revokerContract(t, NewRedisTokenRevoker(client, ""), mr.FastForward)

	if err := NewRedisTokenRevoker(client, "").Revoke(context.Background(), "raw-secret", time.Hour); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	for _, key := range mr.Keys() {
		if strings.Contains(key, "raw-secret") {
			t.Fatalf("raw token leaked into key %q", key)
		}
	}
}
