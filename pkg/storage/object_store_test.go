package storage

import (
	"context"
	"testing"
)

func TestNewURLBase(t *testing.T) {
	cases := []struct {
		opts Options
		want urlBase
	}{
		{Options{Endpoint: "localhost:9000", Bucket: "avatars"}, "http://localhost:9000/avatars"},
		{Options{Endpoint: "s3.example.com", Bucket: "avatars", UseSSL: true}, "https://s3.example.com/avatars"},
		{Options{Endpoint: "x", Bucket: "avatars", PublicURL: "https://cdn.example.com/pub/"}, "https://cdn.example.com/pub"},
	}
	for _, tc := range cases {
		if got := newURLBase(tc.opts); got != tc.want {
			t.Fatalf("newURLBase(%+v): expected %q, got %q", tc.opts, tc.want, got)
		}
	}
}

func TestURLBaseMapsKeys(t *testing.T) {
	base := urlBase("https://cdn.example.com/avatars")
	key := "avatars/user 1/abc.png"
	u := base.object(key)
	if u != "https://cdn.example.com/avatars/avatars/user%201/abc.png" {
		t.Fatalf("unexpected url %q", u)
	}
	if got, ok := base.key(u); !ok || got != key {
		t.Fatalf("expected key %q, got %q (ok=%v)", key, got, ok)
	}
	for _, foreign := range []string{"https://elsewhere.example.com/a.png", "https://cdn.example.com/avatars/", "https://cdn.example.com/avatarsx/a.png"} {
		if _, ok := base.key(foreign); ok {
			t.Fatalf("%q must not map to a key", foreign)
		}
	}
}

func TestNewMinioStoreRequiresBucket(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), Options{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
