package util

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestID(t *testing.T) {
	cases := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "reuses caller id", incoming: "trace-abc", keep: true},
		{name: "mints when missing"},
		{name: "replaces oversized id", incoming: strings.Repeat("x", 200)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestID(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
			if tc.incoming != "" {
				req.Header.Set("X-Request-Id", tc.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			echoed := rec.Header().Get("X-Request-Id")
			if seen == "" || echoed != seen {
				t.Fatalf("context id %q and header %q should match and be set", seen, echoed)
			}
			if tc.keep && seen != tc.incoming {
				t.Fatalf("expected caller id %q, got %q", tc.incoming, seen)
			}
			if !tc.keep && seen == tc.incoming {
				t.Fatalf("expected a fresh id")
			}
		})
	}
}
