package util

import (
	"errors"
	"net/http"
	"runtime/debug"
)

var internalErrorBody = []byte(`{"detail":"Internal server error"}` + "\n")

// WithRecover converts a handler panic into a logged stack trace and an
// opaque 500. http.ErrAbortHandler is re-raised.
func WithRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(v)
			}
			LoggerFromContext(r.Context()).Error("panic recovered",
				"panic", v,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write(internalErrorBody)
		}()
		next.ServeHTTP(w, r)
	})
}
