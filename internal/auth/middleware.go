// Package auth provides authentication middleware for the siftd API.
// Deployments choose Noop (pass-through, the default) or APIKey (static
// bearer key).
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Noop returns a middleware that passes every request through unchanged.
func Noop() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// APIKey returns a middleware that validates requests against a static
// key read from the "Authorization: Bearer <key>" header. An empty key
// behaves like Noop. GET /health and GET /metrics stay exempt so probes
// and scrapers work without credentials. Comparison is constant-time.
func APIKey(key string) func(http.Handler) http.Handler {
	if key == "" {
		return Noop()
	}

	keyBytes := []byte(key)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && (r.URL.Path == "/health" || r.URL.Path == "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			token := extractBearerToken(r)
			if token == "" {
				http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), keyBytes) != 1 {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
