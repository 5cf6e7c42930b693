package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// KeyFunc extracts the rate-limit key from a request. Returning the empty
// string skips limiting for that request.
type KeyFunc func(r *http.Request) string

// Middleware enforces the limiter on requests whose key is non-empty. A
// limiter malfunction fails open: the request proceeds and the error is
// logged.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFunc(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		ok, err := limiter.Allow(r.Context(), key)
		if err != nil {
			logger.Error("rate limiter failure", "error", err, "key", key)
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
