// Package shield provides HTTP hardening middleware for the verity API:
// security headers, request body limits, request-ID tracing with a
// per-request structured logger, and per-IP rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack() {
//	    r.Use(mw)
//	}
//
// Or pick middleware individually:
//
//	r.Use(shield.SecurityHeaders())
//	r.Use(shield.MaxJSONBody(1 << 20))
//	r.Use(shield.RequestID)
//	r.Use(shield.NewRateLimiter(shield.RateLimitConfig{}).Middleware)
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the standard middleware stack for the JSON API.
// Ordered: SecurityHeaders → MaxJSONBody → RequestID → RateLimiter.
func DefaultAPIStack() []func(http.Handler) http.Handler {
	rl := NewRateLimiter(RateLimitConfig{}, "/health")
	return []func(http.Handler) http.Handler{
		SecurityHeaders(),
		MaxJSONBody(1 << 20),
		RequestID,
		rl.Middleware,
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// SecurityHeaders returns middleware that sets hardening headers suitable for
// a JSON API on every response.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}

// MaxJSONBody returns middleware that caps the request body size for JSON
// POST and PUT requests. Other methods pass through untouched.
func MaxJSONBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
