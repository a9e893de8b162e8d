package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/veritylabs/verity/kit"
)

// RequestID assigns a random request ID to each request and injects it into
// the context, the X-Request-ID response header, and a per-request structured
// logger. The ID is stored under kit's request-ID key and the logger under
// LoggerKey. An inbound X-Request-ID header is honored.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			id := make([]byte, 8)
			rand.Read(id)
			requestID = hex.EncodeToString(id)
		}

		ctx := kit.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		logger := slog.Default().With(
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
