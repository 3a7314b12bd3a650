package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/reelforge/internal/observability"
)

// quietPaths are probed constantly and only logged on failure.
var quietPaths = map[string]bool{
	"/health": true,
	"/livez":  true,
}

// Logging logs each request and attaches a request-scoped logger to the
// context. When logRequests is false only error responses are logged.
func Logging(logger *slog.Logger, logRequests bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := observability.RequestIDFromContext(r.Context())
			reqLogger := logger.With(slog.String("request_id", requestID))
			ctx := observability.ContextWithLogger(r.Context(), reqLogger)

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status < 400 && (!logRequests || quietPaths[r.URL.Path]) {
				return
			}

			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}
			reqLogger.Log(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("size", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr))
		})
	}
}
