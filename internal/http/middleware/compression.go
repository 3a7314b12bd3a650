package middleware

import (
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Compress returns a response compression middleware that prefers brotli and
// falls back to gzip or deflate. Event streams are passed through untouched
// so every event is flushed as it is written.
func Compress(level int) func(http.Handler) http.Handler {
	compressor := chimiddleware.NewCompressor(level, "application/json", "application/problem+json", "text/plain", "text/html")
	compressor.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})

	return func(next http.Handler) http.Handler {
		compressed := compressor.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isEventStream(r) {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}
