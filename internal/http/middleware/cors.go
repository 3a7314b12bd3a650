package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

const (
	corsAllowedMethods = "GET, POST, DELETE, OPTIONS"
	corsAllowedHeaders = "Accept, Authorization, Content-Type, " + RequestIDHeader
	corsMaxAge         = 24 * 60 * 60
)

// CORS allows cross-origin calls from the given origins. "*" allows any.
func CORS(origins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(origins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case origin == "":
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			default:
				origin = ""
			}
			if origin != "" {
				w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isEventStream reports whether the request expects server-sent events.
func isEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream") ||
		strings.HasSuffix(r.URL.Path, "/events")
}
