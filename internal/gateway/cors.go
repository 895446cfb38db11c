package gateway

import (
	"net/http"
	"path"
	"strings"
)

// corsMiddleware answers preflights and sets CORS headers for origins that
// match one of patterns. Patterns use path.Match syntax, the same syntax the
// websocket upgrader applies to AllowOrigins. An empty list is a no-op.
func corsMiddleware(patterns []string) func(http.Handler) http.Handler {
	if len(patterns) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, patterns) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				h.Set("Access-Control-Max-Age", "3600")
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, patterns []string) bool {
	host := origin
	if _, after, ok := strings.Cut(origin, "://"); ok {
		host = after
	}
	for _, p := range patterns {
		if p == "*" || p == origin {
			return true
		}
		if ok, _ := path.Match(p, host); ok {
			return true
		}
	}
	return false
}
