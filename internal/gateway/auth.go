package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authenticated rejects requests without the configured bearer token.
// /healthz stays open for load balancers and probes.
func (s *Server) authenticated(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	want := []byte(s.cfg.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token := ExtractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads the caller's token from, in order: Authorization:
// Bearer, X-API-Key, or the token query parameter (browsers cannot set
// headers on websocket upgrades).
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}
