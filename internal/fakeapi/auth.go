package fakeapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const (
	tokenHeader  = "Authorization"
	bearerPrefix = "Bearer "
	tokenQuery   = "token"
)

// extractToken reads the header first, then the query fallback used by
// websocket clients that cannot set headers.
func extractToken(r *http.Request) string {
	if v := r.Header.Get(tokenHeader); v != "" {
		if strings.HasPrefix(v, bearerPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(v, bearerPrefix))
		}
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQuery))
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		tok := extractToken(r)
		if tok == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(s.opts.Token)) != 1 {
			writeError(w, fail(http.StatusUnauthorized, "Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
