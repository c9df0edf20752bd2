package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// withAuth checks the bearer token when one is configured.
// withAuth 在配置了令牌时校验 Bearer 令牌。
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Kind: "auth"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
