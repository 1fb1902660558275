package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken admits requests whose Authorization header carries one of the
// configured tokens, as "Bearer <token>" or "Token <token>". With no tokens
// configured every request is refused.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tokenAllowed(s.tokens, r.Header.Get("Authorization")) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="bptl"`)
			s.writeError(w, http.StatusUnauthorized, "missing or invalid API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenAllowed(tokens [][]byte, header string) bool {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok {
		return false
	}
	if !strings.EqualFold(scheme, "Bearer") && !strings.EqualFold(scheme, "Token") {
		return false
	}
	given := []byte(strings.TrimSpace(token))
	if len(given) == 0 {
		return false
	}

	allowed := false
	for _, t := range tokens {
		if subtle.ConstantTimeCompare(given, t) == 1 {
			allowed = true
		}
	}
	return allowed
}
