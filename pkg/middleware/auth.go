package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/platinummonkey/hookrelay/pkg/httputil"
)

// AuthMiddleware requires a static bearer token on every request
type AuthMiddleware struct {
	tokens [][]byte
}

// NewAuthMiddleware accepts any of tokens. With no tokens configured the
// middleware lets every request through.
func NewAuthMiddleware(tokens []string) *AuthMiddleware {
	m := &AuthMiddleware{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			m.tokens = append(m.tokens, []byte(t))
		}
	}
	return m
}

// Enabled reports whether any token is configured
func (m *AuthMiddleware) Enabled() bool {
	return len(m.tokens) > 0
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	if !m.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		if !m.valid([]byte(parts[1])) {
			httputil.WriteUnauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) valid(token []byte) bool {
	ok := 0
	for _, t := range m.tokens {
		ok |= subtle.ConstantTimeCompare(token, t)
	}
	return ok == 1
}
