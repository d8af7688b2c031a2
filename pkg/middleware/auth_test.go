package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware(t *testing.T) {
	handler := NewAuthMiddleware([]string{"ops-token", " ci-token "}).Handler(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic b3BzOnRva2Vu", http.StatusUnauthorized},
		{"no token", "Bearer", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"prefix of a token", "Bearer ops", http.StatusUnauthorized},
		{"first token", "Bearer ops-token", http.StatusOK},
		{"trimmed second token", "Bearer ci-token", http.StatusOK},
		{"lowercase scheme", "bearer ops-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/subscriptions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_DisabledWithoutTokens(t *testing.T) {
	m := NewAuthMiddleware([]string{"", "  "})
	if m.Enabled() {
		t.Fatal("blank tokens should not enable auth")
	}

	w := httptest.NewRecorder()
	m.Handler(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
