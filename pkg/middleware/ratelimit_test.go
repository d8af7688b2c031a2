package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	ctx := context.Background()
	allowedCount := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		if ok, _ := limiter.Allow(ctx, "client"); ok {
			allowedCount++
		}
	}

	if allowedCount != limiter.Limit() {
		t.Errorf("Allowed %d requests, want %d", allowedCount, limiter.Limit())
	}

	// half a window refills half the rate
	now = now.Add(500 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow(ctx, "client"); !ok {
			t.Fatalf("request %d after refill was rejected", i)
		}
	}
	if ok, _ := limiter.Allow(ctx, "client"); ok {
		t.Error("refill should not exceed elapsed time")
	}

	// other keys have their own bucket
	if ok, _ := limiter.Allow(ctx, "other"); !ok {
		t.Error("independent key was rejected")
	}
}

func TestRateLimiter_RemainingAndCleanup(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute})
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if got := limiter.Remaining("k"); got != 3 {
		t.Errorf("Remaining() = %d, want 3", got)
	}
	_, _ = limiter.Allow(context.Background(), "k")
	if got := limiter.Remaining("k"); got != 2 {
		t.Errorf("Remaining() = %d, want 2", got)
	}

	now = now.Add(3 * time.Minute)
	limiter.Cleanup()
	if len(limiter.buckets) != 0 {
		t.Errorf("expected idle bucket to be removed, have %d", len(limiter.buckets))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})
	mw := NewRateLimitMiddleware(limiter, nil)
	mw.Match = func(r *http.Request) bool { return r.Method == http.MethodPost }
	handler := mw.Handler(okHandler)

	post := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/events", nil)
		req.RemoteAddr = ip + ":5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := post("10.0.0.1"); w.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", w.Code)
	}
	w := post("10.0.0.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if w := post("10.0.0.2"); w.Code != http.StatusOK {
		t.Errorf("other client = %d, want 200", w.Code)
	}

	// unmatched requests pass untouched
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET = %d, want 200", rec.Code)
		}
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}
func (brokenLimiter) Limit() int { return 1 }

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	handler := NewRateLimitMiddleware(brokenLimiter{}, nil).Handler(okHandler)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.1:1234", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.8"}, "10.0.0.1:1234", "203.0.113.8"},
		{"remote addr", nil, "192.0.2.1:8080", "192.0.2.1"},
		{"remote without port", nil, "192.0.2.1", "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDistributedRateLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	config := &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute, BurstSize: 1}
	ctx := context.Background()

	// two instances share one counter
	a := NewDistributedRateLimiter(client, config, "hookrelay:ratelimit")
	b := NewDistributedRateLimiter(client, config, "hookrelay:ratelimit")

	for i, limiter := range []*DistributedRateLimiter{a, b, a} {
		ok, err := limiter.Allow(ctx, "ip:1")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := b.Allow(ctx, "ip:1"); ok {
		t.Error("fourth request should be limited")
	}

	remaining, err := a.Remaining(ctx, "ip:1")
	if err != nil || remaining != 0 {
		t.Errorf("Remaining() = %d, %v; want 0", remaining, err)
	}
	if ttl, _ := a.TTL(ctx, "ip:1"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL() = %v, want within the window", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if ok, _ := a.Allow(ctx, "ip:1"); !ok {
		t.Error("window should have reset")
	}

	if err := a.Reset(ctx, "ip:1"); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if remaining, _ := a.Remaining(ctx, "ip:1"); remaining != 3 {
		t.Errorf("Remaining() after reset = %d, want 3", remaining)
	}
}

func TestDistributedRateLimiter_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	limiter := NewDistributedRateLimiter(client, nil, "")
	if _, err := limiter.Allow(context.Background(), "k"); err == nil {
		t.Error("expected an error with redis down")
	}
}
