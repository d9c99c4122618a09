package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
		LimiterTTL:        5 * time.Minute,
	})
	defer rl.Stop()

	t.Run("allows burst requests", func(t *testing.T) {
		key := "client-burst"
		for i := 0; i < 5; i++ {
			if !rl.Allow(key) {
				t.Errorf("request %d should be allowed within burst", i+1)
			}
		}
	})

	t.Run("blocks after burst exhausted", func(t *testing.T) {
		key := "client-block"
		for i := 0; i < 5; i++ {
			rl.Allow(key)
		}
		if rl.Allow(key) {
			t.Error("request should be blocked after burst exhausted")
		}
	})

	t.Run("independent keys", func(t *testing.T) {
		key1, key2 := "client-1", "client-2"
		for i := 0; i < 5; i++ {
			rl.Allow(key1)
		}
		if !rl.Allow(key2) {
			t.Error("key2 should be independent of key1")
		}
	})
}

func TestRateLimiterMiddlewareSkipsConfiguredPaths(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
		LimiterTTL:        time.Minute,
		SkipPaths:         []string{"/health"},
	})
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("skip-path request %d: got %d", i, rr.Code)
		}
	}
}

func TestRateLimiterMiddlewareBlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
		LimiterTTL:        time.Minute,
		KeyFunc:           func(r *http.Request) string { return "fixed" },
	})
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, first)
	if rr1.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rr1.Code)
	}

	second := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, second)
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be rate limited, got %d", rr2.Code)
	}
}
