package middleware

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	CleanupInterval   time.Duration
	LimiterTTL        time.Duration
	SkipPaths         []string
	KeyFunc           func(*http.Request) string
}

// DefaultRateLimitConfig returns sensible defaults for the public HTTP
// boundary. Only the health endpoints are exempted; polling and SSE
// requests are rate limited like any other path.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		CleanupInterval:   time.Minute,
		LimiterTTL:        5 * time.Minute,
		SkipPaths:         []string{"/health", "/healthz"},
		KeyFunc:           defaultKeyFunc,
	}
}

func defaultKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i, c := range xff {
			if c == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastSeen   time.Time
	mu         sync.Mutex
}

// RateLimiter rate-limits per key using golang.org/x/time/rate.Limiter,
// one bucket per key instead of the hand-rolled token bucket gateway-go
// used for the same purpose.
type RateLimiter struct {
	config   *RateLimitConfig
	limiters map[string]*limiterEntry
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewRateLimiter creates a new rate limiter and starts its cleanup
// goroutine.
func NewRateLimiter(cfg *RateLimitConfig) *RateLimiter {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = defaultKeyFunc
	}

	rl := &RateLimiter{
		config:   cfg,
		limiters: make(map[string]*limiterEntry),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, entry := range rl.limiters {
				entry.mu.Lock()
				idle := now.Sub(entry.lastSeen) > rl.config.LimiterTTL
				entry.mu.Unlock()
				if idle {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// Allow reports whether a request for key should proceed.
func (rl *RateLimiter) Allow(key string) bool {
	entry := rl.entryFor(key)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func (rl *RateLimiter) entryFor(key string) *limiterEntry {
	rl.mu.RLock()
	entry, ok := rl.limiters[key]
	rl.mu.RUnlock()
	if ok {
		return entry
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if entry, ok := rl.limiters[key]; ok {
		return entry
	}
	entry = &limiterEntry{
		limiter:  rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
		lastSeen: time.Now(),
	}
	rl.limiters[key] = entry
	return entry
}

// Middleware returns an HTTP middleware that enforces rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, path := range rl.config.SkipPaths {
			if r.URL.Path == path {
				next.ServeHTTP(w, r)
				return
			}
		}

		key := rl.config.KeyFunc(r)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", rl.config.RequestsPerSecond))

		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Remaining", "0")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
