package middleware

import (
	"fmt"
	"net/http"
)

// SecurityConfig holds security header configuration. CORS is handled
// by internal/api.CORSMiddleware instead of duplicating it here.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	HSTSMaxAge            int
	ReferrerPolicy        string
}

// DefaultSecurityConfig returns production-safe defaults, with a CSP
// permissive enough for the worker-facing WebSocket upgrade.
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		ContentSecurityPolicy: "default-src 'self'; connect-src 'self' wss: ws:",
		FrameOptions:          "DENY",
		HSTSMaxAge:            31536000,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}
}

// SecurityMiddleware adds security headers to responses. Grounded on
// gateway-go/middleware/security.go's Middleware (its CORSMiddleware
// half is dropped, see DESIGN.md).
type SecurityMiddleware struct {
	config *SecurityConfig
}

// NewSecurityMiddleware creates a new security middleware.
func NewSecurityMiddleware(cfg *SecurityConfig) *SecurityMiddleware {
	if cfg == nil {
		cfg = DefaultSecurityConfig()
	}
	return &SecurityMiddleware{config: cfg}
}

// Middleware returns the HTTP middleware handler.
func (m *SecurityMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.FrameOptions != "" {
			w.Header().Set("X-Frame-Options", m.config.FrameOptions)
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")

		if m.config.ContentSecurityPolicy != "" {
			w.Header().Set("Content-Security-Policy", m.config.ContentSecurityPolicy)
		}
		if m.config.ReferrerPolicy != "" {
			w.Header().Set("Referrer-Policy", m.config.ReferrerPolicy)
		}
		if m.config.HSTSMaxAge > 0 {
			w.Header().Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", m.config.HSTSMaxAge))
		}
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		next.ServeHTTP(w, r)
	})
}
