package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TracingConfig holds tracing middleware configuration.
type TracingConfig struct {
	Enabled bool
}

// TracingMiddleware wraps handlers with OpenTelemetry tracing. Grounded
// directly on gateway-go/middleware/tracing.go's otelhttp wrapper.
type TracingMiddleware struct {
	enabled bool
}

// NewTracingMiddleware creates a new tracing middleware.
func NewTracingMiddleware(cfg *TracingConfig) *TracingMiddleware {
	if cfg == nil {
		cfg = &TracingConfig{}
	}
	return &TracingMiddleware{enabled: cfg.Enabled}
}

// Middleware returns the HTTP middleware handler.
func (t *TracingMiddleware) Middleware(next http.Handler) http.Handler {
	if !t.enabled {
		return next
	}
	return otelhttp.NewHandler(next, "iris-coordinator",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
	)
}
