// Command iris runs the coordinator: the HTTP/WebSocket boundary, the
// Task Orchestrator, and every background sweeper (heartbeat reaper,
// reputation decay, rate-limiter cleanup) in a single process. Grounded
// on orchestrator-go/cmd/orchestrator/main.go and gateway-go/main.go's
// wiring and shutdown sequence, merged into one composition root.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HectorEspejo/iris/internal/aggregator"
	"github.com/HectorEspejo/iris/internal/api"
	"github.com/HectorEspejo/iris/internal/attachments"
	"github.com/HectorEspejo/iris/internal/classifier"
	"github.com/HectorEspejo/iris/internal/config"
	"github.com/HectorEspejo/iris/internal/middleware"
	"github.com/HectorEspejo/iris/internal/orchestrator"
	"github.com/HectorEspejo/iris/internal/registry"
	"github.com/HectorEspejo/iris/internal/reputation"
	"github.com/HectorEspejo/iris/internal/selection"
	"github.com/HectorEspejo/iris/internal/store"
	"github.com/HectorEspejo/iris/internal/stream"
	"github.com/HectorEspejo/iris/internal/tracing"
	"github.com/HectorEspejo/iris/internal/wsconn"
)

// allowAllVerifier accepts every registration proof unconditionally. It
// backs AUTH_MODE="" for local/dev runs where no account service is
// reachable.
type allowAllVerifier struct{}

func (allowAllVerifier) Verify(_ context.Context, nodeID, _ string) (string, bool) {
	return nodeID, true
}

func main() {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting iris coordinator",
		slog.String("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx := context.Background()

	tracingProvider, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "iris-coordinator",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
		SampleRate:     cfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", slog.Any("error", err))
	}

	// --- Task store ---
	var taskStore orchestrator.Store
	switch cfg.Store.Backend {
	case "redis":
		redisStore, err := store.NewRedisStore(&store.RedisConfig{
			URL:          cfg.Redis.URL,
			Prefix:       cfg.Store.Prefix,
			TTL:          cfg.Store.TTL,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			logger.Error("failed to connect task store to redis, falling back to memory", slog.Any("error", err))
			taskStore = store.NewMemory()
		} else {
			taskStore = redisStore
			logger.Info("using redis task store", slog.String("url", cfg.Redis.URL))
		}
	default:
		taskStore = store.NewMemory()
		logger.Info("using in-memory task store")
	}

	// --- Reputation store + engine ---
	var repStore reputation.Store
	switch cfg.Reputation.Backend {
	case "redis":
		redisRepStore, err := reputation.NewRedisStore(&reputation.RedisConfig{
			URL:          cfg.Redis.URL,
			Prefix:       cfg.Reputation.Prefix,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			logger.Error("failed to connect reputation store to redis, falling back to memory", slog.Any("error", err))
			repStore = reputation.NewMemoryStore()
		} else {
			repStore = redisRepStore
			logger.Info("using redis reputation store", slog.String("url", cfg.Redis.URL))
		}
	default:
		repStore = reputation.NewMemoryStore()
		logger.Info("using in-memory reputation store")
	}

	// --- Account-proof verification ---
	var verifier registry.AccountVerifier
	switch cfg.Auth.Mode {
	case "jwt":
		verifier = middleware.NewJWTVerifier(middleware.JWTVerifierConfig{
			JWKSURL:  cfg.Auth.JWKSURL,
			Audience: cfg.Auth.JWTAudience,
			Issuer:   cfg.Auth.JWTIssuer,
		}, logger)
	case "oidc":
		oidcVerifier, err := middleware.NewOIDCVerifier(ctx, middleware.OIDCVerifierConfig{
			Issuer:   cfg.Auth.OIDCIssuer,
			ClientID: cfg.Auth.OIDCClientID,
		})
		if err != nil {
			logger.Error("failed to initialize oidc verifier, falling back to allow-all", slog.Any("error", err))
			verifier = allowAllVerifier{}
		} else {
			verifier = oidcVerifier
		}
	default:
		logger.Warn("AUTH_MODE not set, accepting every node registration proof")
		verifier = allowAllVerifier{}
	}

	reg := registry.NewMemory(registry.Config{
		HeartbeatIntervalS:       cfg.Registry.HeartbeatIntervalS,
		HeartbeatTimeoutMultiple: cfg.Registry.HeartbeatTimeoutMultiple,
		CircuitFailureThreshold:  cfg.Registry.CircuitFailureThreshold,
		CircuitRecoveryTimeout:   cfg.Registry.CircuitRecoveryTimeout,
		ReapInterval:             cfg.Registry.ReapInterval,
	}, verifier, logger)
	defer reg.Close()

	modelNameLookup := func(nodeID string) string {
		snaps, err := reg.Snapshot(ctx)
		if err != nil {
			return ""
		}
		for _, n := range snaps {
			if n.ID == nodeID {
				return n.Capabilities.ModelName
			}
		}
		return ""
	}

	repEngine := reputation.New(repStore, reg.UpdateReputation, modelNameLookup, logger)
	defer repEngine.Close()
	if cfg.Reputation.DecayEnabled {
		repEngine.StartWeeklyDecaySweep(ctx, cfg.Reputation.DecayPeriod)
	}

	// --- Classifier ---
	var external classifier.Classifier
	if cfg.Classifier.ExternalEndpoint != "" {
		external = &classifier.HTTPExternal{
			Endpoint: cfg.Classifier.ExternalEndpoint,
			Client:   &http.Client{Timeout: cfg.Classifier.Timeout},
		}
	}
	cls := classifier.New(external, logger)

	// --- Selection ---
	weights := selection.Weights{
		Reputation: cfg.Selection.WeightReputation,
		TPS:        cfg.Selection.WeightTPS,
		Load:       cfg.Selection.WeightLoad,
		Wait:       cfg.Selection.WeightWait,
	}
	strategy := selection.Strategy(cfg.Selection.Strategy)
	if strategy == "" {
		strategy = selection.PowerOfTwo
	}
	selector := selection.New(weights, strategy, nil)

	mux := stream.New(cfg.Stream.Capacity, logger)

	agg := aggregator.New(aggregator.Config{
		ConsensusDissenterPenaltyEnabled: false,
		ReputationLookup: func(nodeID string) float64 {
			return repEngine.Get(ctx, nodeID)
		},
	})

	// --- Attachment storage (optional) ---
	var attachmentStore attachments.Store
	if cfg.Attachments.Enabled {
		s3Store, err := attachments.NewS3Store(ctx, &attachments.Config{
			Endpoint:        cfg.Attachments.Endpoint,
			Bucket:          cfg.Attachments.Bucket,
			Region:          cfg.Attachments.Region,
			AccessKeyID:     cfg.Attachments.AccessKeyID,
			SecretAccessKey: cfg.Attachments.SecretAccessKey,
			UseSSL:          cfg.Attachments.UseSSL,
			PathPrefix:      cfg.Attachments.PathPrefix,
		})
		if err != nil {
			logger.Error("failed to initialize attachment store, uploads will be disabled", slog.Any("error", err))
		} else {
			attachmentStore = s3Store
			logger.Info("using s3 attachment store", slog.String("bucket", cfg.Attachments.Bucket))
		}
	}

	// No external document-bypass processor is wired by default: DIRECT
	// mode (spec §4.4 step 2) requires a real external service, out of
	// this repo's scope. orchestrator.Orchestrator accepts a nil
	// DocumentProcessor and simply never takes the DIRECT branch.
	orch := orchestrator.New(taskStore, reg, cls, selector, mux, agg, repEngine, nil, orchestrator.Config{
		ConsensusReplicas:    cfg.Orchestrator.ConsensusReplicas,
		MaxSubtasks:          cfg.Orchestrator.MaxSubtasks,
		ContextWindow:        cfg.Orchestrator.ContextWindow,
		ContextOverlap:       cfg.Orchestrator.ContextOverlap,
		AttemptRestartMarker: cfg.Orchestrator.AttemptRestartMarker,
	}, logger)

	hub := wsconn.NewHub(reg, orch, wsconn.HubConfig{
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         logger,
	})

	validator, err := api.NewValidator()
	if err != nil {
		logger.Error("failed to compile request schemas, validation will be skipped", slog.Any("error", err))
		validator = nil
	}

	handlers := api.NewHandlers(orch, reg, repEngine, mux, hub, attachmentStore, validator, cfg.CORSOrigins, logger)
	server := api.NewServer(handlers)

	rateLimiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.BurstSize,
		CleanupInterval:   time.Minute,
		LimiterTTL:        5 * time.Minute,
		SkipPaths:         []string{"/health", "/healthz", "/metrics"},
	})
	defer rateLimiter.Stop()

	securityMiddleware := middleware.NewSecurityMiddleware(middleware.DefaultSecurityConfig())
	tracingMiddleware := middleware.NewTracingMiddleware(&middleware.TracingConfig{Enabled: cfg.Tracing.Enabled})

	// Apply middleware outer -> inner: tracing wraps everything so spans
	// cover rate limiting and security headers too; internal/api's own
	// router already owns CORS/logging/recovery/request-ID innermost.
	rootHandler := tracingMiddleware.Middleware(
		securityMiddleware.Middleware(
			rateLimiter.Middleware(server.Router()),
		),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      rootHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}
	if tracingProvider != nil {
		if err := tracingProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", slog.Any("error", err))
		}
	}
	if closer, ok := taskStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("task store shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("server stopped")
}
