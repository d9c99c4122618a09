// Package config loads the coordinator's configuration from environment
// variables, grounded on orchestrator-go/internal/config/config.go's
// getEnv/getInt/getBool/getDuration helper style and gateway-go's
// loadConfig().
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig configures the HTTP boundary's listener.
type ServerConfig struct {
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
}

// RedisConfig is the shared connection shape for every Redis-backed
// component (task store, reputation store), each still getting its own
// key prefix; the task store also has its own TTL.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StoreConfig selects and configures the Task store backend.
type StoreConfig struct {
	Backend string // "memory" or "redis"
	Prefix  string
	TTL     time.Duration
}

// ReputationConfig selects and configures the reputation score/event
// store backend and the weekly decay sweep cadence.
type ReputationConfig struct {
	Backend      string // "memory" or "redis"
	Prefix       string
	DecayEnabled bool
	DecayPeriod  time.Duration
}

// RegistryConfig mirrors registry.Config's heartbeat/circuit-breaker
// tunables.
type RegistryConfig struct {
	HeartbeatIntervalS       int
	HeartbeatTimeoutMultiple int
	CircuitFailureThreshold  int
	CircuitRecoveryTimeout   time.Duration
	ReapInterval             time.Duration
}

// SelectionConfig mirrors selection.Weights plus the candidate-sampling
// strategy toggle from spec.md §4.2's Open Question on power-of-two
// exploration vs. deterministic top-k.
type SelectionConfig struct {
	WeightReputation float64
	WeightTPS        float64
	WeightLoad       float64
	WeightWait       float64
	Strategy         string // "power_of_two" or "deterministic"
}

// StreamConfig configures the stream multiplexer's per-task ring buffer.
type StreamConfig struct {
	Capacity int
}

// OrchestratorConfig mirrors orchestrator.Config's dispatch tunables.
type OrchestratorConfig struct {
	ConsensusReplicas    int
	MaxSubtasks          int
	ContextWindow        int
	ContextOverlap       int
	AttemptRestartMarker bool
}

// ClassifierConfig configures the external-classifier HTTP client that
// backs classifier.Chain's primary path.
type ClassifierConfig struct {
	ExternalEndpoint string
	Timeout          time.Duration
}

// AuthConfig selects and configures the node-registration account-proof
// verifier: a bare bearer JWT checked against a JWKS endpoint, or an
// OIDC ID token, per internal/middleware's two AccountVerifier adapters.
type AuthConfig struct {
	Mode string // "jwt", "oidc", or "" (disabled, every proof accepted)

	JWKSURL      string
	JWTAudience  string
	JWTIssuer    string

	OIDCIssuer   string
	OIDCClientID string
}

// RateLimitConfig mirrors middleware.RateLimitConfig's per-key
// token-bucket tunables.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// TracingConfig mirrors tracing.Config's OpenTelemetry exporter setup.
type TracingConfig struct {
	Enabled      bool
	OTLPEndpoint string
	SampleRate   float64
}

// AttachmentsConfig configures the S3/MinIO-backed attachment store.
type AttachmentsConfig struct {
	Enabled         bool
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	PathPrefix      string
}

// LoggingConfig controls the process-wide slog handler.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// Config nests every component's configuration under one struct built
// once at startup.
type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	Store        StoreConfig
	Reputation   ReputationConfig
	Registry     RegistryConfig
	Selection    SelectionConfig
	Stream       StreamConfig
	Orchestrator OrchestratorConfig
	Classifier   ClassifierConfig
	Auth         AuthConfig
	RateLimit    RateLimitConfig
	Tracing      TracingConfig
	Attachments  AttachmentsConfig
	Logging      LoggingConfig
	CORSOrigins  []string
}

// Load reads configuration from environment variables with sensible
// defaults, mirroring orchestrator-go/internal/config/config.go's Load.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          getEnv("PORT", "7077"),
			ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
			ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", "memory"),
			Prefix:  getEnv("STORE_PREFIX", "tasks"),
			TTL:     getDuration("STORE_TTL", 24*time.Hour),
		},
		Reputation: ReputationConfig{
			Backend:      getEnv("REPUTATION_BACKEND", "memory"),
			Prefix:       getEnv("REPUTATION_PREFIX", "reputation"),
			DecayEnabled: getBool("REPUTATION_DECAY_ENABLED", true),
			DecayPeriod:  getDuration("REPUTATION_DECAY_PERIOD", 7*24*time.Hour),
		},
		Registry: RegistryConfig{
			HeartbeatIntervalS:       getInt("HEARTBEAT_INTERVAL_SECONDS", 15),
			HeartbeatTimeoutMultiple: getInt("HEARTBEAT_TIMEOUT_MULTIPLE", 3),
			CircuitFailureThreshold:  getInt("CIRCUIT_FAILURE_THRESHOLD", 3),
			CircuitRecoveryTimeout:   getDuration("CIRCUIT_RECOVERY_TIMEOUT", 5*time.Minute),
			ReapInterval:             getDuration("REAP_INTERVAL", 5*time.Second),
		},
		Selection: SelectionConfig{
			WeightReputation: getFloat("SELECTION_WEIGHT_REPUTATION", 0.4),
			WeightTPS:        getFloat("SELECTION_WEIGHT_TPS", 0.3),
			WeightLoad:       getFloat("SELECTION_WEIGHT_LOAD", 0.2),
			WeightWait:       getFloat("SELECTION_WEIGHT_WAIT", 0.1),
			Strategy:         getEnv("SELECTION_STRATEGY", "power_of_two"),
		},
		Stream: StreamConfig{
			Capacity: getInt("STREAM_CAPACITY", 256),
		},
		Orchestrator: OrchestratorConfig{
			ConsensusReplicas:    getInt("ORCH_CONSENSUS_REPLICAS", 3),
			MaxSubtasks:          getInt("ORCH_MAX_SUBTASKS", 8),
			ContextWindow:        getInt("ORCH_CONTEXT_WINDOW", 4000),
			ContextOverlap:       getInt("ORCH_CONTEXT_OVERLAP", 200),
			AttemptRestartMarker: getBool("ORCH_ATTEMPT_RESTART_MARKER", true),
		},
		Classifier: ClassifierConfig{
			ExternalEndpoint: getEnv("CLASSIFIER_ENDPOINT", ""),
			Timeout:          getDuration("CLASSIFIER_TIMEOUT", 5*time.Second),
		},
		Auth: AuthConfig{
			Mode:         getEnv("AUTH_MODE", ""),
			JWKSURL:      getEnv("AUTH_JWKS_URL", ""),
			JWTAudience:  getEnv("AUTH_JWT_AUDIENCE", ""),
			JWTIssuer:    getEnv("AUTH_JWT_ISSUER", ""),
			OIDCIssuer:   getEnv("AUTH_OIDC_ISSUER", ""),
			OIDCClientID: getEnv("AUTH_OIDC_CLIENT_ID", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getFloat("RATE_LIMIT_RPS", 20),
			BurstSize:         getInt("RATE_LIMIT_BURST", 40),
		},
		Tracing: TracingConfig{
			Enabled:      getBool("TRACING_ENABLED", false),
			OTLPEndpoint: getEnv("OTLP_ENDPOINT", "localhost:4317"),
			SampleRate:   getFloat("TRACING_SAMPLE_RATE", 1.0),
		},
		Attachments: AttachmentsConfig{
			Enabled:         getBool("ATTACHMENTS_ENABLED", false),
			Endpoint:        getEnv("ATTACHMENTS_S3_ENDPOINT", ""),
			Bucket:          getEnv("ATTACHMENTS_S3_BUCKET", ""),
			Region:          getEnv("ATTACHMENTS_S3_REGION", "us-east-1"),
			AccessKeyID:     getEnv("ATTACHMENTS_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ATTACHMENTS_S3_SECRET_ACCESS_KEY", ""),
			UseSSL:          getBool("ATTACHMENTS_S3_USE_SSL", false),
			PathPrefix:      getEnv("ATTACHMENTS_S3_PATH_PREFIX", "attachments"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
