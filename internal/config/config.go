// Package config loads the immutable process configuration from environment
// variables. The Config value is constructed once at startup and passed
// explicitly to each component; there is no global mutable configuration.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Form-Bridge server.
type Config struct {
	HTTP         HTTPConfig
	Auth         AuthConfig
	SecretStore  SecretStoreConfig
	Ingest       IngestConfig
	Persister    PersisterConfig
	Orchestrator OrchestratorConfig
	Retry        RetryConfig
	Query        QueryConfig
	Store        StoreConfig
	Retention    RetentionConfig
	Log          LogConfig
	Metrics      MetricsConfig
	Telemetry    TelemetryConfig
}

type HTTPConfig struct {
	ListenAddr              string
	GracefulShutdownTimeout time.Duration
}

type AuthConfig struct {
	// ReplayWindow is the symmetric tolerance around now for X-Timestamp.
	ReplayWindow time.Duration
}

type SecretStoreConfig struct {
	CacheTTL time.Duration
}

type IngestConfig struct {
	MaxPayloadBytes int
}

type PersisterConfig struct {
	MaxConcurrentEvents int
}

type OrchestratorConfig struct {
	MaxConcurrentEvents  int
	PerSubmissionFanout  int
	PerTenantCap         int
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxEventAge time.Duration
}

type QueryConfig struct {
	DefaultLimit int
	MaxLimit     int
	// CursorSecret signs pagination cursors so they cannot be replayed
	// across tenants. Empty means a random per-boot secret.
	CursorSecret string
}

type StoreConfig struct {
	// Driver selects the SubmissionStore implementation: "memory" or "bolt".
	Driver  string
	DataDir string
}

type RetentionConfig struct {
	// Interval between janitor sweeps of expired submissions.
	Interval time.Duration
}

type LogConfig struct {
	Level string
}

type MetricsConfig struct {
	Enabled bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		HTTP: HTTPConfig{
			ListenAddr:              envStr("FORMBRIDGE_LISTEN_ADDR", ":8080"),
			GracefulShutdownTimeout: envDur("FORMBRIDGE_GRACEFUL_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			ReplayWindow: envDur("FORMBRIDGE_AUTH_REPLAY_WINDOW", 300*time.Second),
		},
		SecretStore: SecretStoreConfig{
			CacheTTL: envDur("FORMBRIDGE_SECRET_CACHE_TTL", 300*time.Second),
		},
		Ingest: IngestConfig{
			MaxPayloadBytes: envInt("FORMBRIDGE_INGEST_MAX_PAYLOAD_BYTES", 262144),
		},
		Persister: PersisterConfig{
			MaxConcurrentEvents: envInt("FORMBRIDGE_PERSISTER_CONCURRENCY", 16),
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentEvents: envInt("FORMBRIDGE_ORCHESTRATOR_CONCURRENCY", 32),
			PerSubmissionFanout: envInt("FORMBRIDGE_PER_SUBMISSION_FANOUT", 10),
			PerTenantCap:        envInt("FORMBRIDGE_PER_TENANT_CAP", 50),
		},
		Retry: RetryConfig{
			MaxAttempts: envInt("FORMBRIDGE_RETRY_MAX_ATTEMPTS", 6),
			BaseDelay:   envDur("FORMBRIDGE_RETRY_BASE_DELAY", time.Second),
			MaxDelay:    envDur("FORMBRIDGE_RETRY_MAX_DELAY", 60*time.Second),
			MaxEventAge: envDur("FORMBRIDGE_RETRY_MAX_EVENT_AGE", time.Hour),
		},
		Query: QueryConfig{
			DefaultLimit: envInt("FORMBRIDGE_QUERY_DEFAULT_LIMIT", 50),
			MaxLimit:     envInt("FORMBRIDGE_QUERY_MAX_LIMIT", 200),
			CursorSecret: envStr("FORMBRIDGE_CURSOR_SECRET", ""),
		},
		Store: StoreConfig{
			Driver:  envStr("FORMBRIDGE_STORE_DRIVER", "memory"),
			DataDir: envStr("FORMBRIDGE_DATA_DIR", "./data"),
		},
		Retention: RetentionConfig{
			Interval: envDur("FORMBRIDGE_RETENTION_INTERVAL", time.Hour),
		},
		Log: LogConfig{
			Level: envStr("FORMBRIDGE_LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Enabled: envBool("FORMBRIDGE_METRICS_ENABLED", true),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "formbridge"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
