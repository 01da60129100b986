// Package config provides configuration management for Clawback.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for Clawback.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the ops API server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Engine is the saga execution engine configuration.
	Engine EngineConfig `mapstructure:"engine"`

	// TTL holds the reuse windows for completed step artifacts.
	TTL TTLConfig `mapstructure:"ttl"`

	// Retry is the manual retry policy configuration.
	Retry RetryConfig `mapstructure:"retry"`

	// Storage is the persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Journal is the append-only event journal configuration.
	Journal JournalConfig `mapstructure:"journal"`

	// Events is the external event publishing configuration.
	Events EventsConfig `mapstructure:"events"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`

	// Reliability holds the per-service call protection settings.
	Reliability ReliabilityConfig `mapstructure:"reliability"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	// Enabled enables the ops HTTP API.
	Enabled bool `mapstructure:"enabled"`

	// Host is the bind address.
	Host string `mapstructure:"host" validate:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// WebSocket is the live status websocket configuration.
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// ExposedHeaders is the list of headers exposed to the client.
	ExposedHeaders []string `mapstructure:"exposed_headers"`

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// WebSocketConfig holds the live status websocket settings.
type WebSocketConfig struct {
	// Enabled exposes the websocket status endpoint.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins restricts upgrade requests; empty allows same-host only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// MaxConnections caps concurrent websocket clients; 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// PingInterval is how often the server pings idle clients.
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// PongTimeout is how long after a ping to wait for the pong.
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// EngineConfig holds saga execution engine settings.
type EngineConfig struct {
	// NodeID identifies this process in published events.
	NodeID string `mapstructure:"node_id"`

	// MaxConcurrentSagas caps sagas executing at once; 0 keeps the default.
	MaxConcurrentSagas int `mapstructure:"max_concurrent_sagas" validate:"min=0"`

	// RecoveryStaleAfter is how long an in-progress execution may sit without
	// progress before the startup scan marks it failed.
	RecoveryStaleAfter time.Duration `mapstructure:"recovery_stale_after"`
}

// TTLConfig holds the per-step-type reuse windows. A completed step whose
// artifact is older than its window must re-execute on retry.
type TTLConfig struct {
	// InventoryReservation is the reuse window for warehouse holds.
	InventoryReservation time.Duration `mapstructure:"inventory_reservation"`

	// PaymentAuthorization is the reuse window for payment authorizations.
	PaymentAuthorization time.Duration `mapstructure:"payment_authorization"`

	// ShippingArrangement is the reuse window for carrier bookings.
	ShippingArrangement time.Duration `mapstructure:"shipping_arrangement"`
}

// RetryConfig holds the manual retry policy settings.
type RetryConfig struct {
	// MaxAttempts is the maximum number of manual retries per order.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// Window is how long after the original failure a retry stays allowed.
	Window time.Duration `mapstructure:"window"`

	// PriceChangeAfter is the age past which a retry must acknowledge that
	// prices may have moved.
	PriceChangeAfter time.Duration `mapstructure:"price_change_after"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, sqlite).
	Type string `mapstructure:"type" validate:"oneof=memory badger sqlite"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// SQLite is the SQLite configuration.
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep"`

	// GCInterval is how often the value log garbage collector runs.
	GCInterval time.Duration `mapstructure:"gc_interval"`

	// GCDiscardRatio is the minimum reclaimable fraction before a value log
	// file is rewritten (0.0-1.0).
	GCDiscardRatio float64 `mapstructure:"gc_discard_ratio" validate:"min=0,max=1"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `mapstructure:"path"`

	// BusyTimeout is how long a locked database blocks a writer.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// JournalConfig holds the append-only event journal settings.
type JournalConfig struct {
	// Enabled enables journaling of saga events.
	Enabled bool `mapstructure:"enabled"`

	// Path is the journal database directory; empty shares the storage
	// backend's BadgerDB.
	Path string `mapstructure:"path"`

	// WriteMode selects sync or async journal appends.
	WriteMode string `mapstructure:"write_mode" validate:"oneof=sync async"`

	// BufferSize is the async append queue length.
	BufferSize int `mapstructure:"buffer_size" validate:"min=0"`

	// Retention is how long journal entries for finished executions are kept.
	Retention time.Duration `mapstructure:"retention"`

	// CleanupInterval is how often expired journal entries are purged.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// EventsConfig holds external event publishing settings.
type EventsConfig struct {
	// History is the durable history sink (none, nats, redis).
	History string `mapstructure:"history" validate:"oneof=none nats redis"`

	// Status is the live status fan-out sink (none, redis).
	Status string `mapstructure:"status" validate:"oneof=none redis"`

	// PublishRetries is the number of publish attempts before an event is
	// dropped from a sink.
	PublishRetries int `mapstructure:"publish_retries" validate:"min=0"`

	// NATS is the NATS JetStream configuration.
	NATS NATSConfig `mapstructure:"nats"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// NATSConfig holds NATS JetStream-specific settings.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `mapstructure:"url"`

	// Stream is the JetStream stream history events land in.
	Stream string `mapstructure:"stream"`

	// MaxAge bounds how long the stream retains events; 0 keeps them until
	// other stream limits apply.
	MaxAge time.Duration `mapstructure:"max_age"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`

	// StreamKey is the stream history events are appended to.
	StreamKey string `mapstructure:"stream_key"`

	// StreamMaxLen bounds the history stream length; 0 means unbounded.
	StreamMaxLen int64 `mapstructure:"stream_max_len"`

	// ChannelPrefix prefixes the per-order live status channels.
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlp).
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlp"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout is the per-export timeout.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are extra headers sent to the collector.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler selects the sampling strategy (ratio, always_on, always_off).
	Sampler string `mapstructure:"sampler" validate:"omitempty,oneof=ratio always_on always_off"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// ReliabilityConfig holds the per-service call protection settings. Each
// fulfillment service gets its own limiter, breaker, and retry policy.
type ReliabilityConfig struct {
	// Inventory protects calls to the inventory service.
	Inventory ServiceReliabilityConfig `mapstructure:"inventory"`

	// Payment protects calls to the payment service.
	Payment ServiceReliabilityConfig `mapstructure:"payment"`

	// Shipping protects calls to the shipping service.
	Shipping ServiceReliabilityConfig `mapstructure:"shipping"`
}

// ServiceReliabilityConfig holds one service's call protection settings.
type ServiceReliabilityConfig struct {
	// Timeout bounds each individual call to the service. Zero disables
	// the bound; retries each get a fresh one.
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxAttempts is the number of transparent attempts per call.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// BaseDelay is the first retry backoff delay.
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// MaxDelay caps the retry backoff delay.
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// RatePerSecond is the sustained outbound call rate.
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"min=0"`

	// Burst is the short-term burst allowance above the sustained rate.
	Burst int `mapstructure:"burst" validate:"min=0"`

	// BreakerFailures is the consecutive failure count that opens the
	// circuit breaker.
	BreakerFailures int `mapstructure:"breaker_failures" validate:"min=1"`

	// BreakerReset is how long an open breaker waits before probing again.
	BreakerReset time.Duration `mapstructure:"breaker_reset"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Storage: %s, Env: %s}",
		c.App.Name, c.Server.Port, c.Storage.Type, c.App.Environment)
}
