package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "clawback",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 10 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			WebSocket: WebSocketConfig{
				Enabled:        true,
				MaxConnections: 256,
				PingInterval:   30 * time.Second,
				PongTimeout:    10 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Engine: EngineConfig{
			NodeID:             "clawback-1",
			MaxConcurrentSagas: 100,
			RecoveryStaleAfter: 5 * time.Minute,
		},
		TTL: TTLConfig{
			InventoryReservation: 1 * time.Hour,
			PaymentAuthorization: 24 * time.Hour,
			ShippingArrangement:  4 * time.Hour,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			Window:           7 * 24 * time.Hour,
			PriceChangeAfter: 24 * time.Hour,
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1073741824, // 1GB
				NumVersionsToKeep: 1,
				GCInterval:        10 * time.Minute,
				GCDiscardRatio:    0.5,
			},
			SQLite: SQLiteConfig{
				Path:        "./data/clawback.db",
				BusyTimeout: 5 * time.Second,
			},
		},
		Journal: JournalConfig{
			Enabled:         true,
			Path:            "./data/journal",
			WriteMode:       "sync",
			BufferSize:      1024,
			Retention:       30 * 24 * time.Hour,
			CleanupInterval: 1 * time.Hour,
		},
		Events: EventsConfig{
			History:        "none",
			Status:         "none",
			PublishRetries: 3,
			NATS: NATSConfig{
				URL:    "nats://localhost:4222",
				Stream: "SAGA_EVENTS",
				MaxAge: 7 * 24 * time.Hour,
			},
			Redis: RedisConfig{
				Address:       "localhost:6379",
				Password:      "",
				DB:            0,
				StreamKey:     "saga:events",
				StreamMaxLen:  100000,
				ChannelPrefix: "saga:status:",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
		Reliability: ReliabilityConfig{
			Inventory: DefaultServiceReliability(),
			Payment:   DefaultServiceReliability(),
			Shipping:  DefaultServiceReliability(),
		},
	}
}

// DefaultServiceReliability returns the standard call protection settings
// for one fulfillment service.
func DefaultServiceReliability() ServiceReliabilityConfig {
	return ServiceReliabilityConfig{
		Timeout:         5 * time.Second,
		MaxAttempts:     3,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		RatePerSecond:   50,
		Burst:           25,
		BreakerFailures: 5,
		BreakerReset:    10 * time.Second,
	}
}
