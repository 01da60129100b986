package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clawback/clawback/config"
	"github.com/clawback/clawback/pkg/api"
	apievents "github.com/clawback/clawback/pkg/api/events"
	"github.com/clawback/clawback/pkg/api/handlers"
	"github.com/clawback/clawback/pkg/events"
	"github.com/clawback/clawback/pkg/fulfillment"
	"github.com/clawback/clawback/pkg/logger"
	"github.com/clawback/clawback/pkg/metrics"
	"github.com/clawback/clawback/pkg/reliability"
	"github.com/clawback/clawback/pkg/saga"
	storagebadger "github.com/clawback/clawback/pkg/storage/badger"
	"github.com/clawback/clawback/pkg/telemetry/tracing"
	"github.com/clawback/clawback/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName    = flag.String("app-name", "", "Override app name")
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")

	demoMode = flag.Bool("demo", false, "Run a demo order workload after startup")
)

const (
	busBufferSize     = 256
	emitterBufferSize = 256
)

func main() {
	flag.Parse()

	// Print help
	if *helpFlag {
		printHelp()
		os.Exit(0)
	}

	// Print version
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	// Build CLI overrides map
	overrides := buildOverrides()

	// Load configuration
	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	// Initialize logger with configuration
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting Clawback",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)

	log.Debug("Configuration loaded", "config", cfg.String())

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize tracing
	traceShutdown, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := traceShutdown(flushCtx); err != nil {
			log.Warn("Error shutting down tracing", "error", err)
		}
	}()

	// Initialize metrics manager
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)

	// Start metrics server if enabled
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Initialize the execution store
	var (
		store    saga.ExecutionStore
		sharedDB *storagebadger.DB
	)
	switch cfg.Storage.Type {
	case "badger":
		db, err := storagebadger.Open(&storagebadger.Config{
			Path:              cfg.Storage.Badger.Path,
			SyncWrites:        cfg.Storage.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Storage.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Storage.Badger.NumVersionsToKeep,
			GCInterval:        cfg.Storage.Badger.GCInterval,
			GCDiscardRatio:    cfg.Storage.Badger.GCDiscardRatio,
		}, log)
		if err != nil {
			log.Error("Failed to open Badger database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error("Error closing Badger database", "error", err)
			}
		}()
		badgerStore, err := saga.NewBadgerStore(db.DB())
		if err != nil {
			log.Error("Failed to create Badger execution store", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		sharedDB = db
		log.Info("Initialized Badger execution store", "path", cfg.Storage.Badger.Path)
	case "sqlite":
		db, err := saga.OpenSQLite(cfg.Storage.SQLite.Path)
		if err != nil {
			log.Error("Failed to open SQLite database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error("Error closing SQLite database", "error", err)
			}
		}()
		sqlStore, err := saga.NewSQLStore(db)
		if err != nil {
			log.Error("Failed to create SQLite execution store", "error", err)
			os.Exit(1)
		}
		if err := sqlStore.InitSchema(ctx); err != nil {
			log.Error("Failed to initialize SQLite schema", "error", err)
			os.Exit(1)
		}
		store = sqlStore
		log.Info("Initialized SQLite execution store", "path", cfg.Storage.SQLite.Path)
	case "memory":
		store = saga.NewMemoryStore()
		log.Info("Initialized in-memory execution store")
	default:
		store = saga.NewMemoryStore()
		log.Warn("Unknown storage type, using in-memory execution store", "type", cfg.Storage.Type)
	}

	// Open the event journal. An empty path shares the Badger storage
	// database; without one the journal needs its own directory.
	var journal *saga.BadgerJournal
	if cfg.Journal.Enabled {
		journalOpts := saga.JournalOptions{
			WriteMode:      saga.JournalWriteMode(cfg.Journal.WriteMode),
			AsyncQueueSize: cfg.Journal.BufferSize,
			Logger:         log,
		}
		switch {
		case cfg.Journal.Path == "" && sharedDB != nil:
			journal, err = saga.NewBadgerJournal(sharedDB.DB(), journalOpts)
		case cfg.Journal.Path == "":
			log.Warn("Journal enabled without a path or Badger storage, disabling journal")
		default:
			journal, err = saga.OpenBadgerJournal(cfg.Journal.Path, journalOpts)
		}
		if err != nil {
			log.Error("Failed to open event journal", "error", err)
			os.Exit(1)
		}
		if journal != nil {
			log.Info("Initialized event journal",
				"path", cfg.Journal.Path,
				"write_mode", cfg.Journal.WriteMode)
		}
	}

	// Build the event pipeline: local bus always, external sinks per config.
	bus := events.NewLocalBus(busBufferSize)
	transports := []events.Transport{bus}

	var natsPublisher *events.NATSPublisher
	if cfg.Events.History == "nats" {
		natsPublisher, err = events.NewNATSPublisher(events.NATSConfig{
			URL:    cfg.Events.NATS.URL,
			Stream: cfg.Events.NATS.Stream,
			MaxAge: cfg.Events.NATS.MaxAge,
		})
		if err != nil {
			log.Error("Failed to connect NATS history sink", "error", err)
			os.Exit(1)
		}
		transports = append(transports, natsPublisher)
		log.Info("Connected NATS history sink",
			"url", cfg.Events.NATS.URL,
			"stream", cfg.Events.NATS.Stream)
	}

	var redisPublisher *events.RedisPublisher
	if cfg.Events.History == "redis" || cfg.Events.Status == "redis" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Warn("Error closing Redis client", "error", err)
			}
		}()
		redisPublisher = events.NewRedisPublisher(redisClient, events.RedisConfig{
			StreamKey:     cfg.Events.Redis.StreamKey,
			ChannelPrefix: cfg.Events.Redis.ChannelPrefix,
			MaxStreamLen:  cfg.Events.Redis.StreamMaxLen,
		})
		if cfg.Events.History == "redis" {
			transports = append(transports, redisPublisher)
		}
		log.Info("Connected Redis sink", "address", cfg.Events.Redis.Address)
	}

	retryCfg := events.DefaultRetryConfig()
	if cfg.Events.PublishRetries > 0 {
		retryCfg.MaxRetries = cfg.Events.PublishRetries
	}
	publisher, err := events.NewPublisher(cfg.Engine.NodeID,
		events.MultiTransport(transports...), retryCfg,
		metricsManager.PublisherTelemetry("history"))
	if err != nil {
		log.Error("Failed to create event publisher", "error", err)
		os.Exit(1)
	}
	busEmitter := events.NewEmitter(publisher, log, emitterBufferSize)

	// Journal appends come first so the timeline is durable before fan-out.
	var emitters []saga.EventEmitter
	if journal != nil {
		emitters = append(emitters, saga.NewJournalEmitter(journal, log))
	}
	emitters = append(emitters, busEmitter)
	eventEmitter := saga.MultiEmitter(emitters...)

	statusSinks := []events.StatusSink{bus}
	if cfg.Events.Status == "redis" && redisPublisher != nil {
		statusSinks = append(statusSinks, redisPublisher)
	}
	notifier := events.NewNotifier(log, statusSinks...)

	// Fulfillment collaborators behind per-service reliability controls.
	// The base clients are kept in hand for the demo driver's failure
	// injection.
	inventoryClient := fulfillment.NewInMemoryInventoryClient()
	paymentClient := fulfillment.NewInMemoryPaymentClient()
	shippingClient := fulfillment.NewInMemoryShippingClient()
	inventory := reliability.WrapInventory(inventoryClient,
		reliabilitySettings(cfg.Reliability.Inventory))
	payment := reliability.WrapPayment(paymentClient,
		reliabilitySettings(cfg.Reliability.Payment))
	shipping := reliability.WrapShipping(shippingClient,
		reliabilitySettings(cfg.Reliability.Shipping))

	definition, err := fulfillment.NewDefinition(inventory, payment, shipping)
	if err != nil {
		log.Error("Failed to build fulfillment definition", "error", err)
		os.Exit(1)
	}

	orchestrator, err := saga.NewOrchestrator(definition, store,
		saga.WithMaxConcurrentSagas(cfg.Engine.MaxConcurrentSagas),
		saga.WithEventEmitter(eventEmitter),
		saga.WithStatusNotifier(notifier),
		saga.WithMetrics(metricsManager),
		saga.WithLogger(log),
	)
	if err != nil {
		log.Error("Failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	// Reconcile executions interrupted by the previous process before
	// accepting work.
	recoveryManager, err := saga.NewRecoveryManager(store, eventEmitter, metricsManager, log)
	if err != nil {
		log.Error("Failed to create recovery manager", "error", err)
		os.Exit(1)
	}
	if recovered, err := recoveryManager.Recover(ctx, cfg.Engine.RecoveryStaleAfter); err != nil {
		log.Warn("Startup recovery scan incomplete", "recovered", recovered, "error", err)
	} else if recovered > 0 {
		log.Info("Startup recovery scan finished", "recovered", recovered)
	}

	// Prune journal entries for long-finished executions in the background.
	var cleanupManager *saga.JournalCleanupManager
	if journal != nil && cfg.Journal.CleanupInterval > 0 && cfg.Journal.Retention > 0 {
		cleanupManager, err = saga.NewJournalCleanupManager(journal, store, log)
		if err != nil {
			log.Error("Failed to create journal cleanup manager", "error", err)
			os.Exit(1)
		}
		if err := cleanupManager.Start(ctx, cfg.Journal.CleanupInterval, cfg.Journal.Retention); err != nil {
			log.Error("Failed to start journal cleanup", "error", err)
			os.Exit(1)
		}
	}

	// Manual retry subsystem: artifact validity plus the admission policy.
	verifier := fulfillment.NewVerifier(inventory, payment, shipping)
	checker := saga.NewStepValidityChecker(saga.TTLConfig{
		InventoryReservation: cfg.TTL.InventoryReservation,
		PaymentAuthorization: cfg.TTL.PaymentAuthorization,
		ShippingArrangement:  cfg.TTL.ShippingArrangement,
	},
		saga.WithArtifactVerifier(verifier),
		saga.WithValidityLogger(log),
	)
	coordinator, err := saga.NewRetryCoordinator(orchestrator, checker, saga.RetryPolicy{
		MaxAttempts:      cfg.Retry.MaxAttempts,
		Window:           cfg.Retry.Window,
		PriceChangeAfter: cfg.Retry.PriceChangeAfter,
	})
	if err != nil {
		log.Error("Failed to create retry coordinator", "error", err)
		os.Exit(1)
	}

	// Live event stream: websocket fan-out fed from the bus.
	var (
		wsHandler *handlers.WebSocketHandler
		bridge    *apievents.Bridge
	)
	if cfg.Server.WebSocket.Enabled {
		wsHandler = handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
			AllowedOrigins: cfg.Server.WebSocket.AllowedOrigins,
			MaxConnections: cfg.Server.WebSocket.MaxConnections,
			PingInterval:   cfg.Server.WebSocket.PingInterval,
			PongTimeout:    cfg.Server.WebSocket.PongTimeout,
		})
		bridge = apievents.NewBridge(bus, wsHandler, log)
		if err := bridge.Start(ctx); err != nil {
			log.Error("Failed to start websocket bridge", "error", err)
			os.Exit(1)
		}
	}

	// The handler needs the journal as an interface; a nil *BadgerJournal
	// must stay a nil interface.
	var journalPort saga.Journal
	if journal != nil {
		journalPort = journal
	}

	reporter := &runtimeStatus{
		bus:       bus,
		publisher: publisher,
		storage:   cfg.Storage.Type,
		journal:   journal != nil,
		startedAt: time.Now(),
	}

	apiHandlers := &api.Handlers{
		Saga:      handlers.NewSagaHandler(store, coordinator, journalPort, log),
		Health:    handlers.NewHealthHandler(reporter),
		WebSocket: wsHandler,
	}
	if metricsManager.Enabled() {
		apiHandlers.Metrics = metricsManager
	}

	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	// Start HTTP server in a separate goroutine
	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	log.Info("Clawback is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"storage", cfg.Storage.Type,
	)
	log.Info("Press Ctrl+C to stop")

	if *demoMode {
		go runDemo(ctx, log, orchestrator, coordinator, inventoryClient, paymentClient)
	}

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	// Graceful shutdown
	shutdownTimeout := cfg.Server.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Shutdown HTTP server first so no new work arrives while the
	// pipeline drains.
	log.Info("Shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	if bridge != nil {
		bridge.Stop()
	}
	if wsHandler != nil {
		wsHandler.Close()
	}
	if cleanupManager != nil {
		cleanupManager.Stop()
	}

	log.Info("Draining event pipeline")
	if err := busEmitter.Close(); err != nil {
		log.Error("Error draining event emitter", "error", err)
	}
	if err := bus.Close(); err != nil {
		log.Error("Error closing event bus", "error", err)
	}
	if natsPublisher != nil {
		if err := natsPublisher.Close(); err != nil {
			log.Error("Error closing NATS sink", "error", err)
		}
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Error("Error closing event journal", "error", err)
		}
	}

	log.Info("Clawback stopped gracefully")
}

// runtimeStatus reports process health for the ops endpoints.
type runtimeStatus struct {
	bus       *events.LocalBus
	publisher *events.Publisher
	storage   string
	journal   bool
	startedAt time.Time
}

func (s *runtimeStatus) Healthy() bool {
	return s.bus.Healthy()
}

func (s *runtimeStatus) Ready() bool {
	return s.bus.Healthy()
}

func (s *runtimeStatus) Status() map[string]any {
	return map[string]any{
		"version":         version.Version,
		"storage":         s.storage,
		"journal_enabled": s.journal,
		"events_degraded": s.publisher.Degraded(),
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
	}
}

func reliabilitySettings(cfg config.ServiceReliabilityConfig) reliability.Settings {
	return reliability.Settings{
		Timeout:         cfg.Timeout,
		MaxAttempts:     cfg.MaxAttempts,
		BaseDelay:       cfg.BaseDelay,
		MaxDelay:        cfg.MaxDelay,
		RatePerSecond:   cfg.RatePerSecond,
		Burst:           cfg.Burst,
		BreakerFailures: cfg.BreakerFailures,
		BreakerReset:    cfg.BreakerReset,
	}
}

// runDemo drives a small order workload through the live stack: successes,
// an out-of-stock refusal, a declined payment with compensation, and a
// manual retry. The executions stay queryable through the ops API.
func runDemo(ctx context.Context, log logger.Logger, orch *saga.SagaOrchestrator,
	coordinator *saga.RetryCoordinator, inventory *fulfillment.InMemoryInventoryClient,
	payment *fulfillment.InMemoryPaymentClient) {

	log.Info("Demo workload starting")

	run := func(orderID, sku, paymentMethodID string) {
		result, err := orch.ExecuteSaga(ctx, saga.SagaRequest{
			Order:           demoOrder(orderID, sku),
			PaymentMethodID: paymentMethodID,
			ShippingAddress: demoAddress(),
		})
		if err != nil {
			log.Error("Demo saga errored", "order_id", orderID, "error", err)
			return
		}
		log.Info("Demo saga finished", "order_id", orderID, "result", result.String())
	}

	run("ord-demo-1", "SKU-DEMO-100", "pm-demo-visa")
	run("ord-demo-2", "SKU-DEMO-200", "pm-demo-visa")

	inventory.MarkOutOfStock("SKU-DEMO-GONE")
	run("ord-demo-3", "SKU-DEMO-GONE", "pm-demo-visa")

	payment.DeclineMethod("pm-demo-declined")
	run("ord-demo-4", "SKU-DEMO-400", "pm-demo-declined")

	retry, err := coordinator.ExecuteRetry(ctx, "ord-demo-4", saga.RetryRequest{
		UpdatedPaymentMethodID: "pm-demo-backup",
	})
	if err != nil {
		log.Error("Demo retry errored", "order_id", "ord-demo-4", "error", err)
		return
	}
	log.Info("Demo retry finished",
		"order_id", "ord-demo-4",
		"attempt", retry.AttemptNumber,
		"outcome", string(retry.Outcome),
	)

	log.Info("Demo workload complete; inspect via GET /api/v1/orders/{id}/saga")
}

func demoOrder(orderID, sku string) *saga.Order {
	now := time.Now()
	return &saga.Order{
		ID:         orderID,
		CustomerID: "cust-demo",
		Items: []saga.OrderItem{
			{SKU: sku, Name: "Demo Item", Quantity: 1, UnitPrice: 25.00},
		},
		Total:     25.00,
		Status:    saga.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func demoAddress() saga.Address {
	return saga.Address{
		Line1:      "1 Demo Way",
		City:       "Portland",
		Region:     "OR",
		PostalCode: "97201",
		Country:    "US",
	}
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("Clawback - Order Fulfillment Saga Engine\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("Clawback - Order fulfillment saga engine with compensation and manual retry\n\n")
	fmt.Printf("Usage: clawback [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  clawback                                  # Run with default config\n")
	fmt.Printf("  clawback -config config.yaml              # Use specific config file\n")
	fmt.Printf("  clawback -port 9090 -log-level debug      # Override specific options\n")
	fmt.Printf("  clawback -demo                            # Run a demo order workload\n")
	fmt.Printf("  clawback -version                         # Print version info\n")
}
