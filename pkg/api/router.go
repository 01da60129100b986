// Package api provides HTTP API server components.
package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/clawback/clawback/config"
	"github.com/clawback/clawback/pkg/api/handlers"
	"github.com/clawback/clawback/pkg/api/middleware"
	"github.com/clawback/clawback/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Saga handles inspection and retry endpoints
	Saga *handlers.SagaHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// WebSocket serves the live event stream
	WebSocket *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	// Register global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	// Add metrics middleware if provided
	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics))
	}

	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.Timeout(cfg.Server.HTTP.ReadTimeout))

	// Register routes
	RegisterRoutes(r, handlers)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, handlers *Handlers) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		if handlers.Saga != nil {
			r.Route("/orders/{orderID}", func(r chi.Router) {
				r.Get("/saga", handlers.Saga.GetOrderSaga)
				r.Get("/saga/executions", handlers.Saga.ListOrderExecutions)
				r.Get("/retry", handlers.Saga.GetRetryEligibility)
				r.Post("/retry", handlers.Saga.Retry)
				r.Get("/retry/attempts", handlers.Saga.ListRetryAttempts)
			})
			r.Route("/executions/{executionID}", func(r chi.Router) {
				r.Get("/", handlers.Saga.GetExecution)
				r.Get("/timeline", handlers.Saga.GetExecutionTimeline)
			})
		}

		if handlers.WebSocket != nil {
			r.Get("/ws", handlers.WebSocket.ServeHTTP)
		}
	})

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}
}
