// Package handlers provides HTTP request handlers for the ops API.
package handlers

import (
	"net/http"

	"github.com/clawback/clawback/pkg/api/response"
)

// StatusReporter exposes the runtime details behind the health endpoints.
// The process wires one up from whatever it actually runs: storage, the
// event bus, the journal.
type StatusReporter interface {
	// Healthy reports liveness: the process is up and its background
	// workers have not wedged.
	Healthy() bool
	// Ready reports whether the engine can accept work.
	Ready() bool
	// Status returns a detailed snapshot for operators.
	Status() map[string]any
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	reporter StatusReporter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(reporter StatusReporter) *HealthHandler {
	return &HealthHandler{
		reporter: reporter,
	}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil || h.reporter.Healthy() {
		response.JSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	} else {
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
		})
	}
}

// Ready handles the /ready endpoint (readiness probe).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil || h.reporter.Ready() {
		response.JSON(w, http.StatusOK, map[string]bool{
			"ready": true,
		})
	} else {
		response.JSON(w, http.StatusServiceUnavailable, map[string]bool{
			"ready": false,
		})
	}
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		response.JSON(w, http.StatusOK, map[string]any{})
		return
	}
	response.JSON(w, http.StatusOK, h.reporter.Status())
}
