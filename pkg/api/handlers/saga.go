package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clawback/clawback/pkg/api/middleware"
	"github.com/clawback/clawback/pkg/api/models"
	"github.com/clawback/clawback/pkg/api/response"
	"github.com/clawback/clawback/pkg/logger"
	"github.com/clawback/clawback/pkg/saga"
)

// SagaHandler serves the saga inspection and retry endpoints. Inspection is
// read-only over the execution store; retry goes through the coordinator so
// every request is bounded by the retry policy.
type SagaHandler struct {
	store       saga.ExecutionStore
	coordinator *saga.RetryCoordinator
	journal     saga.Journal
	logger      logger.Logger
	validator   *validator.Validate
}

// NewSagaHandler creates a saga handler. The journal may be nil; the
// timeline endpoint then reports the feature as disabled.
func NewSagaHandler(
	store saga.ExecutionStore,
	coordinator *saga.RetryCoordinator,
	journal saga.Journal,
	log logger.Logger,
) *SagaHandler {
	return &SagaHandler{
		store:       store,
		coordinator: coordinator,
		journal:     journal,
		logger:      log,
		validator:   validator.New(),
	}
}

// GetOrderSaga handles GET /api/v1/orders/{orderID}/saga. It returns the
// most recent execution for the order together with its step records.
func (h *SagaHandler) GetOrderSaga(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "order id is required", middleware.GetRequestID(r.Context()))
		return
	}

	execution, err := h.store.LatestExecutionForOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, saga.ErrExecutionNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "no execution recorded for order", middleware.GetRequestID(r.Context()))
			return
		}
		h.logger.Error("failed to load latest execution", "order_id", orderID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), middleware.GetRequestID(r.Context()))
		return
	}

	h.writeExecution(w, r, execution)
}

// GetExecution handles GET /api/v1/executions/{executionID}.
func (h *SagaHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	if executionID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "execution id is required", middleware.GetRequestID(r.Context()))
		return
	}

	execution, err := h.store.GetExecution(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, saga.ErrExecutionNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "execution not found", middleware.GetRequestID(r.Context()))
			return
		}
		h.logger.Error("failed to load execution", "execution_id", executionID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), middleware.GetRequestID(r.Context()))
		return
	}

	h.writeExecution(w, r, execution)
}

func (h *SagaHandler) writeExecution(w http.ResponseWriter, r *http.Request, execution *saga.SagaExecution) {
	steps, err := h.store.StepResultsForExecution(r.Context(), execution.ID)
	if err != nil {
		h.logger.Error("failed to load step results", "execution_id", execution.ID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), middleware.GetRequestID(r.Context()))
		return
	}

	resp := models.ExecutionResponse{
		ExecutionID:   execution.ID,
		OrderID:       execution.OrderID,
		CustomerID:    execution.CustomerID,
		Status:        string(execution.Status),
		StartedAt:     execution.StartedAt,
		CompletedAt:   execution.CompletedAt,
		FailureReason: execution.FailureReason,
		TraceID:       execution.TraceID,
		Steps:         make([]models.StepResultView, 0, len(steps)),
	}
	for _, step := range steps {
		resp.Steps = append(resp.Steps, models.StepResultView{
			StepName:    step.StepName,
			StepType:    string(step.StepType),
			StepOrder:   step.StepOrder,
			Status:      string(step.Status),
			Data:        step.Data,
			Error:       step.Error,
			StartedAt:   step.StartedAt,
			CompletedAt: step.CompletedAt,
		})
	}
	response.JSON(w, http.StatusOK, resp)
}

// ListOrderExecutions handles GET /api/v1/orders/{orderID}/saga/executions.
func (h *SagaHandler) ListOrderExecutions(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "order id is required", middleware.GetRequestID(r.Context()))
		return
	}

	executions, err := h.store.ListExecutionsForOrder(r.Context(), orderID)
	if err != nil {
		h.logger.Error("failed to list executions", "order_id", orderID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), middleware.GetRequestID(r.Context()))
		return
	}

	items := make([]models.ExecutionSummary, 0, len(executions))
	for _, execution := range executions {
		items = append(items, models.ExecutionSummary{
			ExecutionID:   execution.ID,
			Status:        string(execution.Status),
			StartedAt:     execution.StartedAt,
			CompletedAt:   execution.CompletedAt,
			FailureReason: execution.FailureReason,
		})
	}
	response.JSON(w, http.StatusOK, models.ExecutionListResponse{
		OrderID: orderID,
		Items:   items,
		Total:   len(items),
	})
}

// GetExecutionTimeline handles GET /api/v1/executions/{executionID}/timeline.
// It replays the journaled lifecycle events for one execution.
func (h *SagaHandler) GetExecutionTimeline(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "event journal is disabled", middleware.GetRequestID(r.Context()))
		return
	}

	executionID := chi.URLParam(r, "executionID")
	if executionID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "execution id is required", middleware.GetRequestID(r.Context()))
		return
	}

	execution, err := h.store.GetExecution(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, saga.ErrExecutionNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "execution not found", middleware.GetRequestID(r.Context()))
			return
		}
		h.logger.Error("failed to load execution", "execution_id", executionID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), middleware.GetRequestID(r.Context()))
		return
	}

	entries, err := h.journal.List(r.Context(), executionID)
	if err != nil {
		h.logger.Error("failed to read journal", "execution_id", executionID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), middleware.GetRequestID(r.Context()))
		return
	}

	resp := models.TimelineResponse{
		OrderID:     execution.OrderID,
		ExecutionID: executionID,
		Events:      make([]models.TimelineEvent, 0, len(entries)),
	}
	for _, entry := range entries {
		resp.Events = append(resp.Events, models.TimelineEvent{
			Sequence:  entry.Sequence,
			Type:      string(entry.Event.Type),
			StepName:  entry.Event.StepName,
			Timestamp: entry.Event.Timestamp,
			Payload:   entry.Event.Payload,
		})
	}
	response.JSON(w, http.StatusOK, resp)
}

// GetRetryEligibility handles GET /api/v1/orders/{orderID}/retry. The
// answer is advisory; POSTing a retry re-evaluates from scratch.
func (h *SagaHandler) GetRetryEligibility(w http.ResponseWriter, r *http.Request) {
	if h.coordinator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "retry coordinator unavailable", middleware.GetRequestID(r.Context()))
		return
	}

	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "order id is required", middleware.GetRequestID(r.Context()))
		return
	}

	eligibility, err := h.coordinator.CheckRetryEligibility(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, saga.ErrOrderNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "order not found", middleware.GetRequestID(r.Context()))
			return
		}
		h.logger.Error("retry eligibility check failed", "order_id", orderID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, eligibility)
}

// Retry handles POST /api/v1/orders/{orderID}/retry. The attempt runs
// synchronously; the response carries the terminal saga outcome, or the
// refusal reason with status 409 when the attempt was not admitted.
func (h *SagaHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if h.coordinator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "retry coordinator unavailable", middleware.GetRequestID(r.Context()))
		return
	}

	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "order id is required", middleware.GetRequestID(r.Context()))
		return
	}

	req := models.RetryRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", middleware.GetRequestID(r.Context()))
			return
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), middleware.GetRequestID(r.Context()))
		return
	}

	result, err := h.coordinator.ExecuteRetry(r.Context(), orderID, retryRequestFromModel(req))
	if err != nil {
		if errors.Is(err, saga.ErrOrderNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "order not found", middleware.GetRequestID(r.Context()))
			return
		}
		h.logger.Error("retry execution failed", "order_id", orderID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), middleware.GetRequestID(r.Context()))
		return
	}

	status := http.StatusOK
	if result.Refused() {
		status = http.StatusConflict
	}
	response.JSON(w, status, retryResponseFromResult(orderID, result))
}

// ListRetryAttempts handles GET /api/v1/orders/{orderID}/retry/attempts.
func (h *SagaHandler) ListRetryAttempts(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "order id is required", middleware.GetRequestID(r.Context()))
		return
	}

	attempts, err := h.store.ListRetryAttempts(r.Context(), orderID)
	if err != nil {
		h.logger.Error("failed to list retry attempts", "order_id", orderID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), middleware.GetRequestID(r.Context()))
		return
	}

	items := make([]models.RetryAttemptView, 0, len(attempts))
	for _, attempt := range attempts {
		items = append(items, models.RetryAttemptView{
			AttemptID:     attempt.ID,
			AttemptNumber: attempt.AttemptNumber,
			Outcome:       string(attempt.Outcome),
			Reason:        attempt.Reason,
			ResumedFrom:   attempt.ResumedFrom,
			SkippedSteps:  attempt.SkippedSteps,
			RequestedAt:   attempt.RequestedAt,
			CompletedAt:   attempt.CompletedAt,
		})
	}
	response.JSON(w, http.StatusOK, models.RetryAttemptListResponse{
		OrderID: orderID,
		Items:   items,
		Total:   len(items),
	})
}

func retryRequestFromModel(req models.RetryRequest) saga.RetryRequest {
	out := saga.RetryRequest{
		UpdatedPaymentMethodID:  req.UpdatedPaymentMethodID,
		AcknowledgePriceChanges: req.AcknowledgePriceChanges,
	}
	if req.UpdatedShippingAddress != nil {
		out.UpdatedShippingAddress = &saga.Address{
			Line1:      req.UpdatedShippingAddress.Line1,
			Line2:      req.UpdatedShippingAddress.Line2,
			City:       req.UpdatedShippingAddress.City,
			Region:     req.UpdatedShippingAddress.Region,
			PostalCode: req.UpdatedShippingAddress.PostalCode,
			Country:    req.UpdatedShippingAddress.Country,
		}
	}
	return out
}

func retryResponseFromResult(orderID string, result saga.SagaRetryResult) models.RetryResponse {
	resp := models.RetryResponse{
		OrderID:       orderID,
		AttemptID:     result.AttemptID,
		AttemptNumber: result.AttemptNumber,
		Outcome:       string(result.Outcome),
		Reason:        result.Reason,
		ResumedFrom:   result.ResumedFrom,
		SkippedSteps:  result.SkippedSteps,
	}
	if result.Result != nil {
		resp.Result = sagaOutcomeFromResult(*result.Result)
	}
	return resp
}

func sagaOutcomeFromResult(result saga.SagaResult) *models.SagaOutcome {
	out := &models.SagaOutcome{
		Kind:               result.Kind().String(),
		ExecutionID:        result.ExecutionID,
		ConfirmationNumber: result.ConfirmationNumber,
		TrackingNumber:     result.TrackingNumber,
		EstimatedDelivery:  result.EstimatedDelivery,
		FailedStep:         result.FailedStep,
		FailureCode:        string(result.FailureCode),
		FailureReason:      result.FailureReason,
		CompensatedSteps:   result.Summary.CompensatedSteps,
	}
	for _, failed := range result.Summary.FailedCompensations {
		out.FailedCompensations = append(out.FailedCompensations, models.FailedCompensation{
			StepName: failed.StepName,
			Code:     string(failed.Code),
			Message:  failed.Message,
		})
	}
	return out
}
