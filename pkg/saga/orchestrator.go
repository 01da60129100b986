package saga

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SagaOrchestrator coordinates one fulfillment pipeline per order through
// three phases:
//
//  1. Initialize (transactional): admit the order, create the execution
//     record, announce the start.
//  2. Execute (non-transactional): drive the forward steps; all external
//     I/O happens here with no database transaction held open.
//  3. Finalize (transactional): write the terminal statuses, and when a
//     late step failed, roll back its completed predecessors first.
//
// Every admitted saga resolves to one of the four SagaResult variants.
// Failures inside steps or compensations never escape as errors or panics.
type SagaOrchestrator struct {
	definition  *Definition
	store       ExecutionStore
	executor    *StepExecutor
	compensator *CompensationOrchestrator
	emitter     EventEmitter
	notifier    StatusNotifier
	metrics     MetricsRecorder
	logger      Logger

	// sema caps in-flight sagas. Steps inside one saga stay sequential;
	// the cap only bounds how many orders run at once.
	sema chan struct{}
	now  func() time.Time
}

// OrchestratorOption configures a SagaOrchestrator.
type OrchestratorOption func(*SagaOrchestrator)

// WithMaxConcurrentSagas caps concurrently executing sagas. Zero or
// negative keeps the default of 100.
func WithMaxConcurrentSagas(n int) OrchestratorOption {
	return func(o *SagaOrchestrator) {
		if n > 0 {
			o.sema = make(chan struct{}, n)
		}
	}
}

// WithEventEmitter wires the audit event sink.
func WithEventEmitter(e EventEmitter) OrchestratorOption {
	return func(o *SagaOrchestrator) {
		if e != nil {
			o.emitter = e
		}
	}
}

// WithStatusNotifier wires the live status sink.
func WithStatusNotifier(n StatusNotifier) OrchestratorOption {
	return func(o *SagaOrchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithMetrics wires the metrics recorder.
func WithMetrics(m MetricsRecorder) OrchestratorOption {
	return func(o *SagaOrchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger wires the orchestrator's logger.
func WithLogger(l Logger) OrchestratorOption {
	return func(o *SagaOrchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *SagaOrchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator creates an orchestrator for the given pipeline backed by
// the given store.
func NewOrchestrator(def *Definition, store ExecutionStore, opts ...OrchestratorOption) (*SagaOrchestrator, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid saga definition: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("execution store cannot be nil")
	}

	o := &SagaOrchestrator{
		definition: def.clone(),
		store:      store,
		emitter:    NopEmitter{},
		notifier:   NopNotifier{},
		metrics:    &nopMetricsRecorder{},
		logger:     nopLogger{},
		sema:       make(chan struct{}, 100),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.executor = NewStepExecutor(o.store, o.emitter, o.metrics, o.logger)
	o.executor.now = o.now
	o.compensator = NewCompensationOrchestrator(o.store, o.emitter, o.metrics, o.logger, o.definition.Retry)
	o.compensator.now = o.now
	return o, nil
}

// Definition returns the pipeline this orchestrator runs.
func (o *SagaOrchestrator) Definition() *Definition { return o.definition }

// Store returns the backing execution store.
func (o *SagaOrchestrator) Store() ExecutionStore { return o.store }

// SagaRequest carries everything needed to start a fresh saga for an order.
type SagaRequest struct {
	Order           *Order
	PaymentMethodID string
	ShippingAddress Address
}

// Validate checks the request is complete enough to admit.
func (r SagaRequest) Validate() error {
	if err := r.Order.Validate(); err != nil {
		return err
	}
	if r.PaymentMethodID == "" {
		return fmt.Errorf("payment method id is required")
	}
	return r.ShippingAddress.Validate()
}

// ExecuteSaga runs the full pipeline for an order. The returned error is
// non-nil only for admission problems: an invalid request, a store failure
// while creating the execution record, or an order whose stored status
// refuses a new saga (already PROCESSING or COMPLETED, reported as
// ErrInvalidTransition). Once the saga is admitted, the outcome is always a
// SagaResult.
func (o *SagaOrchestrator) ExecuteSaga(ctx context.Context, req SagaRequest) (SagaResult, error) {
	if err := req.Validate(); err != nil {
		return SagaResult{}, fmt.Errorf("invalid saga request: %w", err)
	}

	o.notify(ctx, req.Order.ID, "", StatusQueued)
	select {
	case o.sema <- struct{}{}:
		defer func() { <-o.sema }()
	case <-ctx.Done():
		return SagaResult{}, ctx.Err()
	}

	ctx, span := sagaTracer().Start(ctx, spanSagaExecute, trace.WithAttributes(
		attribute.String("saga.order_id", req.Order.ID),
		attribute.String("saga.pipeline", o.definition.Name),
	))
	defer span.End()

	exec, sagaCtx, err := o.initialize(ctx, req)
	if err != nil {
		span.SetStatus(otelcodes.Error, "saga admission failed")
		return SagaResult{}, err
	}
	span.SetAttributes(attribute.String("saga.execution_id", exec.ID))

	result := o.run(ctx, exec, sagaCtx, o.definition.OrderedSteps(), true)
	span.SetAttributes(attribute.String("saga.result", result.Kind().String()))
	if result.Kind() == SagaSuccess {
		span.SetStatus(otelcodes.Ok, "")
	} else {
		span.SetStatus(otelcodes.Error, result.Kind().String())
	}
	return result, nil
}

// initialize is the transactional admission phase: it creates the execution
// record, moves the order to PROCESSING, and announces the start. External
// I/O has not happened yet, so any error here leaves nothing to undo.
func (o *SagaOrchestrator) initialize(ctx context.Context, req SagaRequest) (*SagaExecution, *Context, error) {
	now := o.now()
	exec := &SagaExecution{
		ID:              uuid.NewString(),
		OrderID:         req.Order.ID,
		CustomerID:      req.Order.CustomerID,
		PaymentMethodID: req.PaymentMethodID,
		ShippingAddress: req.ShippingAddress,
		Status:          ExecutionInProgress,
		StartedAt:       now,
		TraceID:         traceIDFromContext(ctx),
	}

	if err := o.store.BeginExecution(ctx, req.Order, exec); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, nil, fmt.Errorf("order %s is not accepting a new saga: %w", req.Order.ID, err)
		}
		return nil, nil, fmt.Errorf("begin execution for order %s: %w", req.Order.ID, err)
	}

	o.logger.Info("saga started",
		"order_id", req.Order.ID, "execution_id", exec.ID, "pipeline", o.definition.Name)
	o.emitter.Emit(ctx, newEvent(EventSagaStarted, req.Order.ID, exec.ID, "", map[string]string{
		"pipeline": o.definition.Name,
	}))
	o.notify(ctx, req.Order.ID, exec.ID, StatusInProgress)

	return exec, NewContext(req.Order, exec.ID, req.PaymentMethodID, req.ShippingAddress), nil
}

// run is the execute-then-finalize tail shared by fresh sagas and retries.
// steps is the (sub)pipeline to drive forward: fresh runs pass the full
// ordered list, retries pass only the part that must re-execute.
func (o *SagaOrchestrator) run(ctx context.Context, exec *SagaExecution, sagaCtx *Context, steps []Step, emitSagaFailed bool) SagaResult {
	o.metrics.IncActiveSagas()
	defer o.metrics.DecActiveSagas()
	started := o.now()

	report := o.executor.Run(ctx, sagaCtx, steps)

	var result SagaResult
	if report.AllSucceeded() {
		result = o.finalizeSuccess(ctx, exec, sagaCtx)
	} else {
		result = o.finalizeFailure(ctx, exec, sagaCtx, report, emitSagaFailed)
	}

	o.metrics.RecordSagaExecution(result.Kind().String())
	o.metrics.RecordSagaDuration(result.Kind().String(), o.now().Sub(started))
	return result
}

// finalizeSuccess writes the COMPLETED statuses, mints the confirmation
// number, and pulls the customer-facing artifacts out of the context.
func (o *SagaOrchestrator) finalizeSuccess(ctx context.Context, exec *SagaExecution, sagaCtx *Context) SagaResult {
	confirmation := NewConfirmationNumber()
	tracking, _ := Data(sagaCtx, KeyTrackingNumber)
	estimated, _ := Data(sagaCtx, KeyEstimatedDelivery)

	if err := o.store.FinalizeExecution(ctx, exec.ID, ExecutionCompleted, OrderCompleted, "", o.now()); err != nil {
		// The forward work is all done at the external services; only the
		// bookkeeping write failed. Report success and let the recovery
		// scan reconcile the stuck row rather than telling the customer a
		// fulfilled order failed.
		o.logger.Error("failed to finalize completed saga",
			"order_id", exec.OrderID, "execution_id", exec.ID, "error", err)
	}

	o.logger.Info("saga completed",
		"order_id", exec.OrderID, "execution_id", exec.ID, "confirmation", confirmation)
	o.emitter.Emit(ctx, newEvent(EventSagaCompleted, exec.OrderID, exec.ID, "", map[string]string{
		"confirmation_number": confirmation,
		"tracking_number":     tracking,
		"estimated_delivery":  estimated,
	}))
	o.notify(ctx, exec.OrderID, exec.ID, StatusCompleted)

	return newSuccessResult(exec.OrderID, exec.ID, confirmation, tracking, estimated)
}

// finalizeFailure resolves a failed forward pass: without completed
// predecessors the order just fails; with them, compensation runs first and
// the terminal status depends on whether every rollback landed.
func (o *SagaOrchestrator) finalizeFailure(ctx context.Context, exec *SagaExecution, sagaCtx *Context, report ExecutionReport, emitSagaFailed bool) SagaResult {
	failedStep := report.FailedStepName()
	failure := report.Failure
	reason := FormatStepError(failure.Code(), fmt.Sprintf("step %s: %s", failedStep, failure.Message()))

	if emitSagaFailed {
		o.emitter.Emit(ctx, newEvent(EventSagaFailed, exec.OrderID, exec.ID, failedStep, map[string]string{
			"error_code": string(failure.Code()),
			"error":      failure.Message(),
		}))
	}

	if len(report.Completed) == 0 {
		// The first attempted step failed; nothing external took effect,
		// so there is nothing to compensate.
		if err := o.store.FinalizeExecution(ctx, exec.ID, ExecutionFailed, OrderFailed, reason, o.now()); err != nil {
			o.logger.Error("failed to finalize failed saga",
				"order_id", exec.OrderID, "execution_id", exec.ID, "error", err)
		}
		o.logger.Warn("saga failed with no completed steps",
			"order_id", exec.OrderID, "execution_id", exec.ID,
			"failed_step", failedStep, "error_code", failure.Code())
		o.notify(ctx, exec.OrderID, exec.ID, StatusFailed)
		return newFailedResult(exec.OrderID, exec.ID, failedStep, failure)
	}

	o.notify(ctx, exec.OrderID, exec.ID, StatusRollingBack)
	summary := o.compensator.Run(ctx, sagaCtx, report.Completed, failedStep, failure)

	if summary.AllCompensationsSuccessful() {
		if err := o.store.FinalizeExecution(ctx, exec.ID, ExecutionCompensationCompleted, OrderCompensated, reason, o.now()); err != nil {
			o.logger.Error("failed to finalize compensated saga",
				"order_id", exec.OrderID, "execution_id", exec.ID, "error", err)
		}
		o.logger.Info("saga compensated",
			"order_id", exec.OrderID, "execution_id", exec.ID,
			"failed_step", failedStep, "compensated_steps", len(summary.CompensatedSteps))
		o.notify(ctx, exec.OrderID, exec.ID, StatusRolledBack)
		return newCompensatedResult(exec.OrderID, exec.ID, failedStep, failure, summary)
	}

	// Partial compensation is terminal FAILED, never silently COMPENSATED.
	partialReason := fmt.Sprintf("%s; %d of %d compensations failed",
		reason, len(summary.FailedCompensations), len(report.Completed))
	if err := o.store.FinalizeExecution(ctx, exec.ID, ExecutionFailed, OrderFailed, partialReason, o.now()); err != nil {
		o.logger.Error("failed to finalize partially compensated saga",
			"order_id", exec.OrderID, "execution_id", exec.ID, "error", err)
	}
	o.logger.Error("saga partially compensated, manual reconciliation required",
		"order_id", exec.OrderID, "execution_id", exec.ID,
		"failed_step", failedStep,
		"compensated", summary.CompensatedSteps,
		"stuck", len(summary.FailedCompensations))
	o.notify(ctx, exec.OrderID, exec.ID, StatusFailed)
	return newCompensatedResult(exec.OrderID, exec.ID, failedStep, failure, summary)
}

func (o *SagaOrchestrator) notify(ctx context.Context, orderID, executionID string, phase StatusPhase) {
	o.notifier.Notify(ctx, StatusUpdate{
		OrderID:     orderID,
		ExecutionID: executionID,
		Phase:       phase,
		At:          o.now(),
	})
}

// NewConfirmationNumber mints a customer-facing confirmation code.
func NewConfirmationNumber() string {
	id := uuid.New()
	return "CNF-" + strings.ToUpper(hex.EncodeToString(id[:6]))
}

// traceIDFromContext extracts the active trace id for correlation, or "".
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
