package saga

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
)

// CompensationRetryConfig bounds in-pass retries for a single step's
// compensation. Exhausting the retries marks that step
// COMPENSATION_FAILED; it never aborts the rest of the pass.
type CompensationRetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultCompensationRetryConfig returns the default per-step retry policy.
func DefaultCompensationRetryConfig() CompensationRetryConfig {
	return CompensationRetryConfig{
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// CompensationOrchestrator undoes completed steps in reverse completion
// order. A failed compensation is recorded and the pass continues with the
// remaining steps; the summary reports both outcomes so the saga result can
// distinguish a clean rollback from one needing manual reconciliation.
type CompensationOrchestrator struct {
	store   ExecutionStore
	emitter EventEmitter
	metrics MetricsRecorder
	logger  Logger
	retry   CompensationRetryConfig
	now     func() time.Time
}

// NewCompensationOrchestrator creates a compensation orchestrator.
func NewCompensationOrchestrator(store ExecutionStore, emitter EventEmitter, metrics MetricsRecorder, logger Logger, retry CompensationRetryConfig) *CompensationOrchestrator {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if metrics == nil {
		metrics = &nopMetricsRecorder{}
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &CompensationOrchestrator{
		store:   store,
		emitter: emitter,
		metrics: metrics,
		logger:  logger,
		retry:   retry,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run compensates the given completed steps. Targets arrive in forward
// completion order; the pass walks them backwards so the most recent work
// is undone first. Every target is attempted regardless of earlier
// failures.
func (c *CompensationOrchestrator) Run(ctx context.Context, sagaCtx *Context, targets []CompletedStep, failedStepName string, cause StepResult) CompensationSummary {
	orderID := sagaCtx.Order().ID
	executionID := sagaCtx.ExecutionID()

	spanCtx, span := sagaTracer().Start(ctx, spanSagaCompensate)
	span.SetAttributes(
		attribute.String("saga.order_id", orderID),
		attribute.String("saga.execution_id", executionID),
		attribute.String("saga.failed_step", failedStepName),
		attribute.Int("saga.compensation_targets", len(targets)),
	)
	defer span.End()

	started := c.now()
	summary := CompensationSummary{
		CompensatedSteps:    make([]string, 0, len(targets)),
		FailedCompensations: make([]FailedCompensation, 0),
	}

	for i := len(targets) - 1; i >= 0; i-- {
		target := targets[i]
		name := target.Step.Name()

		result := c.compensateStep(spanCtx, sagaCtx, target, orderID, executionID)
		if result.Succeeded() {
			if err := c.store.MarkStepCompensationOutcome(ctx, target.ResultID, StepCompensated, result.Message(), c.now()); err != nil {
				c.logger.Error("failed to persist compensation outcome",
					"step", name, "execution_id", executionID, "error", err)
			}
			c.metrics.RecordCompensation(name, "compensated")
			c.emitter.Emit(ctx, newEvent(EventStepCompensated, orderID, executionID, name, map[string]string{
				"message": result.Message(),
			}))
			summary.CompensatedSteps = append(summary.CompensatedSteps, name)
			continue
		}

		if err := c.store.MarkStepCompensationOutcome(ctx, target.ResultID, StepCompensationFailed, FormatStepError(result.Code(), result.Message()), c.now()); err != nil {
			c.logger.Error("failed to persist compensation outcome",
				"step", name, "execution_id", executionID, "error", err)
		}
		c.metrics.RecordCompensation(name, "compensation_failed")
		c.emitter.Emit(ctx, newEvent(EventStepCompensationFailed, orderID, executionID, name, map[string]string{
			"error_code": string(result.Code()),
			"error":      result.Message(),
		}))
		c.logger.Error("compensation failed, manual reconciliation required",
			"step", name,
			"order_id", orderID,
			"execution_id", executionID,
			"error_code", result.Code(),
			"error", result.Message(),
		)
		summary.FailedCompensations = append(summary.FailedCompensations, FailedCompensation{
			StepName: name,
			Code:     result.Code(),
			Message:  result.Message(),
		})
	}

	c.metrics.RecordCompensationDuration(c.now().Sub(started))
	if !summary.AllCompensationsSuccessful() {
		span.SetStatus(otelcodes.Error, "one or more compensations failed")
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	return summary
}

func (c *CompensationOrchestrator) compensateStep(ctx context.Context, sagaCtx *Context, target CompletedStep, orderID, executionID string) CompensationResult {
	maxRetries := c.retry.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var result CompensationResult
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.RecordCompensationRetry()
			time.Sleep(backoffForAttempt(c.retry, attempt-1))
		}

		spanCtx, span := sagaTracer().Start(ctx, spanSagaStepCompensate)
		span.SetAttributes(
			attribute.String("saga.order_id", orderID),
			attribute.String("saga.execution_id", executionID),
			attribute.String("saga.step", target.Step.Name()),
			attribute.Int("saga.compensation_attempt", attempt+1),
		)
		result = runCompensation(spanCtx, target.Step, sagaCtx)
		if result.Succeeded() {
			span.SetStatus(otelcodes.Ok, "")
			span.End()
			return result
		}
		span.SetStatus(otelcodes.Error, result.Message())
		span.End()

		c.logger.Warn("compensation attempt failed",
			"step", target.Step.Name(),
			"execution_id", executionID,
			"attempt", attempt+1,
			"error", result.Message(),
		)
	}
	return result
}

func backoffForAttempt(cfg CompensationRetryConfig, attempt int) time.Duration {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2.0
	}

	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffFactor, float64(attempt))
	duration := time.Duration(backoff)
	if duration > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return duration
}
