package saga

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
)

// CompletedStep pairs a completed step with its persisted result row, which
// is everything compensation needs to target it later.
type CompletedStep struct {
	Step     Step
	ResultID string
}

// ExecutionReport is the executor's account of one forward pass. Completed
// holds the steps whose forward work took effect, in completion order;
// when a step fails the report carries the failing step and its result and
// the pass stops there.
type ExecutionReport struct {
	Completed   []CompletedStep
	FailedStep  Step
	FailedIndex int
	Failure     StepResult
}

// AllSucceeded reports whether every step in the pass completed.
func (r ExecutionReport) AllSucceeded() bool { return r.FailedStep == nil }

// FailedStepName returns the failing step's name, or "" when none failed.
func (r ExecutionReport) FailedStepName() string {
	if r.FailedStep == nil {
		return ""
	}
	return r.FailedStep.Name()
}

// StepExecutor drives forward steps in pipeline order, persisting every
// status transition before moving on. It never returns an error: a store
// failure mid-pipeline is converted into a step failure so already
// completed work still gets compensated.
type StepExecutor struct {
	store   ExecutionStore
	emitter EventEmitter
	metrics MetricsRecorder
	logger  Logger
	now     func() time.Time
}

// NewStepExecutor creates a forward step executor.
func NewStepExecutor(store ExecutionStore, emitter EventEmitter, metrics MetricsRecorder, logger Logger) *StepExecutor {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if metrics == nil {
		metrics = &nopMetricsRecorder{}
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &StepExecutor{
		store:   store,
		emitter: emitter,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the given steps in ascending Order. It stops at the first
// failure; steps after the failing one never run.
func (e *StepExecutor) Run(ctx context.Context, sagaCtx *Context, steps []Step) ExecutionReport {
	report := ExecutionReport{FailedIndex: -1}
	ordered := sortSteps(steps)
	order := sagaCtx.Order()
	executionID := sagaCtx.ExecutionID()

	for i, step := range ordered {
		resultID, failure := e.beginStep(ctx, order, executionID, step)
		if failure != nil {
			report.FailedStep = step
			report.FailedIndex = i
			report.Failure = *failure
			e.emitStepFailed(ctx, order.ID, executionID, step.Name(), *failure)
			return report
		}

		e.emitter.Emit(ctx, newEvent(EventStepStarted, order.ID, executionID, step.Name(), nil))

		result := e.runForward(ctx, order.ID, executionID, step, sagaCtx)
		if result.Succeeded() {
			completedOK := true
			if err := e.store.CompleteStep(ctx, resultID, result.Data(), e.now()); err != nil {
				// The external work happened even though the record write
				// did not; report a failure so this step is compensated
				// along with its predecessors.
				e.logger.Error("failed to persist step completion",
					"step", step.Name(), "execution_id", executionID, "error", err)
				result = StepFailure(CodeUnexpected,
					fmt.Sprintf("step %s completed but persisting the result failed: %v", step.Name(), err))
				completedOK = false
			}

			sagaCtx.MarkCompleted(step.Name())
			report.Completed = append(report.Completed, CompletedStep{Step: step, ResultID: resultID})

			if completedOK {
				e.metrics.RecordStepExecution(step.Name(), "completed")
				e.emitter.Emit(ctx, newEvent(EventStepCompleted, order.ID, executionID, step.Name(), result.Data()))
				continue
			}
		}

		if err := e.store.FailStep(ctx, resultID, FormatStepError(result.Code(), result.Message()), e.now()); err != nil {
			e.logger.Error("failed to persist step failure",
				"step", step.Name(), "execution_id", executionID, "error", err)
		}
		e.metrics.RecordStepExecution(step.Name(), "failed")
		e.emitStepFailed(ctx, order.ID, executionID, step.Name(), result)

		report.FailedStep = step
		report.FailedIndex = i
		report.Failure = result
		return report
	}

	return report
}

// beginStep creates the step's durable record and moves it to IN_PROGRESS.
// A persistence error here means the step never ran, so there is nothing
// external to undo for it.
func (e *StepExecutor) beginStep(ctx context.Context, order *Order, executionID string, step Step) (string, *StepResult) {
	row := &SagaStepResult{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		OrderID:     order.ID,
		StepName:    step.Name(),
		StepType:    step.Type(),
		StepOrder:   step.Order(),
		Status:      StepPending,
		StartedAt:   e.now(),
	}
	if err := e.store.BeginStep(ctx, row); err != nil {
		e.logger.Error("failed to persist step start",
			"step", step.Name(), "execution_id", executionID, "error", err)
		failure := StepFailure(CodeUnexpected,
			fmt.Sprintf("persist start of step %s: %v", step.Name(), err))
		return "", &failure
	}
	if err := e.store.MarkStepRunning(ctx, row.ID); err != nil {
		e.logger.Error("failed to mark step running",
			"step", step.Name(), "execution_id", executionID, "error", err)
		failure := StepFailure(CodeUnexpected,
			fmt.Sprintf("mark step %s running: %v", step.Name(), err))
		if ferr := e.store.FailStep(ctx, row.ID, failure.Message(), e.now()); ferr != nil {
			e.logger.Error("failed to persist step failure",
				"step", step.Name(), "execution_id", executionID, "error", ferr)
		}
		return "", &failure
	}
	return row.ID, nil
}

func (e *StepExecutor) runForward(ctx context.Context, orderID, executionID string, step Step, sagaCtx *Context) StepResult {
	spanCtx, span := sagaTracer().Start(ctx, spanSagaStepForward)
	span.SetAttributes(
		attribute.String("saga.order_id", orderID),
		attribute.String("saga.execution_id", executionID),
		attribute.String("saga.step", step.Name()),
		attribute.String("saga.step_type", string(step.Type())),
	)
	defer span.End()

	started := e.now()
	result := runStep(spanCtx, step, sagaCtx)
	e.metrics.RecordStepDuration(step.Name(), e.now().Sub(started))

	if result.Succeeded() {
		span.SetStatus(otelcodes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("saga.error_code", string(result.Code())))
		span.SetStatus(otelcodes.Error, result.Message())
	}
	return result
}

func (e *StepExecutor) emitStepFailed(ctx context.Context, orderID, executionID, stepName string, failure StepResult) {
	e.emitter.Emit(ctx, newEvent(EventStepFailed, orderID, executionID, stepName, map[string]string{
		"error_code": string(failure.Code()),
		"error":      failure.Message(),
	}))
}

func newEvent(eventType EventType, orderID, executionID, stepName string, payload map[string]string) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		OrderID:     orderID,
		ExecutionID: executionID,
		StepName:    stepName,
		Timestamp:   time.Now().UTC(),
		Payload:     copyStringMap(payload),
	}
}

// sortSteps returns the steps ordered by ascending Order without mutating
// the caller's slice.
func sortSteps(steps []Step) []Step {
	ordered := make([]Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order() < ordered[j].Order() })
	return ordered
}
