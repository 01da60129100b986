package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryPolicy bounds customer-initiated retries of a failed order.
type RetryPolicy struct {
	// MaxAttempts is the per-order retry budget. Refused attempts do not
	// consume it.
	MaxAttempts int
	// Window is how long after order creation retries stay allowed.
	Window time.Duration
	// PriceChangeAfter is the order age past which the customer must
	// acknowledge that quoted prices may have changed.
	PriceChangeAfter time.Duration
}

// DefaultRetryPolicy returns the standard retry bounds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		Window:           7 * 24 * time.Hour,
		PriceChangeAfter: 24 * time.Hour,
	}
}

// RetryEligibility answers "may this order be retried right now". Blockers
// must be addressed by the retry request (an updated payment method);
// required actions must be acknowledged by the customer.
type RetryEligibility struct {
	OrderID           string    `json:"order_id"`
	Eligible          bool      `json:"eligible"`
	Reason            string    `json:"reason,omitempty"`
	AttemptsUsed      int       `json:"attempts_used"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	WindowExpiresAt   time.Time `json:"window_expires_at"`
	Blockers          []string  `json:"blockers,omitempty"`
	RequiredActions   []string  `json:"required_actions,omitempty"`
}

// RetryRequest carries the customer-supplied amendments for one retry.
type RetryRequest struct {
	UpdatedPaymentMethodID  string   `json:"updated_payment_method_id,omitempty"`
	UpdatedShippingAddress  *Address `json:"updated_shipping_address,omitempty"`
	AcknowledgePriceChanges bool     `json:"acknowledge_price_changes,omitempty"`
}

// SagaRetryResult reports one retry initiation: the attempt bookkeeping,
// the per-step validity classifications, and (for admitted attempts) the
// saga outcome.
type SagaRetryResult struct {
	AttemptID       string
	AttemptNumber   int
	Outcome         RetryOutcome
	Reason          string
	ResumedFrom     string
	SkippedSteps    []string
	Classifications []StepValidity

	// Result is nil when the attempt was refused.
	Result *SagaResult
}

// Refused reports whether the attempt never ran.
func (r SagaRetryResult) Refused() bool { return r.Outcome == RetryOutcomeNotEligible }

// RetryCoordinator decides retry eligibility and resumes failed sagas
// without re-doing work that is still valid. Validity is classified once,
// when the attempt is admitted; skipped steps are not re-checked while the
// resumed execution runs.
type RetryCoordinator struct {
	orch    *SagaOrchestrator
	checker *StepValidityChecker
	policy  RetryPolicy
	now     func() time.Time
}

// NewRetryCoordinator creates a coordinator on top of an orchestrator. The
// coordinator shares the orchestrator's store, event sinks, and concurrency
// cap.
func NewRetryCoordinator(orch *SagaOrchestrator, checker *StepValidityChecker, policy RetryPolicy) (*RetryCoordinator, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if checker == nil {
		return nil, fmt.Errorf("validity checker cannot be nil")
	}
	if policy.MaxAttempts <= 0 {
		return nil, fmt.Errorf("retry policy must allow at least one attempt")
	}
	if policy.Window <= 0 {
		return nil, fmt.Errorf("retry window must be positive")
	}
	return &RetryCoordinator{
		orch:    orch,
		checker: checker,
		policy:  policy,
		now:     orch.now,
	}, nil
}

// evalState carries what eligibility learned so ExecuteRetry does not load
// it all again.
type evalState struct {
	order       *Order
	latest      *SagaExecution
	failureCode ErrorCode
}

// CheckRetryEligibility reports whether the order may be retried, without
// initiating anything.
func (rc *RetryCoordinator) CheckRetryEligibility(ctx context.Context, orderID string) (RetryEligibility, error) {
	elig, _, err := rc.evaluate(ctx, orderID)
	return elig, err
}

func (rc *RetryCoordinator) evaluate(ctx context.Context, orderID string) (RetryEligibility, *evalState, error) {
	elig := RetryEligibility{OrderID: orderID}

	order, err := rc.orch.store.GetOrder(ctx, orderID)
	if err != nil {
		return elig, nil, err
	}
	elig.WindowExpiresAt = order.CreatedAt.Add(rc.policy.Window)

	used, err := rc.orch.store.CountRetryAttempts(ctx, orderID)
	if err != nil {
		return elig, nil, fmt.Errorf("count retry attempts for order %s: %w", orderID, err)
	}
	elig.AttemptsUsed = used
	elig.AttemptsRemaining = rc.policy.MaxAttempts - used
	if elig.AttemptsRemaining < 0 {
		elig.AttemptsRemaining = 0
	}

	latest, err := rc.orch.store.LatestExecutionForOrder(ctx, orderID)
	if errors.Is(err, ErrExecutionNotFound) {
		// A fresh order has nothing to retry; this is a refusal, not an
		// error.
		elig.Reason = "order has no saga execution to retry"
		return elig, &evalState{order: order}, nil
	}
	if err != nil {
		return elig, nil, fmt.Errorf("load latest execution for order %s: %w", orderID, err)
	}
	state := &evalState{order: order, latest: latest}
	state.failureCode, _ = ParseStepError(latest.FailureReason)

	switch order.Status {
	case OrderCompleted:
		elig.Reason = "order already completed"
		return elig, state, nil
	case OrderProcessing:
		elig.Reason = "a saga is already in flight for this order"
		return elig, state, nil
	case OrderPending:
		elig.Reason = "order has not started fulfillment"
		return elig, state, nil
	}

	if elig.AttemptsRemaining == 0 {
		elig.Reason = fmt.Sprintf("retry budget exhausted (%d attempts used)", used)
		return elig, state, nil
	}
	if now := rc.now(); now.After(elig.WindowExpiresAt) {
		elig.Reason = fmt.Sprintf("retry window expired at %s", elig.WindowExpiresAt.UTC().Format(time.RFC3339))
		return elig, state, nil
	}
	if !state.failureCode.Retryable() {
		elig.Reason = fmt.Sprintf("previous failure %s is not retryable", state.failureCode)
		return elig, state, nil
	}

	if state.failureCode == CodePaymentDeclined {
		elig.Blockers = append(elig.Blockers, "declined payment method must be replaced")
	}
	if rc.now().Sub(order.CreatedAt) > rc.policy.PriceChangeAfter {
		elig.RequiredActions = append(elig.RequiredActions, "acknowledge that quoted prices may have changed")
	}

	elig.Eligible = true
	return elig, state, nil
}

// ExecuteRetry initiates one retry for the order. Refusals (ineligibility,
// unmet blockers, a concurrent saga winning admission) are recorded as
// NOT_ELIGIBLE attempts and returned, not raised as errors; the error
// return covers unknown orders and storage failures.
func (rc *RetryCoordinator) ExecuteRetry(ctx context.Context, orderID string, req RetryRequest) (SagaRetryResult, error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaRetry, trace.WithAttributes(
		attribute.String("saga.order_id", orderID),
	))
	defer span.End()

	elig, state, err := rc.evaluate(ctx, orderID)
	if err != nil {
		span.SetStatus(otelcodes.Error, "retry evaluation failed")
		return SagaRetryResult{}, err
	}

	if !elig.Eligible {
		return rc.refuse(ctx, span, orderID, elig.Reason)
	}
	if state.failureCode == CodePaymentDeclined && req.UpdatedPaymentMethodID == "" {
		return rc.refuse(ctx, span, orderID, "an updated payment method is required after a decline")
	}
	if len(elig.RequiredActions) > 0 && !req.AcknowledgePriceChanges {
		return rc.refuse(ctx, span, orderID, "price changes must be acknowledged before retrying")
	}

	plan, err := rc.plan(ctx, state)
	if err != nil {
		span.SetStatus(otelcodes.Error, "retry planning failed")
		return SagaRetryResult{}, err
	}
	span.SetAttributes(
		attribute.String("saga.resumed_from", plan.resumedFrom),
		attribute.StringSlice("saga.skipped_steps", plan.skipped),
	)

	// Admission: the same transactional gate as a fresh saga. A concurrent
	// retry that won the FAILED->PROCESSING transition turns this into a
	// refusal.
	sagaReq := SagaRequest{
		Order:           state.order,
		PaymentMethodID: pickPaymentMethod(req, state.latest),
		ShippingAddress: pickShippingAddress(req, state.latest),
	}
	if err := sagaReq.Validate(); err != nil {
		return SagaRetryResult{}, fmt.Errorf("invalid retry request for order %s: %w", orderID, err)
	}

	select {
	case rc.orch.sema <- struct{}{}:
		defer func() { <-rc.orch.sema }()
	case <-ctx.Done():
		return SagaRetryResult{}, ctx.Err()
	}

	exec, sagaCtx, err := rc.orch.initialize(ctx, sagaReq)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return rc.refuse(ctx, span, orderID, "order is not accepting a new saga")
		}
		span.SetStatus(otelcodes.Error, "retry admission failed")
		return SagaRetryResult{}, err
	}
	span.SetAttributes(attribute.String("saga.execution_id", exec.ID))

	number, err := rc.nextAttemptNumber(ctx, orderID)
	if err != nil {
		rc.orch.logger.Error("failed to number retry attempt", "order_id", orderID, "error", err)
		number = elig.AttemptsUsed + 1
	}
	attempt := &RetryAttempt{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		ExecutionID:   exec.ID,
		AttemptNumber: number,
		Outcome:       RetryOutcomePending,
		ResumedFrom:   plan.resumedFrom,
		SkippedSteps:  plan.skipped,
		RequestedAt:   rc.now(),
	}
	if err := rc.orch.store.RecordRetryAttempt(ctx, attempt); err != nil {
		rc.orch.logger.Error("failed to record retry attempt",
			"order_id", orderID, "execution_id", exec.ID, "error", err)
	}

	rc.seedContext(sagaCtx, req, plan)
	rc.orch.logger.Info("retry admitted",
		"order_id", orderID, "execution_id", exec.ID,
		"attempt", number, "resumed_from", plan.resumedFrom, "skipped", plan.skipped)

	result := rc.orch.run(ctx, exec, sagaCtx, plan.rerun, false)

	outcome, reason := retryOutcomeFor(result)
	if err := rc.orch.store.CompleteRetryAttempt(ctx, attempt.ID, outcome, reason, rc.now()); err != nil {
		rc.orch.logger.Error("failed to complete retry attempt",
			"order_id", orderID, "attempt_id", attempt.ID, "error", err)
	}
	rc.orch.metrics.RecordRetryAttempt(string(outcome))
	span.SetAttributes(attribute.String("saga.retry_outcome", string(outcome)))

	return SagaRetryResult{
		AttemptID:       attempt.ID,
		AttemptNumber:   number,
		Outcome:         outcome,
		Reason:          reason,
		ResumedFrom:     plan.resumedFrom,
		SkippedSteps:    plan.skipped,
		Classifications: plan.classifications,
		Result:          &result,
	}, nil
}

// refuse records a NOT_ELIGIBLE attempt and returns the refusal.
func (rc *RetryCoordinator) refuse(ctx context.Context, span trace.Span, orderID, reason string) (SagaRetryResult, error) {
	number, err := rc.nextAttemptNumber(ctx, orderID)
	if err != nil {
		rc.orch.logger.Error("failed to number retry attempt", "order_id", orderID, "error", err)
		number = 1
	}
	now := rc.now()
	attempt := &RetryAttempt{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		AttemptNumber: number,
		Outcome:       RetryOutcomeNotEligible,
		Reason:        reason,
		RequestedAt:   now,
		CompletedAt:   &now,
	}
	if err := rc.orch.store.RecordRetryAttempt(ctx, attempt); err != nil {
		rc.orch.logger.Error("failed to record refused retry attempt",
			"order_id", orderID, "error", err)
	}
	rc.orch.metrics.RecordRetryAttempt(string(RetryOutcomeNotEligible))
	rc.orch.logger.Info("retry refused", "order_id", orderID, "reason", reason)
	span.SetAttributes(attribute.String("saga.retry_outcome", string(RetryOutcomeNotEligible)))

	return SagaRetryResult{
		AttemptID:     attempt.ID,
		AttemptNumber: number,
		Outcome:       RetryOutcomeNotEligible,
		Reason:        reason,
	}, nil
}

// retryPlan is the classify-once decision for one attempt.
type retryPlan struct {
	classifications []StepValidity
	rerun           []Step
	skipped         []string
	resumedFrom     string
	// carried holds the still-valid artifacts to seed into the fresh
	// context, merged across the skipped steps' stored payloads.
	carried map[string]string
}

// plan folds the order's step history into a latest-result-per-step view,
// classifies every pipeline step, and splits the pipeline into steps to
// skip and steps to run again.
func (rc *RetryCoordinator) plan(ctx context.Context, state *evalState) (*retryPlan, error) {
	history, err := rc.orch.store.StepResultsForOrder(ctx, state.order.ID)
	if err != nil {
		return nil, fmt.Errorf("load step history for order %s: %w", state.order.ID, err)
	}
	// Rows arrive oldest execution first; later rows overwrite, leaving
	// each step's most recent outcome.
	latestByName := make(map[string]*SagaStepResult, len(history))
	for _, row := range history {
		latestByName[row.StepName] = row
	}

	plan := &retryPlan{carried: make(map[string]string)}
	for _, step := range rc.orch.definition.OrderedSteps() {
		v := rc.checker.Classify(ctx, step, latestByName[step.Name()])
		plan.classifications = append(plan.classifications, v)

		if v.Kind.RequiresExecution() {
			if plan.resumedFrom == "" {
				plan.resumedFrom = step.Name()
			}
			plan.rerun = append(plan.rerun, step)
			continue
		}

		plan.skipped = append(plan.skipped, step.Name())
		for k, val := range latestByName[step.Name()].Data {
			plan.carried[k] = val
		}
	}
	return plan, nil
}

// seedContext rehydrates still-valid artifacts and completion marks into
// the fresh execution context so skipped steps look done to everything
// downstream, compensation included.
func (rc *RetryCoordinator) seedContext(sagaCtx *Context, req RetryRequest, plan *retryPlan) {
	sagaCtx.RestoreData(plan.carried)
	for _, name := range plan.skipped {
		sagaCtx.MarkCompleted(name)
	}
	if req.UpdatedPaymentMethodID != "" {
		sagaCtx.SetPaymentMethodID(req.UpdatedPaymentMethodID)
	}
	if req.UpdatedShippingAddress != nil {
		sagaCtx.SetShippingAddress(*req.UpdatedShippingAddress)
	}
}

// nextAttemptNumber returns the ordinal of the next initiation, refused
// attempts included.
func (rc *RetryCoordinator) nextAttemptNumber(ctx context.Context, orderID string) (int, error) {
	attempts, err := rc.orch.store.ListRetryAttempts(ctx, orderID)
	if err != nil {
		return 0, err
	}
	return len(attempts) + 1, nil
}

func pickPaymentMethod(req RetryRequest, latest *SagaExecution) string {
	if req.UpdatedPaymentMethodID != "" {
		return req.UpdatedPaymentMethodID
	}
	return latest.PaymentMethodID
}

func pickShippingAddress(req RetryRequest, latest *SagaExecution) Address {
	if req.UpdatedShippingAddress != nil {
		return *req.UpdatedShippingAddress
	}
	return latest.ShippingAddress
}

// retryOutcomeFor maps a saga result onto the attempt outcome column.
// Partial compensation counts as FAILED; it still consumed the budget.
func retryOutcomeFor(result SagaResult) (RetryOutcome, string) {
	switch result.Kind() {
	case SagaSuccess:
		return RetryOutcomeSuccess, ""
	case SagaCompensated:
		return RetryOutcomeCompensated, result.FailureReason
	default:
		return RetryOutcomeFailed, result.FailureReason
	}
}
