package saga

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var retryNow = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func retryClock() time.Time { return retryNow }

// retryHarness wires an orchestrator, checker, and coordinator over a memory
// store with a fixed clock.
func retryHarness(t *testing.T, def *Definition) (*RetryCoordinator, *SagaOrchestrator, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	orch, err := NewOrchestrator(def, store, WithClock(retryClock))
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	checker := NewStepValidityChecker(DefaultTTLConfig(), WithValidityClock(retryClock))
	rc, err := NewRetryCoordinator(orch, checker, DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("NewRetryCoordinator() error = %v", err)
	}
	return rc, orch, store
}

type seededStep struct {
	step Step
	data map[string]string
	at   time.Time
}

// seedInterruptedExecution fabricates the store state left behind by a saga
// that completed some steps and then died before finishing: completed step
// rows survive, and a recovery scan has marked the execution FAILED.
func seedInterruptedExecution(t *testing.T, store ExecutionStore, order *Order, executionID string, completed []seededStep) {
	t.Helper()
	ctx := context.Background()

	exec := &SagaExecution{
		ID:              executionID,
		OrderID:         order.ID,
		CustomerID:      order.CustomerID,
		PaymentMethodID: "pm-1",
		ShippingAddress: testAddress(),
		Status:          ExecutionInProgress,
		StartedAt:       retryNow.Add(-time.Hour),
	}
	if err := store.BeginExecution(ctx, order, exec); err != nil {
		t.Fatalf("BeginExecution() error = %v", err)
	}

	for i, c := range completed {
		row := &SagaStepResult{
			ID:          executionID + "-step-" + c.step.Name(),
			ExecutionID: executionID,
			OrderID:     order.ID,
			StepName:    c.step.Name(),
			StepType:    c.step.Type(),
			StepOrder:   c.step.Order(),
			Status:      StepPending,
			StartedAt:   c.at.Add(-time.Second),
		}
		if err := store.BeginStep(ctx, row); err != nil {
			t.Fatalf("BeginStep(%d) error = %v", i, err)
		}
		if err := store.MarkStepRunning(ctx, row.ID); err != nil {
			t.Fatalf("MarkStepRunning(%d) error = %v", i, err)
		}
		if err := store.CompleteStep(ctx, row.ID, c.data, c.at); err != nil {
			t.Fatalf("CompleteStep(%d) error = %v", i, err)
		}
	}

	reason := FormatStepError(CodeUnexpected, "execution interrupted by process restart")
	if err := store.FinalizeExecution(ctx, executionID, ExecutionFailed, OrderFailed, reason, retryNow.Add(-30*time.Minute)); err != nil {
		t.Fatalf("FinalizeExecution() error = %v", err)
	}
}

func TestCheckRetryEligibilityUnknownOrder(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	rc, _, _ := retryHarness(t, buildDefinition(inventory, payment, shipping))

	_, err := rc.CheckRetryEligibility(context.Background(), "ord-missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("error = %v, want ErrOrderNotFound", err)
	}
}

func TestCheckRetryEligibilityOrderWithoutExecution(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	rc, _, store := retryHarness(t, buildDefinition(inventory, payment, shipping))

	order := testOrder("ord-fresh")
	store.mu.Lock()
	store.orders[order.ID] = order
	store.mu.Unlock()

	elig, err := rc.CheckRetryEligibility(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("CheckRetryEligibility() error = %v", err)
	}
	if elig.Eligible {
		t.Fatal("fresh order must not be eligible")
	}
	if !strings.Contains(elig.Reason, "no saga execution") {
		t.Fatalf("reason = %q", elig.Reason)
	}
}

func TestCheckRetryEligibilityCompletedOrder(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	rc, orch, _ := retryHarness(t, buildDefinition(inventory, payment, shipping))

	if _, err := orch.ExecuteSaga(context.Background(), testRequest("ord-done")); err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}

	elig, err := rc.CheckRetryEligibility(context.Background(), "ord-done")
	if err != nil {
		t.Fatalf("CheckRetryEligibility() error = %v", err)
	}
	if elig.Eligible {
		t.Fatal("completed order must not be eligible")
	}
	if !strings.Contains(elig.Reason, "already completed") {
		t.Fatalf("reason = %q", elig.Reason)
	}
}

func TestCheckRetryEligibilityAfterFailure(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	payment.execute = func(context.Context, *Context) StepResult {
		return StepFailure(CodePaymentTimeout, "gateway timeout")
	}
	rc, orch, _ := retryHarness(t, buildDefinition(inventory, payment, shipping))

	result, err := orch.ExecuteSaga(context.Background(), testRequest("ord-pay"))
	if err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}
	if result.Kind() != SagaCompensated {
		t.Fatalf("setup result = %s", result.Kind())
	}

	elig, err := rc.CheckRetryEligibility(context.Background(), "ord-pay")
	if err != nil {
		t.Fatalf("CheckRetryEligibility() error = %v", err)
	}
	if !elig.Eligible {
		t.Fatalf("expected eligible, reason = %q", elig.Reason)
	}
	if elig.AttemptsUsed != 0 || elig.AttemptsRemaining != 3 {
		t.Fatalf("attempts used/remaining = %d/%d, want 0/3", elig.AttemptsUsed, elig.AttemptsRemaining)
	}
	wantExpiry := testOrder("ord-pay").CreatedAt.Add(7 * 24 * time.Hour)
	if !elig.WindowExpiresAt.Equal(wantExpiry) {
		t.Fatalf("window expires %s, want %s", elig.WindowExpiresAt, wantExpiry)
	}
	if len(elig.Blockers) != 0 {
		t.Fatalf("unexpected blockers %v for a timeout failure", elig.Blockers)
	}
}

func TestCheckRetryEligibilityNonRetryableFailure(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	payment.execute = func(context.Context, *Context) StepResult {
		return StepFailure(CodeFraudDetected, "risk score too high")
	}
	rc, orch, _ := retryHarness(t, buildDefinition(inventory, payment, shipping))

	if _, err := orch.ExecuteSaga(context.Background(), testRequest("ord-fraud")); err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}

	elig, err := rc.CheckRetryEligibility(context.Background(), "ord-fraud")
	if err != nil {
		t.Fatalf("CheckRetryEligibility() error = %v", err)
	}
	if elig.Eligible {
		t.Fatal("fraud failure must not be retryable")
	}
	if !strings.Contains(elig.Reason, "not retryable") {
		t.Fatalf("reason = %q", elig.Reason)
	}
}

func TestExecuteRetrySkipsStillValidStepsAndResumes(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	def := buildDefinition(inventory, payment, shipping)
	rc, _, store := retryHarness(t, def)

	// Inventory and payment completed twenty minutes ago, then the process
	// died before shipping. Both artifacts are inside their reuse windows.
	order := testOrder("ord-resume")
	seedInterruptedExecution(t, store, order, "exec-crash", []seededStep{
		{inventory, map[string]string{KeyReservationID.Name(): "res-1"}, retryNow.Add(-20 * time.Minute)},
		{payment, map[string]string{KeyAuthorizationID.Name(): "auth-1"}, retryNow.Add(-20 * time.Minute)},
	})

	// The rerun shipping step must see the carried artifacts.
	shipping.execute = func(_ context.Context, sc *Context) StepResult {
		if v, ok := Data(sc, KeyReservationID); !ok || v != "res-1" {
			t.Errorf("reservation id not carried into retry, got %q", v)
		}
		if v, ok := Data(sc, KeyAuthorizationID); !ok || v != "auth-1" {
			t.Errorf("authorization id not carried into retry, got %q", v)
		}
		Put(sc, KeyShipmentID, "ship-2")
		Put(sc, KeyTrackingNumber, "TRK-2")
		return StepSuccess(sc.StringData(KeyShipmentID.Name(), KeyTrackingNumber.Name()))
	}

	res, err := rc.ExecuteRetry(context.Background(), order.ID, RetryRequest{})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if res.Refused() {
		t.Fatalf("retry refused: %s", res.Reason)
	}
	if res.Outcome != RetryOutcomeSuccess {
		t.Fatalf("outcome = %s, want %s", res.Outcome, RetryOutcomeSuccess)
	}
	if res.ResumedFrom != "arrange_shipping" {
		t.Fatalf("resumed from = %q, want arrange_shipping", res.ResumedFrom)
	}
	if len(res.SkippedSteps) != 2 || res.SkippedSteps[0] != "reserve_inventory" || res.SkippedSteps[1] != "authorize_payment" {
		t.Fatalf("skipped = %v", res.SkippedSteps)
	}
	if inventory.executeCount() != 0 || payment.executeCount() != 0 {
		t.Fatalf("still-valid steps re-ran: inventory=%d payment=%d",
			inventory.executeCount(), payment.executeCount())
	}
	if shipping.executeCount() != 1 {
		t.Fatalf("shipping executed %d times, want 1", shipping.executeCount())
	}
	if res.Result == nil || res.Result.Kind() != SagaSuccess {
		t.Fatalf("saga result = %+v", res.Result)
	}
	if res.Result.TrackingNumber != "TRK-2" {
		t.Fatalf("tracking = %q", res.Result.TrackingNumber)
	}

	order2, err := store.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if order2.Status != OrderCompleted {
		t.Fatalf("order status = %s, want %s", order2.Status, OrderCompleted)
	}

	attempts, err := store.ListRetryAttempts(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("ListRetryAttempts() error = %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempt count = %d", len(attempts))
	}
	a := attempts[0]
	if a.AttemptNumber != 1 || a.Outcome != RetryOutcomeSuccess {
		t.Fatalf("attempt = %+v", a)
	}
	if a.ResumedFrom != "arrange_shipping" || len(a.SkippedSteps) != 2 {
		t.Fatalf("attempt resume bookkeeping = %+v", a)
	}
	if a.CompletedAt == nil {
		t.Fatal("attempt CompletedAt not set")
	}

	// Three classifications were recorded, one per pipeline step.
	if len(res.Classifications) != 3 {
		t.Fatalf("classifications = %d, want 3", len(res.Classifications))
	}
	if res.Classifications[0].Kind != ValidityStillValid ||
		res.Classifications[1].Kind != ValidityStillValid ||
		res.Classifications[2].Kind != ValidityNotCompleted {
		t.Fatalf("classification kinds = %v, %v, %v",
			res.Classifications[0].Kind, res.Classifications[1].Kind, res.Classifications[2].Kind)
	}
}

func TestExecuteRetryReRunsExpiredStepsAroundValidOnes(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	def := buildDefinition(inventory, payment, shipping)
	rc, _, store := retryHarness(t, def)

	// Inventory expired (2h old against a 1h window) but the payment
	// authorization is still good. The rerun list is non-contiguous: the
	// pipeline re-runs inventory, skips payment, and runs shipping.
	order := testOrder("ord-mixed")
	seedInterruptedExecution(t, store, order, "exec-mixed", []seededStep{
		{inventory, map[string]string{KeyReservationID.Name(): "res-old"}, retryNow.Add(-2 * time.Hour)},
		{payment, map[string]string{KeyAuthorizationID.Name(): "auth-1"}, retryNow.Add(-2 * time.Hour)},
	})

	res, err := rc.ExecuteRetry(context.Background(), order.ID, RetryRequest{})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if res.Outcome != RetryOutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if res.ResumedFrom != "reserve_inventory" {
		t.Fatalf("resumed from = %q", res.ResumedFrom)
	}
	if len(res.SkippedSteps) != 1 || res.SkippedSteps[0] != "authorize_payment" {
		t.Fatalf("skipped = %v, want [authorize_payment]", res.SkippedSteps)
	}
	if inventory.executeCount() != 1 {
		t.Fatalf("inventory executed %d times, want 1", inventory.executeCount())
	}
	if payment.executeCount() != 0 {
		t.Fatalf("payment executed %d times, want 0", payment.executeCount())
	}
	if shipping.executeCount() != 1 {
		t.Fatalf("shipping executed %d times, want 1", shipping.executeCount())
	}
}

func TestExecuteRetryAllStepsStillValidCompletesImmediately(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	def := buildDefinition(inventory, payment, shipping)
	rc, _, store := retryHarness(t, def)

	// Every step finished; only the final bookkeeping write was lost.
	order := testOrder("ord-allvalid")
	fresh := retryNow.Add(-10 * time.Minute)
	seedInterruptedExecution(t, store, order, "exec-allvalid", []seededStep{
		{inventory, map[string]string{KeyReservationID.Name(): "res-1"}, fresh},
		{payment, map[string]string{KeyAuthorizationID.Name(): "auth-1"}, fresh},
		{shipping, map[string]string{
			KeyShipmentID.Name():        "ship-1",
			KeyTrackingNumber.Name():    "TRK-1",
			KeyEstimatedDelivery.Name(): "2026-09-01",
		}, fresh},
	})

	res, err := rc.ExecuteRetry(context.Background(), order.ID, RetryRequest{})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if res.Outcome != RetryOutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if res.ResumedFrom != "" {
		t.Fatalf("resumed from = %q, want empty when nothing re-runs", res.ResumedFrom)
	}
	if len(res.SkippedSteps) != 3 {
		t.Fatalf("skipped = %v", res.SkippedSteps)
	}
	for _, s := range []*fakeStep{inventory, payment, shipping} {
		if s.executeCount() != 0 {
			t.Fatalf("step %s re-ran %d times", s.name, s.executeCount())
		}
	}
	if res.Result.TrackingNumber != "TRK-1" {
		t.Fatalf("tracking = %q, want the carried TRK-1", res.Result.TrackingNumber)
	}

	order2, _ := store.GetOrder(context.Background(), order.ID)
	if order2.Status != OrderCompleted {
		t.Fatalf("order status = %s", order2.Status)
	}
}

func TestExecuteRetryRefusedAttemptsAreRecordedAndFree(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	rc, orch, store := retryHarness(t, buildDefinition(inventory, payment, shipping))

	// A completed order refuses retries.
	if _, err := orch.ExecuteSaga(context.Background(), testRequest("ord-refuse")); err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}

	res, err := rc.ExecuteRetry(context.Background(), "ord-refuse", RetryRequest{})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if !res.Refused() {
		t.Fatal("expected refusal")
	}
	if res.Outcome != RetryOutcomeNotEligible {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Result != nil {
		t.Fatal("refused attempt must carry no saga result")
	}

	attempts, err := store.ListRetryAttempts(context.Background(), "ord-refuse")
	if err != nil {
		t.Fatalf("ListRetryAttempts() error = %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempt count = %d, want the refusal recorded", len(attempts))
	}
	if attempts[0].Outcome != RetryOutcomeNotEligible {
		t.Fatalf("recorded outcome = %s", attempts[0].Outcome)
	}
	if attempts[0].CompletedAt == nil {
		t.Fatal("refused attempt must be completed at insert")
	}

	// Refusals do not consume the budget.
	count, err := store.CountRetryAttempts(context.Background(), "ord-refuse")
	if err != nil {
		t.Fatalf("CountRetryAttempts() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("counted attempts = %d, want 0", count)
	}
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	payment.execute = func(context.Context, *Context) StepResult {
		return StepFailure(CodePaymentTimeout, "gateway timeout")
	}
	rc, orch, store := retryHarness(t, buildDefinition(inventory, payment, shipping))

	if _, err := orch.ExecuteSaga(context.Background(), testRequest("ord-budget")); err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}

	// Three failing retries exhaust the budget.
	for i := 0; i < 3; i++ {
		res, err := rc.ExecuteRetry(context.Background(), "ord-budget", RetryRequest{})
		if err != nil {
			t.Fatalf("retry %d error = %v", i+1, err)
		}
		if res.Refused() {
			t.Fatalf("retry %d unexpectedly refused: %s", i+1, res.Reason)
		}
		if res.Outcome != RetryOutcomeCompensated {
			t.Fatalf("retry %d outcome = %s", i+1, res.Outcome)
		}
	}

	res, err := rc.ExecuteRetry(context.Background(), "ord-budget", RetryRequest{})
	if err != nil {
		t.Fatalf("fourth retry error = %v", err)
	}
	if !res.Refused() {
		t.Fatal("fourth retry must be refused")
	}
	if !strings.Contains(res.Reason, "budget exhausted") {
		t.Fatalf("reason = %q", res.Reason)
	}

	count, _ := store.CountRetryAttempts(context.Background(), "ord-budget")
	if count != 3 {
		t.Fatalf("counted attempts = %d, want 3", count)
	}
	attempts, _ := store.ListRetryAttempts(context.Background(), "ord-budget")
	if len(attempts) != 4 {
		t.Fatalf("recorded attempts = %d, want 4 including the refusal", len(attempts))
	}
	if attempts[3].AttemptNumber != 4 {
		t.Fatalf("refusal attempt number = %d, want 4", attempts[3].AttemptNumber)
	}
}

func TestExecuteRetryWindowExpired(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	payment.execute = func(context.Context, *Context) StepResult {
		return StepFailure(CodePaymentTimeout, "gateway timeout")
	}
	rc, orch, _ := retryHarness(t, buildDefinition(inventory, payment, shipping))

	req := testRequest("ord-window")
	req.Order.CreatedAt = retryNow.Add(-8 * 24 * time.Hour)
	if _, err := orch.ExecuteSaga(context.Background(), req); err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}

	res, err := rc.ExecuteRetry(context.Background(), "ord-window", RetryRequest{AcknowledgePriceChanges: true})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if !res.Refused() {
		t.Fatal("expected refusal outside the retry window")
	}
	if !strings.Contains(res.Reason, "window expired") {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestExecuteRetryDeclinedPaymentNeedsNewMethod(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	payment.execute = func(_ context.Context, sc *Context) StepResult {
		if sc.PaymentMethodID() == "pm-1" {
			return StepFailure(CodePaymentDeclined, "card declined")
		}
		Put(sc, KeyAuthorizationID, "auth-2")
		return StepSuccess(sc.StringData(KeyAuthorizationID.Name()))
	}
	rc, orch, _ := retryHarness(t, buildDefinition(inventory, payment, shipping))

	if _, err := orch.ExecuteSaga(context.Background(), testRequest("ord-decline")); err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}

	elig, err := rc.CheckRetryEligibility(context.Background(), "ord-decline")
	if err != nil {
		t.Fatalf("CheckRetryEligibility() error = %v", err)
	}
	if !elig.Eligible {
		t.Fatalf("expected eligible with blocker, reason = %q", elig.Reason)
	}
	if len(elig.Blockers) != 1 {
		t.Fatalf("blockers = %v", elig.Blockers)
	}

	// Without a replacement payment method the attempt is refused.
	res, err := rc.ExecuteRetry(context.Background(), "ord-decline", RetryRequest{})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if !res.Refused() || !strings.Contains(res.Reason, "updated payment method") {
		t.Fatalf("refusal = %v %q", res.Refused(), res.Reason)
	}

	// With one, the retry runs and the payment step sees the new method.
	res, err = rc.ExecuteRetry(context.Background(), "ord-decline", RetryRequest{UpdatedPaymentMethodID: "pm-2"})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if res.Refused() {
		t.Fatalf("refused: %s", res.Reason)
	}
	if res.Outcome != RetryOutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
}

func TestExecuteRetryPriceChangeMustBeAcknowledged(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	payment.execute = func(context.Context, *Context) StepResult {
		return StepFailure(CodePaymentTimeout, "gateway timeout")
	}
	rc, orch, _ := retryHarness(t, buildDefinition(inventory, payment, shipping))

	req := testRequest("ord-price")
	req.Order.CreatedAt = retryNow.Add(-25 * time.Hour)
	if _, err := orch.ExecuteSaga(context.Background(), req); err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}

	elig, err := rc.CheckRetryEligibility(context.Background(), "ord-price")
	if err != nil {
		t.Fatalf("CheckRetryEligibility() error = %v", err)
	}
	if len(elig.RequiredActions) != 1 {
		t.Fatalf("required actions = %v", elig.RequiredActions)
	}

	res, err := rc.ExecuteRetry(context.Background(), "ord-price", RetryRequest{})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if !res.Refused() || !strings.Contains(res.Reason, "acknowledged") {
		t.Fatalf("refusal = %v %q", res.Refused(), res.Reason)
	}

	res, err = rc.ExecuteRetry(context.Background(), "ord-price", RetryRequest{AcknowledgePriceChanges: true})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if res.Refused() {
		t.Fatalf("acknowledged retry refused: %s", res.Reason)
	}
}

func TestExecuteRetryUpdatedShippingAddressReachesSteps(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	shipping.execute = func(_ context.Context, sc *Context) StepResult {
		if sc.ShippingAddress().City == "Oakland" {
			return StepFailure(CodeShippingUnavailable, "no coverage")
		}
		Put(sc, KeyShipmentID, "ship-2")
		return StepSuccess(sc.StringData(KeyShipmentID.Name()))
	}
	rc, orch, _ := retryHarness(t, buildDefinition(inventory, payment, shipping))

	if _, err := orch.ExecuteSaga(context.Background(), testRequest("ord-addr")); err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}

	newAddr := testAddress()
	newAddr.City = "Portland"
	newAddr.PostalCode = "97201"
	res, err := rc.ExecuteRetry(context.Background(), "ord-addr", RetryRequest{
		UpdatedShippingAddress: &newAddr,
	})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if res.Refused() {
		t.Fatalf("refused: %s", res.Reason)
	}
	if res.Outcome != RetryOutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
}

func TestExecuteRetryFailedAgainRecordsOutcome(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	inventory.execute = func(context.Context, *Context) StepResult {
		return StepFailure(CodeInventoryUnavailable, "still out of stock")
	}
	rc, orch, store := retryHarness(t, buildDefinition(inventory, payment, shipping))

	if _, err := orch.ExecuteSaga(context.Background(), testRequest("ord-again")); err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}

	res, err := rc.ExecuteRetry(context.Background(), "ord-again", RetryRequest{})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if res.Outcome != RetryOutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Result == nil || res.Result.Kind() != SagaFailedNoCompensation {
		t.Fatalf("saga result = %+v", res.Result)
	}

	attempts, _ := store.ListRetryAttempts(context.Background(), "ord-again")
	if len(attempts) != 1 || attempts[0].Outcome != RetryOutcomeFailed {
		t.Fatalf("attempts = %+v", attempts)
	}
	if attempts[0].Reason == "" {
		t.Fatal("failed attempt must record the failure reason")
	}
}

func TestNewRetryCoordinatorValidation(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	orch, err := NewOrchestrator(buildDefinition(inventory, payment, shipping), NewMemoryStore())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	checker := NewStepValidityChecker(DefaultTTLConfig())

	if _, err := NewRetryCoordinator(nil, checker, DefaultRetryPolicy()); err == nil {
		t.Fatal("expected error for nil orchestrator")
	}
	if _, err := NewRetryCoordinator(orch, nil, DefaultRetryPolicy()); err == nil {
		t.Fatal("expected error for nil checker")
	}
	if _, err := NewRetryCoordinator(orch, checker, RetryPolicy{MaxAttempts: 0, Window: time.Hour}); err == nil {
		t.Fatal("expected error for zero attempts")
	}
	if _, err := NewRetryCoordinator(orch, checker, RetryPolicy{MaxAttempts: 1, Window: 0}); err == nil {
		t.Fatal("expected error for zero window")
	}
}
