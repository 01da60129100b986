package fulfillment

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/clawback/clawback/pkg/saga"
)

// These tests run the real pipeline end to end: concrete steps, in-memory
// clients, in-memory store, nothing faked inside the saga layer.

func fastCompensationRetry() saga.CompensationRetryConfig {
	return saga.CompensationRetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

type pipeline struct {
	orch      *saga.SagaOrchestrator
	store     *saga.MemoryStore
	warehouse *InMemoryInventoryClient
	provider  *InMemoryPaymentClient
	carrier   *InMemoryShippingClient
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	warehouse := NewInMemoryInventoryClient()
	provider := NewInMemoryPaymentClient()
	carrier := NewInMemoryShippingClient()

	def, err := saga.New("order-fulfillment").
		Step(NewReserveInventoryStep(warehouse)).
		Step(NewAuthorizePaymentStep(provider)).
		Step(NewArrangeShippingStep(carrier)).
		WithCompensationRetry(fastCompensationRetry()).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	store := saga.NewMemoryStore()
	orch, err := saga.NewOrchestrator(def, store)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return &pipeline{orch: orch, store: store, warehouse: warehouse, provider: provider, carrier: carrier}
}

func (p *pipeline) request(orderID string) saga.SagaRequest {
	return saga.SagaRequest{
		Order:           testOrder(orderID),
		PaymentMethodID: "pm-1",
		ShippingAddress: testAddress(),
	}
}

func (p *pipeline) coordinator(t *testing.T) *saga.RetryCoordinator {
	t.Helper()
	checker := saga.NewStepValidityChecker(saga.DefaultTTLConfig(),
		saga.WithArtifactVerifier(NewVerifier(p.warehouse, p.provider, p.carrier)))
	rc, err := saga.NewRetryCoordinator(p.orch, checker, saga.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("NewRetryCoordinator() error = %v", err)
	}
	return rc
}

func (p *pipeline) orderStatus(t *testing.T, orderID string) saga.OrderStatus {
	t.Helper()
	order, err := p.store.GetOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetOrder(%s) error = %v", orderID, err)
	}
	return order.Status
}

func TestFulfillmentSagaSucceeds(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	result, err := p.orch.ExecuteSaga(ctx, p.request("ord-1"))
	if err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}
	if result.Kind() != saga.SagaSuccess {
		t.Fatalf("result = %s, want %s", result.Kind(), saga.SagaSuccess)
	}
	if !strings.HasPrefix(result.ConfirmationNumber, "CNF-") {
		t.Errorf("confirmation number = %q, want CNF- prefix", result.ConfirmationNumber)
	}
	if !strings.HasPrefix(result.TrackingNumber, "TRK-") {
		t.Errorf("tracking number = %q, want TRK- prefix", result.TrackingNumber)
	}
	if result.EstimatedDelivery == "" {
		t.Error("estimated delivery is empty")
	}

	// Holds stay live on success; capture and carrier handoff happen
	// downstream of the saga.
	if p.warehouse.ActiveReservations() != 1 {
		t.Errorf("active reservations = %d, want 1", p.warehouse.ActiveReservations())
	}
	if p.provider.ActiveAuthorizations() != 1 {
		t.Errorf("active authorizations = %d, want 1", p.provider.ActiveAuthorizations())
	}
	if p.carrier.ActiveShipments() != 1 {
		t.Errorf("active shipments = %d, want 1", p.carrier.ActiveShipments())
	}
	if got := p.orderStatus(t, "ord-1"); got != saga.OrderCompleted {
		t.Errorf("order status = %s, want %s", got, saga.OrderCompleted)
	}

	rows, err := p.store.StepResultsForExecution(ctx, result.ExecutionID)
	if err != nil {
		t.Fatalf("StepResultsForExecution() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("execution has %d step rows, want 3", len(rows))
	}
	for _, row := range rows {
		if row.Status != saga.StepCompleted {
			t.Errorf("step %s status = %s, want %s", row.StepName, row.Status, saga.StepCompleted)
		}
	}
}

func TestDeclinedPaymentRollsBackReservation(t *testing.T) {
	p := newPipeline(t)
	p.provider.DeclineMethod("pm-1")

	result, err := p.orch.ExecuteSaga(context.Background(), p.request("ord-1"))
	if err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}
	if result.Kind() != saga.SagaCompensated {
		t.Fatalf("result = %s, want %s", result.Kind(), saga.SagaCompensated)
	}
	if result.FailedStep != StepNameAuthorizePayment {
		t.Errorf("failed step = %q, want %q", result.FailedStep, StepNameAuthorizePayment)
	}
	if result.FailureCode != saga.CodePaymentDeclined {
		t.Errorf("failure code = %s, want %s", result.FailureCode, saga.CodePaymentDeclined)
	}
	if want := []string{StepNameReserveInventory}; !reflect.DeepEqual(result.Summary.CompensatedSteps, want) {
		t.Errorf("compensated steps = %v, want %v", result.Summary.CompensatedSteps, want)
	}

	if p.warehouse.ActiveReservations() != 0 {
		t.Errorf("active reservations = %d, want 0 after rollback", p.warehouse.ActiveReservations())
	}
	if p.carrier.ActiveShipments() != 0 {
		t.Errorf("active shipments = %d, want 0", p.carrier.ActiveShipments())
	}
	if got := p.orderStatus(t, "ord-1"); got != saga.OrderCompensated {
		t.Errorf("order status = %s, want %s", got, saga.OrderCompensated)
	}
}

func TestOutOfStockFailsWithoutSideEffects(t *testing.T) {
	p := newPipeline(t)
	p.warehouse.MarkOutOfStock("SKU-100")

	result, err := p.orch.ExecuteSaga(context.Background(), p.request("ord-1"))
	if err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}
	if result.Kind() != saga.SagaFailedNoCompensation {
		t.Fatalf("result = %s, want %s", result.Kind(), saga.SagaFailedNoCompensation)
	}
	if result.FailedStep != StepNameReserveInventory {
		t.Errorf("failed step = %q, want %q", result.FailedStep, StepNameReserveInventory)
	}
	if got := len(p.provider.Requests()); got != 0 {
		t.Errorf("payment provider saw %d requests, want 0", got)
	}
	if got := p.orderStatus(t, "ord-1"); got != saga.OrderFailed {
		t.Errorf("order status = %s, want %s", got, saga.OrderFailed)
	}
}

func TestStuckReleaseNeedsManualReconciliation(t *testing.T) {
	p := newPipeline(t)
	p.carrier.MarkUnserviceable("US")
	p.warehouse.FailReleasesWith(fmt.Errorf("warehouse offline"))

	result, err := p.orch.ExecuteSaga(context.Background(), p.request("ord-1"))
	if err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}
	if result.Kind() != saga.SagaPartiallyCompensated {
		t.Fatalf("result = %s, want %s", result.Kind(), saga.SagaPartiallyCompensated)
	}
	if !result.RequiresManualReconciliation() {
		t.Error("RequiresManualReconciliation() = false")
	}

	// The void landed; the release did not. Reverse order means payment was
	// attempted first.
	if want := []string{StepNameAuthorizePayment}; !reflect.DeepEqual(result.Summary.CompensatedSteps, want) {
		t.Errorf("compensated steps = %v, want %v", result.Summary.CompensatedSteps, want)
	}
	if want := []string{StepNameReserveInventory}; !reflect.DeepEqual(result.Summary.FailedStepNames(), want) {
		t.Errorf("stuck compensations = %v, want %v", result.Summary.FailedStepNames(), want)
	}
	if p.provider.ActiveAuthorizations() != 0 {
		t.Errorf("active authorizations = %d, want 0", p.provider.ActiveAuthorizations())
	}
	if p.warehouse.ActiveReservations() != 1 {
		t.Errorf("active reservations = %d, want the stuck hold", p.warehouse.ActiveReservations())
	}
	if got := p.orderStatus(t, "ord-1"); got != saga.OrderFailed {
		t.Errorf("order status = %s, want %s", got, saga.OrderFailed)
	}
}

func TestRetryWithReplacementCard(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.provider.DeclineMethod("pm-1")

	first, err := p.orch.ExecuteSaga(ctx, p.request("ord-1"))
	if err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}
	if first.Kind() != saga.SagaCompensated {
		t.Fatalf("first run = %s, want %s", first.Kind(), saga.SagaCompensated)
	}

	rc := p.coordinator(t)
	elig, err := rc.CheckRetryEligibility(ctx, "ord-1")
	if err != nil {
		t.Fatalf("CheckRetryEligibility() error = %v", err)
	}
	if !elig.Eligible {
		t.Fatalf("order not eligible: %s", elig.Reason)
	}
	if len(elig.Blockers) == 0 {
		t.Fatal("eligibility lists no blockers after a decline")
	}

	// Retrying without a replacement card is refused, not errored.
	refused, err := rc.ExecuteRetry(ctx, "ord-1", saga.RetryRequest{})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if !refused.Refused() {
		t.Fatalf("retry without replacement card ran: outcome %s", refused.Outcome)
	}

	retry, err := rc.ExecuteRetry(ctx, "ord-1", saga.RetryRequest{UpdatedPaymentMethodID: "pm-2"})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if retry.Outcome != saga.RetryOutcomeSuccess {
		t.Fatalf("retry outcome = %s (%s), want %s", retry.Outcome, retry.Reason, saga.RetryOutcomeSuccess)
	}

	// The first run's work was fully compensated, so everything re-executes.
	if retry.ResumedFrom != StepNameReserveInventory {
		t.Errorf("resumed from %q, want %q", retry.ResumedFrom, StepNameReserveInventory)
	}
	if len(retry.SkippedSteps) != 0 {
		t.Errorf("skipped steps = %v, want none", retry.SkippedSteps)
	}

	requests := p.provider.Requests()
	if len(requests) == 0 {
		t.Fatal("payment provider saw no requests")
	}
	if last := requests[len(requests)-1]; last.PaymentMethodID != "pm-2" {
		t.Errorf("retry authorized with %q, want pm-2", last.PaymentMethodID)
	}
	if got := p.orderStatus(t, "ord-1"); got != saga.OrderCompleted {
		t.Errorf("order status = %s, want %s", got, saga.OrderCompleted)
	}
}

// seedInterruptedExecution persists the state the startup recovery scan
// leaves behind after a crash: a FAILED execution with a retryable reason
// whose completed steps were never compensated.
func seedInterruptedExecution(t *testing.T, p *pipeline, orderID string, steps []*saga.SagaStepResult) {
	t.Helper()
	ctx := context.Background()
	started := time.Now().Add(-10 * time.Minute)

	exec := &saga.SagaExecution{
		ID:              "exec-crash",
		OrderID:         orderID,
		CustomerID:      "cust-1",
		PaymentMethodID: "pm-1",
		ShippingAddress: testAddress(),
		Status:          saga.ExecutionInProgress,
		StartedAt:       started,
	}
	if err := p.store.BeginExecution(ctx, testOrder(orderID), exec); err != nil {
		t.Fatalf("BeginExecution() error = %v", err)
	}
	for _, step := range steps {
		step.ExecutionID = exec.ID
		step.OrderID = orderID
		step.StartedAt = started
		data := step.Data
		if err := p.store.BeginStep(ctx, step); err != nil {
			t.Fatalf("BeginStep(%s) error = %v", step.StepName, err)
		}
		if err := p.store.MarkStepRunning(ctx, step.ID); err != nil {
			t.Fatalf("MarkStepRunning(%s) error = %v", step.StepName, err)
		}
		if err := p.store.CompleteStep(ctx, step.ID, data, time.Now().Add(-9*time.Minute)); err != nil {
			t.Fatalf("CompleteStep(%s) error = %v", step.StepName, err)
		}
	}
	reason := saga.FormatStepError(saga.CodeUnexpected, "execution interrupted by process restart")
	if err := p.store.FinalizeExecution(ctx, exec.ID, saga.ExecutionFailed, saga.OrderFailed, reason, time.Now().Add(-8*time.Minute)); err != nil {
		t.Fatalf("FinalizeExecution() error = %v", err)
	}
}

func TestRetryAfterCrashSkipsStillValidSteps(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	// Mint real artifacts so the verifier finds live holds.
	res, err := p.warehouse.Reserve(ctx, ReservationRequest{OrderID: "ord-1", Items: testOrder("ord-1").Items})
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	auth, err := p.provider.Authorize(ctx, AuthorizationRequest{
		OrderID: "ord-1", CustomerID: "cust-1", PaymentMethodID: "pm-1", Amount: 2500,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	seedInterruptedExecution(t, p, "ord-1", []*saga.SagaStepResult{
		{ID: "row-inv", StepName: StepNameReserveInventory, StepType: saga.StepTypeInventory, StepOrder: 1,
			Data: map[string]string{saga.KeyReservationID.Name(): res.ReservationID}},
		{ID: "row-pay", StepName: StepNameAuthorizePayment, StepType: saga.StepTypePayment, StepOrder: 2,
			Data: map[string]string{saga.KeyAuthorizationID.Name(): auth.AuthorizationID}},
	})

	rc := p.coordinator(t)
	retry, err := rc.ExecuteRetry(ctx, "ord-1", saga.RetryRequest{})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if retry.Outcome != saga.RetryOutcomeSuccess {
		t.Fatalf("retry outcome = %s (%s), want %s", retry.Outcome, retry.Reason, saga.RetryOutcomeSuccess)
	}
	if retry.ResumedFrom != StepNameArrangeShipping {
		t.Errorf("resumed from %q, want %q", retry.ResumedFrom, StepNameArrangeShipping)
	}
	wantSkipped := []string{StepNameReserveInventory, StepNameAuthorizePayment}
	if !reflect.DeepEqual(retry.SkippedSteps, wantSkipped) {
		t.Errorf("skipped steps = %v, want %v", retry.SkippedSteps, wantSkipped)
	}

	// The skipped services were never called again; only the seed calls
	// happened.
	if got := len(p.provider.Requests()); got != 1 {
		t.Errorf("payment provider saw %d requests, want 1", got)
	}
	if p.warehouse.ActiveReservations() != 1 {
		t.Errorf("active reservations = %d, want the original hold", p.warehouse.ActiveReservations())
	}
	if p.carrier.ActiveShipments() != 1 {
		t.Errorf("active shipments = %d, want 1", p.carrier.ActiveShipments())
	}

	// The resumed execution carries a step row only for the work it redid.
	rows, err := p.store.StepResultsForExecution(ctx, retry.Result.ExecutionID)
	if err != nil {
		t.Fatalf("StepResultsForExecution() error = %v", err)
	}
	if len(rows) != 1 || rows[0].StepName != StepNameArrangeShipping {
		t.Fatalf("resumed execution rows = %v, want just %s", rows, StepNameArrangeShipping)
	}

	// A retry of the now-completed order is refused.
	again, err := rc.ExecuteRetry(ctx, "ord-1", saga.RetryRequest{})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if !again.Refused() || !strings.Contains(again.Reason, "already completed") {
		t.Fatalf("retry of completed order: outcome %s reason %q, want refusal", again.Outcome, again.Reason)
	}
}

func TestRetrySkipsAreNotContiguous(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	res, err := p.warehouse.Reserve(ctx, ReservationRequest{OrderID: "ord-1", Items: testOrder("ord-1").Items})
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	auth, err := p.provider.Authorize(ctx, AuthorizationRequest{
		OrderID: "ord-1", CustomerID: "cust-1", PaymentMethodID: "pm-1", Amount: 2500,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	seedInterruptedExecution(t, p, "ord-1", []*saga.SagaStepResult{
		{ID: "row-inv", StepName: StepNameReserveInventory, StepType: saga.StepTypeInventory, StepOrder: 1,
			Data: map[string]string{saga.KeyReservationID.Name(): res.ReservationID}},
		{ID: "row-pay", StepName: StepNameAuthorizePayment, StepType: saga.StepTypePayment, StepOrder: 2,
			Data: map[string]string{saga.KeyAuthorizationID.Name(): auth.AuthorizationID}},
	})

	// The warehouse dropped the hold while the process was down. The
	// reservation must be redone, yet the later authorization is still good
	// and must not be.
	p.warehouse.ExpireReservation(res.ReservationID)

	rc := p.coordinator(t)
	retry, err := rc.ExecuteRetry(ctx, "ord-1", saga.RetryRequest{})
	if err != nil {
		t.Fatalf("ExecuteRetry() error = %v", err)
	}
	if retry.Outcome != saga.RetryOutcomeSuccess {
		t.Fatalf("retry outcome = %s (%s), want %s", retry.Outcome, retry.Reason, saga.RetryOutcomeSuccess)
	}
	if retry.ResumedFrom != StepNameReserveInventory {
		t.Errorf("resumed from %q, want %q", retry.ResumedFrom, StepNameReserveInventory)
	}
	if want := []string{StepNameAuthorizePayment}; !reflect.DeepEqual(retry.SkippedSteps, want) {
		t.Errorf("skipped steps = %v, want %v", retry.SkippedSteps, want)
	}

	// No re-authorization happened; a fresh reservation did.
	if got := len(p.provider.Requests()); got != 1 {
		t.Errorf("payment provider saw %d requests, want 1", got)
	}
	if p.warehouse.ActiveReservations() != 1 {
		t.Errorf("active reservations = %d, want the fresh hold", p.warehouse.ActiveReservations())
	}

	rows, err := p.store.StepResultsForExecution(ctx, retry.Result.ExecutionID)
	if err != nil {
		t.Fatalf("StepResultsForExecution() error = %v", err)
	}
	var names []string
	for _, row := range rows {
		names = append(names, row.StepName)
	}
	if want := []string{StepNameReserveInventory, StepNameArrangeShipping}; !reflect.DeepEqual(names, want) {
		t.Fatalf("resumed execution rows = %v, want %v", names, want)
	}
}
