package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runExecutionStoreTests exercises the ExecutionStore contract shared by the
// memory, Badger, and SQLite backends. open must return an empty store; it is
// called once per subtest.
func runExecutionStoreTests(t *testing.T, open func(t *testing.T) ExecutionStore) {
	seedStart := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)

	seedExecution := func(t *testing.T, store ExecutionStore, orderID, execID string) {
		t.Helper()
		exec := &SagaExecution{
			ID:              execID,
			OrderID:         orderID,
			CustomerID:      "cust-1",
			PaymentMethodID: "pm-1",
			ShippingAddress: testAddress(),
			Status:          ExecutionInProgress,
			StartedAt:       seedStart,
		}
		if err := store.BeginExecution(context.Background(), testOrder(orderID), exec); err != nil {
			t.Fatalf("BeginExecution() error = %v", err)
		}
	}

	t.Run("admission inserts order and guards", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		seedExecution(t, store, "ord-1", "exec-1")

		order, err := store.GetOrder(ctx, "ord-1")
		if err != nil {
			t.Fatalf("GetOrder() error = %v", err)
		}
		if order.Status != OrderProcessing {
			t.Fatalf("order status = %s, want %s", order.Status, OrderProcessing)
		}

		// A second saga for the same order is refused while one is in flight.
		err = store.BeginExecution(ctx, testOrder("ord-1"), &SagaExecution{
			ID: "exec-2", OrderID: "ord-1", Status: ExecutionInProgress, StartedAt: seedStart.Add(time.Minute),
		})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("concurrent admission error = %v, want ErrInvalidTransition", err)
		}

		// Duplicate execution ids are refused outright.
		if err := store.BeginExecution(ctx, testOrder("ord-other"), &SagaExecution{
			ID: "exec-1", OrderID: "ord-other", StartedAt: seedStart.Add(time.Minute),
		}); err == nil {
			t.Fatal("duplicate execution id accepted")
		}
	})

	t.Run("failed order accepts a fresh execution", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		seedExecution(t, store, "ord-1", "exec-1")

		at := seedStart.Add(30 * time.Minute)
		if err := store.FinalizeExecution(ctx, "exec-1", ExecutionFailed, OrderFailed, "PAYMENT_TIMEOUT: step authorize_payment: timeout", at); err != nil {
			t.Fatalf("FinalizeExecution() error = %v", err)
		}

		// FAILED orders accept a fresh execution; that is the retry path.
		err := store.BeginExecution(ctx, testOrder("ord-1"), &SagaExecution{
			ID: "exec-2", OrderID: "ord-1", Status: ExecutionInProgress, StartedAt: at.Add(time.Minute),
		})
		if err != nil {
			t.Fatalf("re-admission after failure error = %v", err)
		}

		latest, err := store.LatestExecutionForOrder(ctx, "ord-1")
		if err != nil {
			t.Fatalf("LatestExecutionForOrder() error = %v", err)
		}
		if latest.ID != "exec-2" {
			t.Fatalf("latest = %s, want exec-2", latest.ID)
		}

		execs, err := store.ListExecutionsForOrder(ctx, "ord-1")
		if err != nil {
			t.Fatalf("ListExecutionsForOrder() error = %v", err)
		}
		if len(execs) != 2 || execs[0].ID != "exec-1" || execs[1].ID != "exec-2" {
			ids := make([]string, 0, len(execs))
			for _, e := range execs {
				ids = append(ids, e.ID)
			}
			t.Fatalf("executions = %v, want [exec-1 exec-2]", ids)
		}
	})

	t.Run("finalize validates both transitions", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		seedExecution(t, store, "ord-1", "exec-1")
		at := seedStart.Add(30 * time.Minute)

		if err := store.FinalizeExecution(ctx, "exec-missing", ExecutionCompleted, OrderCompleted, "", at); !errors.Is(err, ErrExecutionNotFound) {
			t.Fatalf("unknown execution error = %v", err)
		}

		if err := store.FinalizeExecution(ctx, "exec-1", ExecutionCompleted, OrderCompleted, "", at); err != nil {
			t.Fatalf("FinalizeExecution() error = %v", err)
		}
		exec, err := store.GetExecution(ctx, "exec-1")
		if err != nil {
			t.Fatalf("GetExecution() error = %v", err)
		}
		if exec.CompletedAt == nil || !exec.CompletedAt.Equal(at) {
			t.Fatalf("completed at = %v, want %v", exec.CompletedAt, at)
		}

		// Finalizing twice is an invalid execution transition and changes nothing.
		err = store.FinalizeExecution(ctx, "exec-1", ExecutionFailed, OrderFailed, "late", at.Add(time.Minute))
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("double finalize error = %v", err)
		}
		order, err := store.GetOrder(ctx, "ord-1")
		if err != nil {
			t.Fatalf("GetOrder() error = %v", err)
		}
		if order.Status != OrderCompleted {
			t.Fatalf("order status = %s after rejected finalize", order.Status)
		}
		exec, _ = store.GetExecution(ctx, "exec-1")
		if exec.Status != ExecutionCompleted || exec.FailureReason != "" {
			t.Fatalf("execution mutated by rejected finalize: %+v", exec)
		}
	})

	t.Run("step lifecycle", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		seedExecution(t, store, "ord-1", "exec-1")

		// Steps can only be recorded against a known execution.
		if err := store.BeginStep(ctx, &SagaStepResult{
			ID: "step-x", ExecutionID: "exec-missing", OrderID: "ord-1",
			StepName: "reserve_inventory", StepType: StepTypeInventory, StepOrder: 1,
			StartedAt: seedStart,
		}); !errors.Is(err, ErrExecutionNotFound) {
			t.Fatalf("orphan step error = %v", err)
		}

		row := &SagaStepResult{
			ID:          "step-1",
			ExecutionID: "exec-1",
			OrderID:     "ord-1",
			StepName:    "reserve_inventory",
			StepType:    StepTypeInventory,
			StepOrder:   1,
			Status:      StepPending,
			StartedAt:   seedStart.Add(time.Minute),
		}
		if err := store.BeginStep(ctx, row); err != nil {
			t.Fatalf("BeginStep() error = %v", err)
		}
		if err := store.MarkStepRunning(ctx, "step-1"); err != nil {
			t.Fatalf("MarkStepRunning() error = %v", err)
		}

		// Completing a step that was never started is rejected.
		if err := store.CompleteStep(ctx, "step-missing", nil, seedStart); !errors.Is(err, ErrStepResultNotFound) {
			t.Fatalf("unknown step error = %v", err)
		}

		at := seedStart.Add(2 * time.Minute)
		data := map[string]string{KeyReservationID.Name(): "res-1"}
		if err := store.CompleteStep(ctx, "step-1", data, at); err != nil {
			t.Fatalf("CompleteStep() error = %v", err)
		}

		got, err := store.GetStepResult(ctx, "step-1")
		if err != nil {
			t.Fatalf("GetStepResult() error = %v", err)
		}
		if got.Status != StepCompleted || got.Data[KeyReservationID.Name()] != "res-1" {
			t.Fatalf("row = %+v", got)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(at) {
			t.Fatalf("completed at = %v, want %v", got.CompletedAt, at)
		}

		// The admission row tracks how deep the pipeline got.
		exec, err := store.GetExecution(ctx, "exec-1")
		if err != nil {
			t.Fatalf("GetExecution() error = %v", err)
		}
		if exec.LastStepIndex != 1 {
			t.Fatalf("last step index = %d, want 1", exec.LastStepIndex)
		}

		// Compensation outcome transitions from COMPLETED.
		if err := store.MarkStepCompensationOutcome(ctx, "step-1", StepCompensated, "released", at.Add(time.Minute)); err != nil {
			t.Fatalf("MarkStepCompensationOutcome() error = %v", err)
		}
		got, _ = store.GetStepResult(ctx, "step-1")
		if got.Status != StepCompensated {
			t.Fatalf("status = %s", got.Status)
		}

		// Only compensation outcomes are accepted by that method.
		if err := store.MarkStepCompensationOutcome(ctx, "step-1", StepCompleted, "", seedStart); err == nil {
			t.Fatal("non-compensation status accepted")
		}
	})

	t.Run("step results span executions oldest first", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		seedExecution(t, store, "ord-1", "exec-1")
		t0 := seedStart.Add(time.Minute)

		addStep := func(execID, stepID, name string, order int, at time.Time) {
			t.Helper()
			row := &SagaStepResult{
				ID: stepID, ExecutionID: execID, OrderID: "ord-1",
				StepName: name, StepType: StepTypeInventory, StepOrder: order,
				Status: StepPending, StartedAt: at,
			}
			if err := store.BeginStep(ctx, row); err != nil {
				t.Fatalf("BeginStep(%s) error = %v", stepID, err)
			}
			if err := store.MarkStepRunning(ctx, stepID); err != nil {
				t.Fatalf("MarkStepRunning(%s) error = %v", stepID, err)
			}
			if err := store.CompleteStep(ctx, stepID, nil, at.Add(time.Second)); err != nil {
				t.Fatalf("CompleteStep(%s) error = %v", stepID, err)
			}
		}

		addStep("exec-1", "s1", "reserve_inventory", 1, t0)
		if err := store.FinalizeExecution(ctx, "exec-1", ExecutionFailed, OrderFailed, "x", t0.Add(time.Minute)); err != nil {
			t.Fatalf("FinalizeExecution() error = %v", err)
		}
		if err := store.BeginExecution(ctx, testOrder("ord-1"), &SagaExecution{
			ID: "exec-2", OrderID: "ord-1", Status: ExecutionInProgress, StartedAt: t0.Add(2 * time.Minute),
		}); err != nil {
			t.Fatalf("BeginExecution(exec-2) error = %v", err)
		}
		addStep("exec-2", "s2", "reserve_inventory", 1, t0.Add(3*time.Minute))
		addStep("exec-2", "s3", "authorize_payment", 2, t0.Add(4*time.Minute))

		rows, err := store.StepResultsForOrder(ctx, "ord-1")
		if err != nil {
			t.Fatalf("StepResultsForOrder() error = %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("row count = %d, want 3", len(rows))
		}
		// Oldest execution first, so a latest-wins fold sees exec-2 last.
		if rows[0].ID != "s1" || rows[1].ID != "s2" || rows[2].ID != "s3" {
			t.Fatalf("order = %s, %s, %s", rows[0].ID, rows[1].ID, rows[2].ID)
		}

		execRows, err := store.StepResultsForExecution(ctx, "exec-2")
		if err != nil {
			t.Fatalf("StepResultsForExecution() error = %v", err)
		}
		if len(execRows) != 2 || execRows[0].ID != "s2" || execRows[1].ID != "s3" {
			t.Fatalf("execution rows = %+v", execRows)
		}
	})

	t.Run("stalled executions respect the cutoff", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		t0 := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

		for i, start := range []time.Time{t0, t0.Add(30 * time.Minute), t0.Add(2 * time.Hour)} {
			orderID := "ord-" + string(rune('a'+i))
			err := store.BeginExecution(ctx, testOrder(orderID), &SagaExecution{
				ID: "exec-" + string(rune('a'+i)), OrderID: orderID,
				Status: ExecutionInProgress, StartedAt: start,
			})
			if err != nil {
				t.Fatalf("BeginExecution(%d) error = %v", i, err)
			}
		}
		// Finalized executions are never considered stalled.
		if err := store.FinalizeExecution(ctx, "exec-b", ExecutionCompleted, OrderCompleted, "", t0.Add(time.Hour)); err != nil {
			t.Fatalf("FinalizeExecution() error = %v", err)
		}

		stalled, err := store.ListStalledExecutions(ctx, t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("ListStalledExecutions() error = %v", err)
		}
		if len(stalled) != 1 || stalled[0].ID != "exec-a" {
			ids := make([]string, 0, len(stalled))
			for _, e := range stalled {
				ids = append(ids, e.ID)
			}
			t.Fatalf("stalled = %v, want [exec-a]", ids)
		}
	})

	t.Run("retry attempts", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		seedExecution(t, store, "ord-1", "exec-1")
		t0 := seedStart.Add(time.Hour)

		refusedAt := t0
		attempts := []*RetryAttempt{
			{ID: "a1", OrderID: "ord-1", AttemptNumber: 1, Outcome: RetryOutcomeNotEligible, Reason: "too early", RequestedAt: t0, CompletedAt: &refusedAt},
			{ID: "a2", OrderID: "ord-1", ExecutionID: "exec-1", AttemptNumber: 2, Outcome: RetryOutcomePending, ResumedFrom: "authorize_payment", SkippedSteps: []string{"reserve_inventory"}, RequestedAt: t0.Add(time.Minute)},
		}
		for _, a := range attempts {
			if err := store.RecordRetryAttempt(ctx, a); err != nil {
				t.Fatalf("RecordRetryAttempt(%s) error = %v", a.ID, err)
			}
		}

		if err := store.CompleteRetryAttempt(ctx, "a2", RetryOutcomeSuccess, "", t0.Add(2*time.Minute)); err != nil {
			t.Fatalf("CompleteRetryAttempt() error = %v", err)
		}
		if err := store.CompleteRetryAttempt(ctx, "a-missing", RetryOutcomeSuccess, "", t0); !errors.Is(err, ErrRetryAttemptNotFound) {
			t.Fatalf("unknown attempt error = %v", err)
		}

		count, err := store.CountRetryAttempts(ctx, "ord-1")
		if err != nil {
			t.Fatalf("CountRetryAttempts() error = %v", err)
		}
		if count != 1 {
			t.Fatalf("count = %d, want 1 (refusals excluded)", count)
		}

		list, err := store.ListRetryAttempts(ctx, "ord-1")
		if err != nil {
			t.Fatalf("ListRetryAttempts() error = %v", err)
		}
		if len(list) != 2 || list[0].ID != "a1" || list[1].ID != "a2" {
			t.Fatalf("list = %+v", list)
		}
		if list[1].Outcome != RetryOutcomeSuccess || list[1].CompletedAt == nil {
			t.Fatalf("completed attempt = %+v", list[1])
		}
		if len(list[1].SkippedSteps) != 1 || list[1].SkippedSteps[0] != "reserve_inventory" {
			t.Fatalf("skipped steps = %v", list[1].SkippedSteps)
		}
	})

	t.Run("missing records return typed errors", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)

		if _, err := store.GetOrder(ctx, "nope"); !errors.Is(err, ErrOrderNotFound) {
			t.Fatalf("GetOrder() error = %v", err)
		}
		if _, err := store.GetExecution(ctx, "nope"); !errors.Is(err, ErrExecutionNotFound) {
			t.Fatalf("GetExecution() error = %v", err)
		}
		if _, err := store.LatestExecutionForOrder(ctx, "nope"); !errors.Is(err, ErrExecutionNotFound) {
			t.Fatalf("LatestExecutionForOrder() error = %v", err)
		}
		if _, err := store.GetStepResult(ctx, "nope"); !errors.Is(err, ErrStepResultNotFound) {
			t.Fatalf("GetStepResult() error = %v", err)
		}
	})
}
