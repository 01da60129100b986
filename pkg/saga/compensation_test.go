package saga

import (
	"context"
	"testing"
	"time"
)

func TestCompensationRetriesUntilItLands(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	shipping.execute = func(context.Context, *Context) StepResult {
		return StepFailure(CodeShippingUnavailable, "no carrier")
	}
	// Fails twice, then succeeds on the final in-pass retry.
	attempts := 0
	payment.compensate = func(context.Context, *Context) CompensationResult {
		attempts++
		if attempts < 3 {
			return CompensationFailure(CodeServiceTimeout, "void timed out")
		}
		return CompensationSuccess("authorization voided")
	}

	def, err := New("fulfillment").
		Step(inventory).Step(payment).Step(shipping).
		WithCompensationRetry(fastRetry()).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orch, err := NewOrchestrator(def, NewMemoryStore())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	result, err := orch.ExecuteSaga(context.Background(), testRequest("ord-comp-retry"))
	if err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}
	if result.Kind() != SagaCompensated {
		t.Fatalf("kind = %s, want %s after the retry landed", result.Kind(), SagaCompensated)
	}
	if attempts != 3 {
		t.Fatalf("compensation attempts = %d, want 3", attempts)
	}
	if len(result.Summary.FailedCompensations) != 0 {
		t.Fatalf("failed compensations = %v", result.Summary.FailedCompensations)
	}
}

func TestCompensationPanicIsContained(t *testing.T) {
	inventory, payment, shipping := threeSteps()
	shipping.execute = func(context.Context, *Context) StepResult {
		return StepFailure(CodeShippingUnavailable, "no carrier")
	}
	payment.compensate = func(context.Context, *Context) CompensationResult {
		panic("refund client bug")
	}

	def, err := New("fulfillment").
		Step(inventory).Step(payment).Step(shipping).
		WithCompensationRetry(CompensationRetryConfig{
			MaxRetries:     0,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			BackoffFactor:  2,
		}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orch, err := NewOrchestrator(def, NewMemoryStore())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	result, err := orch.ExecuteSaga(context.Background(), testRequest("ord-comp-panic"))
	if err != nil {
		t.Fatalf("ExecuteSaga() error = %v", err)
	}
	if result.Kind() != SagaPartiallyCompensated {
		t.Fatalf("kind = %s, want %s", result.Kind(), SagaPartiallyCompensated)
	}
	if got := result.Summary.FailedStepNames(); len(got) != 1 || got[0] != "authorize_payment" {
		t.Fatalf("failed compensations = %v", got)
	}
	// The panic in payment's undo must not stop inventory's undo.
	if inventory.compensateCount() != 1 {
		t.Fatalf("inventory compensations = %d, want 1", inventory.compensateCount())
	}
}

func TestBackoffForAttemptGrowsAndCaps(t *testing.T) {
	cfg := CompensationRetryConfig{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
	}

	if got := backoffForAttempt(cfg, 0); got != 100*time.Millisecond {
		t.Fatalf("attempt 0 backoff = %s", got)
	}
	if got := backoffForAttempt(cfg, 1); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 backoff = %s", got)
	}
	if got := backoffForAttempt(cfg, 2); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 backoff = %s", got)
	}
	// Growth stops at the cap.
	if got := backoffForAttempt(cfg, 10); got != time.Second {
		t.Fatalf("attempt 10 backoff = %s, want cap", got)
	}
}

func TestBackoffForAttemptDefaultsZeroConfig(t *testing.T) {
	got := backoffForAttempt(CompensationRetryConfig{}, 0)
	if got <= 0 {
		t.Fatalf("backoff = %s, want positive default", got)
	}
}
