// Package saga provides orchestration-based distributed transaction
// primitives for order fulfillment: a forward step pipeline, reverse-order
// compensation, durable execution records, and TTL-aware retry.
package saga

import (
	"context"
	"fmt"
	"runtime/debug"
)

// StepType classifies a step for TTL and re-validation policy. Values are
// persisted alongside step results.
type StepType string

const (
	// StepTypeInventory: reserves stock. Expired reservations can be
	// re-acquired cheaply.
	StepTypeInventory StepType = "inventory_reservation"
	// StepTypePayment: authorizes payment. Expired authorizations must be
	// fully re-executed, they cannot be refreshed.
	StepTypePayment StepType = "payment_authorization"
	// StepTypeShipping: books a shipment. Expired quotes can be re-quoted.
	StepTypeShipping StepType = "shipping_arrangement"
)

// Step is one unit of forward work plus its undo. Implementations return
// expected business failures through the result types; the runner treats a
// panic as an unexpected failure, never as a crash.
//
// Execute and Compensate receive the standard context for cancellation and
// deadlines, and the saga Context for cross-step state.
type Step interface {
	// Name identifies the step in persistence, logs, and compensation
	// summaries. Must be unique within a saga and stable across releases.
	Name() string

	// Order is the forward position. Steps run in ascending order;
	// compensation runs in descending completion order.
	Order() int

	// Type drives TTL and re-validation policy on retries.
	Type() StepType

	// Execute performs the forward work.
	Execute(ctx context.Context, sc *Context) StepResult

	// Compensate undoes previously completed forward work. It must be safe
	// to call when there is nothing left to undo.
	Compensate(ctx context.Context, sc *Context) CompensationResult
}

// runStep invokes a step's forward logic, converting a panic into a failed
// result so one broken step cannot take down the orchestrator.
func runStep(ctx context.Context, step Step, sc *Context) (result StepResult) {
	defer func() {
		if r := recover(); r != nil {
			result = StepFailure(CodeUnexpected,
				fmt.Sprintf("step %s panicked: %v\n%s", step.Name(), r, debug.Stack()))
		}
	}()
	return step.Execute(ctx, sc)
}

// runCompensation invokes a step's undo logic with the same panic shield.
// A panicking compensation is recorded as failed and the pass moves on to
// the remaining steps.
func runCompensation(ctx context.Context, step Step, sc *Context) (result CompensationResult) {
	defer func() {
		if r := recover(); r != nil {
			result = CompensationFailure(CodeUnexpected,
				fmt.Sprintf("compensation for %s panicked: %v\n%s", step.Name(), r, debug.Stack()))
		}
	}()
	return step.Compensate(ctx, sc)
}
