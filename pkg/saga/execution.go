package saga

import (
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle state of one saga execution. Values are
// persisted; do not rename.
type ExecutionStatus string

const (
	// ExecutionInProgress: forward steps (or compensation) still running.
	ExecutionInProgress ExecutionStatus = "IN_PROGRESS"
	// ExecutionCompleted: every forward step succeeded.
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	// ExecutionFailed: a step failed and the execution did not end fully
	// compensated (first-step failure, or at least one compensation stuck).
	ExecutionFailed ExecutionStatus = "FAILED"
	// ExecutionCompensationCompleted: a step failed and every completed
	// predecessor was undone.
	ExecutionCompensationCompleted ExecutionStatus = "COMPENSATION_COMPLETED"
)

var validExecutionTransitions = map[ExecutionStatus]map[ExecutionStatus]struct{}{
	ExecutionInProgress: {
		ExecutionCompleted:             {},
		ExecutionFailed:                {},
		ExecutionCompensationCompleted: {},
	},
	ExecutionCompleted:             {},
	ExecutionFailed:                {},
	ExecutionCompensationCompleted: {},
}

// CanTransitionTo reports whether s -> target is a legal execution transition.
func (s ExecutionStatus) CanTransitionTo(target ExecutionStatus) bool {
	targets, ok := validExecutionTransitions[s]
	if !ok {
		return false
	}
	_, ok = targets[target]
	return ok
}

// IsTerminal reports whether the execution has finished, successfully or not.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionInProgress
}

// ValidateExecutionTransition returns ErrInvalidTransition when from -> to is
// not a legal execution status change.
func ValidateExecutionTransition(from, to ExecutionStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: execution status %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// SagaExecution is one attempt at running the fulfillment saga for an order.
// Retries create new executions; rows are never rewritten into a different
// attempt. It snapshots the request inputs (customer, payment method,
// shipping address) so a later retry can rebuild the step context without
// the original request.
type SagaExecution struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	CustomerID      string          `json:"customer_id"`
	PaymentMethodID string          `json:"payment_method_id"`
	ShippingAddress Address         `json:"shipping_address"`
	Status          ExecutionStatus `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	LastStepIndex   int             `json:"last_step_index"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	TraceID         string          `json:"trace_id,omitempty"`
}

// Clone returns a deep copy.
func (e *SagaExecution) Clone() *SagaExecution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// StepStatus is the lifecycle state of one step within one execution.
// Values are persisted; do not rename.
type StepStatus string

const (
	// StepPending: row created, step not yet running.
	StepPending StepStatus = "PENDING"
	// StepInProgress: forward logic running.
	StepInProgress StepStatus = "IN_PROGRESS"
	// StepCompleted: forward logic succeeded; Data holds its artifacts.
	StepCompleted StepStatus = "COMPLETED"
	// StepFailed: forward logic failed; Error holds the reason.
	StepFailed StepStatus = "FAILED"
	// StepCompensated: a completed step's work was undone.
	StepCompensated StepStatus = "COMPENSATED"
	// StepCompensationFailed: undo was attempted and did not succeed.
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

var validStepTransitions = map[StepStatus]map[StepStatus]struct{}{
	StepPending: {
		StepInProgress: {},
	},
	StepInProgress: {
		StepCompleted: {},
		StepFailed:    {},
	},
	StepCompleted: {
		StepCompensated:        {},
		StepCompensationFailed: {},
	},
	// A stuck compensation may be re-driven until it lands.
	StepCompensationFailed: {
		StepCompensated:        {},
		StepCompensationFailed: {},
	},
	StepFailed:      {},
	StepCompensated: {},
}

// CanTransitionTo reports whether s -> target is a legal step transition.
func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	targets, ok := validStepTransitions[s]
	if !ok {
		return false
	}
	_, ok = targets[target]
	return ok
}

// IsTerminal reports whether the step record will not change again within
// its execution (compensation of a COMPLETED step happens via a later
// transition, so COMPLETED is not terminal).
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepFailed, StepCompensated:
		return true
	default:
		return false
	}
}

// ValidateStepTransition returns ErrInvalidTransition when from -> to is not
// a legal step status change.
func ValidateStepTransition(from, to StepStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: step status %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// SagaStepResult is the durable record of one step within one execution.
// Data carries the step's persisted artifacts (reservation id, authorization
// id, tracking number) keyed by the step context key names.
type SagaStepResult struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	OrderID     string            `json:"order_id"`
	StepName    string            `json:"step_name"`
	StepType    StepType          `json:"step_type"`
	StepOrder   int               `json:"step_order"`
	Status      StepStatus        `json:"status"`
	Data        map[string]string `json:"data,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (r *SagaStepResult) Clone() *SagaStepResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Data = copyStringMap(r.Data)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// RetryOutcome records how one retry attempt ended. Values are persisted.
type RetryOutcome string

const (
	// RetryOutcomePending: attempt admitted, saga still running.
	RetryOutcomePending RetryOutcome = "PENDING"
	// RetryOutcomeSuccess: the retried saga completed.
	RetryOutcomeSuccess RetryOutcome = "SUCCESS"
	// RetryOutcomeFailed: the retried saga failed again.
	RetryOutcomeFailed RetryOutcome = "FAILED"
	// RetryOutcomeCompensated: the retried saga failed and fully rolled back.
	RetryOutcomeCompensated RetryOutcome = "COMPENSATED"
	// RetryOutcomeNotEligible: the attempt was refused before any step ran.
	RetryOutcomeNotEligible RetryOutcome = "NOT_ELIGIBLE"
)

// RetryAttempt is the durable record of one customer-initiated retry.
// NOT_ELIGIBLE attempts are recorded too, so operators can see refused
// retries; they do not consume the attempt budget.
type RetryAttempt struct {
	ID            string       `json:"id"`
	OrderID       string       `json:"order_id"`
	ExecutionID   string       `json:"execution_id,omitempty"`
	AttemptNumber int          `json:"attempt_number"`
	Outcome       RetryOutcome `json:"outcome"`
	Reason        string       `json:"reason,omitempty"`
	ResumedFrom   string       `json:"resumed_from,omitempty"`
	SkippedSteps  []string     `json:"skipped_steps,omitempty"`
	RequestedAt   time.Time    `json:"requested_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (a *RetryAttempt) Clone() *RetryAttempt {
	if a == nil {
		return nil
	}
	cp := *a
	cp.SkippedSteps = append([]string(nil), a.SkippedSteps...)
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// CountsAgainstBudget reports whether the attempt consumes one of the
// order's limited retries. Refused attempts do not.
func (o RetryOutcome) CountsAgainstBudget() bool {
	return o != RetryOutcomeNotEligible
}
