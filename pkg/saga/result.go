package saga

import "fmt"

// StepResult is the outcome of one forward step execution. It is a closed
// two-variant type: construct with StepSuccess or StepFailure and branch on
// Succeeded. Expected business failures (declined payment, missing stock)
// travel through the failure variant; they are never panics.
type StepResult struct {
	ok      bool
	data    map[string]string
	code    ErrorCode
	message string
}

// StepSuccess builds a successful step result carrying the step's persisted
// key/value payload (reservation id, authorization id, ...). The map is
// copied; callers keep ownership of theirs.
func StepSuccess(data map[string]string) StepResult {
	return StepResult{ok: true, data: copyStringMap(data)}
}

// StepFailure builds a failed step result with a machine-readable code.
func StepFailure(code ErrorCode, message string) StepResult {
	if code == "" {
		code = CodeUnexpected
	}
	return StepResult{ok: false, code: code, message: message}
}

// Succeeded reports whether the step completed its forward work.
func (r StepResult) Succeeded() bool { return r.ok }

// Data returns a copy of the step's persisted payload. Nil for failures.
func (r StepResult) Data() map[string]string {
	if !r.ok {
		return nil
	}
	return copyStringMap(r.data)
}

// Code returns the failure code. Empty for successes.
func (r StepResult) Code() ErrorCode {
	if r.ok {
		return ""
	}
	return r.code
}

// Message returns the failure message. Empty for successes.
func (r StepResult) Message() string {
	if r.ok {
		return ""
	}
	return r.message
}

// CompensationResult is the outcome of one compensation call. "Nothing to
// undo" is the success variant with an explanatory message, never a failure.
type CompensationResult struct {
	ok      bool
	code    ErrorCode
	message string
}

// CompensationSuccess builds a successful compensation result.
func CompensationSuccess(message string) CompensationResult {
	return CompensationResult{ok: true, message: message}
}

// CompensationFailure builds a failed compensation result.
func CompensationFailure(code ErrorCode, message string) CompensationResult {
	if code == "" {
		code = CodeUnexpected
	}
	return CompensationResult{ok: false, code: code, message: message}
}

// Succeeded reports whether the compensation took effect (or had nothing to
// undo).
func (r CompensationResult) Succeeded() bool { return r.ok }

// Code returns the failure code. Empty for successes.
func (r CompensationResult) Code() ErrorCode {
	if r.ok {
		return ""
	}
	return r.code
}

// Message returns the human-readable outcome description.
func (r CompensationResult) Message() string { return r.message }

// FailedCompensation identifies one step whose compensation did not succeed.
type FailedCompensation struct {
	StepName string
	Code     ErrorCode
	Message  string
}

// CompensationSummary aggregates the outcome of a full compensation pass.
// CompensatedSteps and FailedCompensations are both in compensation order
// (reverse of forward completion order).
type CompensationSummary struct {
	CompensatedSteps    []string
	FailedCompensations []FailedCompensation
}

// AllCompensationsSuccessful reports whether every attempted compensation
// succeeded. A saga is only ever reported fully compensated when this holds.
func (s CompensationSummary) AllCompensationsSuccessful() bool {
	return len(s.FailedCompensations) == 0
}

// FailedStepNames returns the names of steps whose compensation failed, in
// compensation order.
func (s CompensationSummary) FailedStepNames() []string {
	names := make([]string, 0, len(s.FailedCompensations))
	for _, f := range s.FailedCompensations {
		names = append(names, f.StepName)
	}
	return names
}

// SagaResultKind discriminates the four terminal saga outcomes.
type SagaResultKind int

const (
	// SagaSuccess: every step completed; the order is COMPLETED.
	SagaSuccess SagaResultKind = iota
	// SagaFailedNoCompensation: the first step failed, nothing to undo; the
	// order is FAILED.
	SagaFailedNoCompensation
	// SagaCompensated: a later step failed and every completed predecessor
	// was compensated; the order is COMPENSATED.
	SagaCompensated
	// SagaPartiallyCompensated: a later step failed and at least one
	// compensation also failed; the order is FAILED and requires manual
	// reconciliation.
	SagaPartiallyCompensated
)

// String returns the stable wire/metric label for the result kind.
func (k SagaResultKind) String() string {
	switch k {
	case SagaSuccess:
		return "success"
	case SagaFailedNoCompensation:
		return "failed"
	case SagaCompensated:
		return "compensated"
	case SagaPartiallyCompensated:
		return "partially_compensated"
	default:
		return "unknown"
	}
}

// SagaResult is the terminal outcome of one saga execution. Branch on Kind;
// the populated fields depend on the variant.
type SagaResult struct {
	kind SagaResultKind

	OrderID     string
	ExecutionID string

	// Success variant.
	ConfirmationNumber string
	TrackingNumber     string
	EstimatedDelivery  string

	// Failure variants.
	FailedStep    string
	FailureCode   ErrorCode
	FailureReason string

	// Compensation variants.
	Summary CompensationSummary
}

// Kind returns the result discriminator.
func (r SagaResult) Kind() SagaResultKind { return r.kind }

// RequiresManualReconciliation reports whether operators must intervene.
func (r SagaResult) RequiresManualReconciliation() bool {
	return r.kind == SagaPartiallyCompensated
}

// String renders a short operator-facing description of the outcome.
func (r SagaResult) String() string {
	switch r.kind {
	case SagaSuccess:
		return fmt.Sprintf("saga %s succeeded for order %s (confirmation %s)",
			r.ExecutionID, r.OrderID, r.ConfirmationNumber)
	case SagaFailedNoCompensation:
		return fmt.Sprintf("saga %s failed at step %s for order %s: %s",
			r.ExecutionID, r.FailedStep, r.OrderID, r.FailureReason)
	case SagaCompensated:
		return fmt.Sprintf("saga %s compensated %d steps for order %s after %s failed",
			r.ExecutionID, len(r.Summary.CompensatedSteps), r.OrderID, r.FailedStep)
	case SagaPartiallyCompensated:
		return fmt.Sprintf("saga %s partially compensated for order %s: %d undone, %d stuck",
			r.ExecutionID, r.OrderID, len(r.Summary.CompensatedSteps), len(r.Summary.FailedCompensations))
	default:
		return fmt.Sprintf("saga %s: unknown result", r.ExecutionID)
	}
}

func newSuccessResult(orderID, executionID, confirmation, tracking, estimatedDelivery string) SagaResult {
	return SagaResult{
		kind:               SagaSuccess,
		OrderID:            orderID,
		ExecutionID:        executionID,
		ConfirmationNumber: confirmation,
		TrackingNumber:     tracking,
		EstimatedDelivery:  estimatedDelivery,
	}
}

func newFailedResult(orderID, executionID, failedStep string, failure StepResult) SagaResult {
	return SagaResult{
		kind:          SagaFailedNoCompensation,
		OrderID:       orderID,
		ExecutionID:   executionID,
		FailedStep:    failedStep,
		FailureCode:   failure.Code(),
		FailureReason: failure.Message(),
	}
}

func newCompensatedResult(orderID, executionID, failedStep string, failure StepResult, summary CompensationSummary) SagaResult {
	kind := SagaCompensated
	if !summary.AllCompensationsSuccessful() {
		kind = SagaPartiallyCompensated
	}
	return SagaResult{
		kind:          kind,
		OrderID:       orderID,
		ExecutionID:   executionID,
		FailedStep:    failedStep,
		FailureCode:   failure.Code(),
		FailureReason: failure.Message(),
		Summary:       summary,
	}
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
