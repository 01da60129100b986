// Package models defines the request and response shapes of the ops API.
package models

import "time"

// ExecutionResponse is the full view of one saga execution, steps included.
type ExecutionResponse struct {
	ExecutionID   string     `json:"execution_id"`
	OrderID       string     `json:"order_id"`
	CustomerID    string     `json:"customer_id"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	TraceID       string     `json:"trace_id,omitempty"`

	Steps []StepResultView `json:"steps"`
}

// StepResultView is one step attempt inside an execution.
type StepResultView struct {
	StepName    string            `json:"step_name"`
	StepType    string            `json:"step_type"`
	StepOrder   int               `json:"step_order"`
	Status      string            `json:"status"`
	Data        map[string]string `json:"data,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ExecutionSummary is one row in an execution list.
type ExecutionSummary struct {
	ExecutionID   string     `json:"execution_id"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// ExecutionListResponse lists every execution recorded for an order,
// oldest first.
type ExecutionListResponse struct {
	OrderID string             `json:"order_id"`
	Items   []ExecutionSummary `json:"items"`
	Total   int                `json:"total"`
}

// RetryRequest is the POST body for a customer-initiated retry. All fields
// are optional; an empty body retries the order exactly as submitted.
type RetryRequest struct {
	UpdatedPaymentMethodID  string          `json:"updated_payment_method_id,omitempty" validate:"omitempty,min=1,max=100"`
	UpdatedShippingAddress  *AddressRequest `json:"updated_shipping_address,omitempty"`
	AcknowledgePriceChanges bool            `json:"acknowledge_price_changes,omitempty"`
}

// AddressRequest is a shipping address supplied on a retry.
type AddressRequest struct {
	Line1      string `json:"line1" validate:"required,min=1,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,min=1,max=100"`
	Region     string `json:"region,omitempty" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"required,min=1,max=20"`
	Country    string `json:"country" validate:"required,len=2"`
}

// RetryResponse reports one retry attempt, admitted or refused.
type RetryResponse struct {
	OrderID       string   `json:"order_id"`
	AttemptID     string   `json:"attempt_id"`
	AttemptNumber int      `json:"attempt_number"`
	Outcome       string   `json:"outcome"`
	Reason        string   `json:"reason,omitempty"`
	ResumedFrom   string   `json:"resumed_from,omitempty"`
	SkippedSteps  []string `json:"skipped_steps,omitempty"`

	// Result is absent when the attempt was refused.
	Result *SagaOutcome `json:"result,omitempty"`
}

// SagaOutcome is the terminal result of a saga run.
type SagaOutcome struct {
	Kind               string `json:"kind"`
	ExecutionID        string `json:"execution_id"`
	ConfirmationNumber string `json:"confirmation_number,omitempty"`
	TrackingNumber     string `json:"tracking_number,omitempty"`
	EstimatedDelivery  string `json:"estimated_delivery,omitempty"`
	FailedStep         string `json:"failed_step,omitempty"`
	FailureCode        string `json:"failure_code,omitempty"`
	FailureReason      string `json:"failure_reason,omitempty"`

	CompensatedSteps    []string             `json:"compensated_steps,omitempty"`
	FailedCompensations []FailedCompensation `json:"failed_compensations,omitempty"`
}

// FailedCompensation names one compensation that did not succeed.
type FailedCompensation struct {
	StepName string `json:"step_name"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// RetryAttemptView is one row in a retry history list.
type RetryAttemptView struct {
	AttemptID     string     `json:"attempt_id"`
	AttemptNumber int        `json:"attempt_number"`
	Outcome       string     `json:"outcome"`
	Reason        string     `json:"reason,omitempty"`
	ResumedFrom   string     `json:"resumed_from,omitempty"`
	SkippedSteps  []string   `json:"skipped_steps,omitempty"`
	RequestedAt   time.Time  `json:"requested_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// RetryAttemptListResponse lists the retry attempts recorded for an order,
// oldest first. Refused attempts are included.
type RetryAttemptListResponse struct {
	OrderID string             `json:"order_id"`
	Items   []RetryAttemptView `json:"items"`
	Total   int                `json:"total"`
}

// TimelineResponse is the journaled lifecycle history of one execution.
type TimelineResponse struct {
	OrderID     string          `json:"order_id"`
	ExecutionID string          `json:"execution_id"`
	Events      []TimelineEvent `json:"events"`
}

// TimelineEvent is one journaled lifecycle event.
type TimelineEvent struct {
	Sequence  uint64            `json:"sequence"`
	Type      string            `json:"type"`
	StepName  string            `json:"step_name,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload,omitempty"`
}
