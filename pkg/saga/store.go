package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ExecutionStore persists orders, saga executions, step results, and retry
// attempts. Multi-record methods (BeginExecution, FinalizeExecution,
// BeginStep) are atomic: either every record changes or none does, and
// status transitions are validated against the stored state, never the
// caller's snapshot. That stored-state check is what rejects a second
// concurrent saga for an order already PROCESSING.
type ExecutionStore interface {
	// GetOrder loads an order. Returns ErrOrderNotFound when absent.
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// BeginExecution atomically admits a new saga execution: it inserts the
	// order when absent, transitions it to PROCESSING (validated against
	// the stored status), and inserts the execution as IN_PROGRESS.
	BeginExecution(ctx context.Context, order *Order, exec *SagaExecution) error

	// GetExecution loads one execution. Returns ErrExecutionNotFound when
	// absent.
	GetExecution(ctx context.Context, executionID string) (*SagaExecution, error)

	// LatestExecutionForOrder returns the most recently started execution
	// for an order. Returns ErrExecutionNotFound when the order has none.
	LatestExecutionForOrder(ctx context.Context, orderID string) (*SagaExecution, error)

	// ListExecutionsForOrder returns all executions for an order, oldest
	// first. An order with no executions yields an empty slice, not an
	// error.
	ListExecutionsForOrder(ctx context.Context, orderID string) ([]*SagaExecution, error)

	// ListStalledExecutions returns executions still IN_PROGRESS that
	// started before the cutoff, oldest first. Recovery uses it after a
	// process restart.
	ListStalledExecutions(ctx context.Context, before time.Time) ([]*SagaExecution, error)

	// FinalizeExecution atomically writes the execution's terminal status
	// and the order's matching status. Both transitions are validated
	// before either record changes.
	FinalizeExecution(ctx context.Context, executionID string, status ExecutionStatus, orderStatus OrderStatus, failureReason string, at time.Time) error

	// BeginStep atomically inserts a PENDING step record and advances the
	// owning execution's LastStepIndex.
	BeginStep(ctx context.Context, step *SagaStepResult) error

	// MarkStepRunning transitions a step PENDING -> IN_PROGRESS.
	MarkStepRunning(ctx context.Context, stepID string) error

	// CompleteStep transitions a step IN_PROGRESS -> COMPLETED and persists
	// its artifacts.
	CompleteStep(ctx context.Context, stepID string, data map[string]string, at time.Time) error

	// FailStep transitions a step IN_PROGRESS -> FAILED with the failure
	// message.
	FailStep(ctx context.Context, stepID string, message string, at time.Time) error

	// MarkStepCompensationOutcome transitions a COMPLETED (or previously
	// COMPENSATION_FAILED) step to COMPENSATED or COMPENSATION_FAILED.
	MarkStepCompensationOutcome(ctx context.Context, stepID string, status StepStatus, message string, at time.Time) error

	// GetStepResult loads one step record. Returns ErrStepResultNotFound
	// when absent.
	GetStepResult(ctx context.Context, stepID string) (*SagaStepResult, error)

	// StepResultsForExecution returns an execution's step records in
	// creation order.
	StepResultsForExecution(ctx context.Context, executionID string) ([]*SagaStepResult, error)

	// StepResultsForOrder returns every step record across all of an
	// order's executions, oldest execution first. Retry eligibility folds
	// over this to find each step's latest outcome.
	StepResultsForOrder(ctx context.Context, orderID string) ([]*SagaStepResult, error)

	// RecordRetryAttempt inserts a retry attempt record.
	RecordRetryAttempt(ctx context.Context, attempt *RetryAttempt) error

	// CompleteRetryAttempt writes the attempt's final outcome.
	CompleteRetryAttempt(ctx context.Context, attemptID string, outcome RetryOutcome, reason string, at time.Time) error

	// CountRetryAttempts returns how many attempts have consumed the
	// order's retry budget. Refused (NOT_ELIGIBLE) attempts do not count.
	CountRetryAttempts(ctx context.Context, orderID string) (int, error)

	// ListRetryAttempts returns all recorded attempts for an order, oldest
	// first, refused ones included.
	ListRetryAttempts(ctx context.Context, orderID string) ([]*RetryAttempt, error)
}

// MemoryStore is an in-memory ExecutionStore for tests and examples. All
// reads and writes go through deep copies so callers can never mutate
// stored state through a shared pointer.
type MemoryStore struct {
	mu                sync.RWMutex
	orders            map[string]*Order
	executions        map[string]*SagaExecution
	executionsByOrder map[string][]string
	steps             map[string]*SagaStepResult
	stepsByExecution  map[string][]string
	retries           map[string]*RetryAttempt
	retriesByOrder    map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:            make(map[string]*Order),
		executions:        make(map[string]*SagaExecution),
		executionsByOrder: make(map[string][]string),
		steps:             make(map[string]*SagaStepResult),
		stepsByExecution:  make(map[string][]string),
		retries:           make(map[string]*RetryAttempt),
		retriesByOrder:    make(map[string][]string),
	}
}

// GetOrder loads an order by id.
func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order.Clone(), nil
}

// BeginExecution admits a new execution for an order.
func (s *MemoryStore) BeginExecution(_ context.Context, order *Order, exec *SagaExecution) error {
	if order == nil {
		return fmt.Errorf("order cannot be nil")
	}
	if exec == nil {
		return fmt.Errorf("execution cannot be nil")
	}
	if exec.ID == "" {
		return fmt.Errorf("execution id is required")
	}
	if exec.OrderID != order.ID {
		return fmt.Errorf("execution %s references order %s, got order %s", exec.ID, exec.OrderID, order.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}

	stored, exists := s.orders[order.ID]
	if !exists {
		stored = order.Clone()
		if stored.Status == "" {
			stored.Status = OrderPending
		}
	}
	if err := ValidateOrderTransition(stored.Status, OrderProcessing); err != nil {
		return err
	}

	stored.Status = OrderProcessing
	stored.UpdatedAt = exec.StartedAt
	s.orders[order.ID] = stored

	e := exec.Clone()
	if e.Status == "" {
		e.Status = ExecutionInProgress
	}
	s.executions[e.ID] = e
	s.executionsByOrder[e.OrderID] = append(s.executionsByOrder[e.OrderID], e.ID)
	return nil
}

// GetExecution loads one execution by id.
func (s *MemoryStore) GetExecution(_ context.Context, executionID string) (*SagaExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

// LatestExecutionForOrder returns the most recently started execution.
func (s *MemoryStore) LatestExecutionForOrder(_ context.Context, orderID string) (*SagaExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.executionsByOrder[orderID]
	if len(ids) == 0 {
		return nil, ErrExecutionNotFound
	}
	return s.executions[ids[len(ids)-1]].Clone(), nil
}

// ListExecutionsForOrder returns the order's executions, oldest first.
func (s *MemoryStore) ListExecutionsForOrder(_ context.Context, orderID string) ([]*SagaExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.executionsByOrder[orderID]
	out := make([]*SagaExecution, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.executions[id].Clone())
	}
	return out, nil
}

// ListStalledExecutions returns IN_PROGRESS executions started before the
// cutoff.
func (s *MemoryStore) ListStalledExecutions(_ context.Context, before time.Time) ([]*SagaExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SagaExecution
	for _, exec := range s.executions {
		if exec.Status == ExecutionInProgress && exec.StartedAt.Before(before) {
			out = append(out, exec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// FinalizeExecution writes the execution and order terminal statuses
// together.
func (s *MemoryStore) FinalizeExecution(_ context.Context, executionID string, status ExecutionStatus, orderStatus OrderStatus, failureReason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	order, ok := s.orders[exec.OrderID]
	if !ok {
		return ErrOrderNotFound
	}

	// Validate both transitions before touching either record.
	if err := ValidateExecutionTransition(exec.Status, status); err != nil {
		return err
	}
	if err := ValidateOrderTransition(order.Status, orderStatus); err != nil {
		return err
	}

	exec.Status = status
	exec.FailureReason = failureReason
	completed := at
	exec.CompletedAt = &completed
	order.Status = orderStatus
	order.UpdatedAt = at
	return nil
}

// BeginStep inserts a PENDING step record and advances LastStepIndex.
func (s *MemoryStore) BeginStep(_ context.Context, step *SagaStepResult) error {
	if step == nil {
		return fmt.Errorf("step result cannot be nil")
	}
	if step.ID == "" {
		return fmt.Errorf("step result id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[step.ExecutionID]
	if !ok {
		return ErrExecutionNotFound
	}
	if _, exists := s.steps[step.ID]; exists {
		return fmt.Errorf("step result %s already exists", step.ID)
	}

	stored := step.Clone()
	if stored.Status == "" {
		stored.Status = StepPending
	}
	s.steps[stored.ID] = stored
	s.stepsByExecution[stored.ExecutionID] = append(s.stepsByExecution[stored.ExecutionID], stored.ID)
	exec.LastStepIndex = stored.StepOrder
	return nil
}

// MarkStepRunning transitions a step to IN_PROGRESS.
func (s *MemoryStore) MarkStepRunning(_ context.Context, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepID]
	if !ok {
		return ErrStepResultNotFound
	}
	if err := ValidateStepTransition(step.Status, StepInProgress); err != nil {
		return err
	}
	step.Status = StepInProgress
	return nil
}

// CompleteStep transitions a step to COMPLETED with its artifacts.
func (s *MemoryStore) CompleteStep(_ context.Context, stepID string, data map[string]string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepID]
	if !ok {
		return ErrStepResultNotFound
	}
	if err := ValidateStepTransition(step.Status, StepCompleted); err != nil {
		return err
	}
	step.Status = StepCompleted
	step.Data = copyStringMap(data)
	completed := at
	step.CompletedAt = &completed
	return nil
}

// FailStep transitions a step to FAILED with the failure message.
func (s *MemoryStore) FailStep(_ context.Context, stepID string, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepID]
	if !ok {
		return ErrStepResultNotFound
	}
	if err := ValidateStepTransition(step.Status, StepFailed); err != nil {
		return err
	}
	step.Status = StepFailed
	step.Error = message
	completed := at
	step.CompletedAt = &completed
	return nil
}

// MarkStepCompensationOutcome records how a step's undo ended.
func (s *MemoryStore) MarkStepCompensationOutcome(_ context.Context, stepID string, status StepStatus, message string, at time.Time) error {
	if status != StepCompensated && status != StepCompensationFailed {
		return fmt.Errorf("status %s is not a compensation outcome", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepID]
	if !ok {
		return ErrStepResultNotFound
	}
	if err := ValidateStepTransition(step.Status, status); err != nil {
		return err
	}
	step.Status = status
	if status == StepCompensationFailed {
		step.Error = message
	}
	completed := at
	step.CompletedAt = &completed
	return nil
}

// GetStepResult loads one step record by id.
func (s *MemoryStore) GetStepResult(_ context.Context, stepID string) (*SagaStepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[stepID]
	if !ok {
		return nil, ErrStepResultNotFound
	}
	return step.Clone(), nil
}

// StepResultsForExecution returns an execution's step records in creation
// order.
func (s *MemoryStore) StepResultsForExecution(_ context.Context, executionID string) ([]*SagaStepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.stepsByExecution[executionID]
	out := make([]*SagaStepResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.steps[id].Clone())
	}
	return out, nil
}

// StepResultsForOrder returns step records across all of the order's
// executions, oldest execution first.
func (s *MemoryStore) StepResultsForOrder(_ context.Context, orderID string) ([]*SagaStepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SagaStepResult
	for _, execID := range s.executionsByOrder[orderID] {
		for _, id := range s.stepsByExecution[execID] {
			out = append(out, s.steps[id].Clone())
		}
	}
	return out, nil
}

// RecordRetryAttempt inserts a retry attempt record.
func (s *MemoryStore) RecordRetryAttempt(_ context.Context, attempt *RetryAttempt) error {
	if attempt == nil {
		return fmt.Errorf("retry attempt cannot be nil")
	}
	if attempt.ID == "" {
		return fmt.Errorf("retry attempt id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.retries[attempt.ID]; exists {
		return fmt.Errorf("retry attempt %s already exists", attempt.ID)
	}
	stored := attempt.Clone()
	if stored.Outcome == "" {
		stored.Outcome = RetryOutcomePending
	}
	s.retries[stored.ID] = stored
	s.retriesByOrder[stored.OrderID] = append(s.retriesByOrder[stored.OrderID], stored.ID)
	return nil
}

// CompleteRetryAttempt writes the attempt's final outcome.
func (s *MemoryStore) CompleteRetryAttempt(_ context.Context, attemptID string, outcome RetryOutcome, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.retries[attemptID]
	if !ok {
		return ErrRetryAttemptNotFound
	}
	attempt.Outcome = outcome
	attempt.Reason = reason
	completed := at
	attempt.CompletedAt = &completed
	return nil
}

// CountRetryAttempts counts attempts that consumed the retry budget.
func (s *MemoryStore) CountRetryAttempts(_ context.Context, orderID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, id := range s.retriesByOrder[orderID] {
		if s.retries[id].Outcome.CountsAgainstBudget() {
			count++
		}
	}
	return count, nil
}

// ListRetryAttempts returns all attempts for an order, oldest first.
func (s *MemoryStore) ListRetryAttempts(_ context.Context, orderID string) ([]*RetryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.retriesByOrder[orderID]
	out := make([]*RetryAttempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.retries[id].Clone())
	}
	return out, nil
}
