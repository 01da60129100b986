package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	orderKeyPrefix = "order:"
	execKeyPrefix  = "exec:"
	stepKeyPrefix  = "step:"
	retryKeyPrefix = "retry:"

	execOrderIndexPrefix  = "exec:index:order:"
	execStatusIndexPrefix = "exec:index:status:"
	stepExecIndexPrefix   = "step:index:exec:"
	retryOrderIndexPrefix = "retry:index:order:"
)

// BadgerStore is a Badger-backed ExecutionStore. Records are JSON values;
// secondary indexes are empty-valued keys maintained inside the same Update
// transaction as the record they index. Badger's serializable transactions
// give the multi-record methods their atomicity: two concurrent
// BeginExecution calls for one order both read and write the order key, so
// at most one commits.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Badger-backed execution store. The caller owns
// the database lifecycle.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerStore{db: db}, nil
}

// GetOrder loads an order by id.
func (s *BadgerStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	err := s.db.View(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := txn.Get([]byte(orderDataKey(orderID)))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrOrderNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &order) })
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// BeginExecution admits a new execution for an order.
func (s *BadgerStore) BeginExecution(ctx context.Context, order *Order, exec *SagaExecution) error {
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

	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := txn.Get([]byte(execDataKey(exec.ID))); err == nil {
			return fmt.Errorf("execution %s already exists", exec.ID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		stored, err := getOrderInTxn(txn, order.ID)
		if err == ErrOrderNotFound {
			stored = order.Clone()
			if stored.Status == "" {
				stored.Status = OrderPending
			}
		} else if err != nil {
			return err
		}
		if err := ValidateOrderTransition(stored.Status, OrderProcessing); err != nil {
			return err
		}

		stored.Status = OrderProcessing
		stored.UpdatedAt = exec.StartedAt
		if err := setJSON(txn, orderDataKey(order.ID), stored); err != nil {
			return err
		}

		e := exec.Clone()
		if e.Status == "" {
			e.Status = ExecutionInProgress
		}
		if err := setJSON(txn, execDataKey(e.ID), e); err != nil {
			return err
		}
		if err := txn.Set([]byte(execOrderIndexKey(e.OrderID, e.StartedAt, e.ID)), []byte{}); err != nil {
			return err
		}
		return txn.Set([]byte(execStatusIndexKey(e.Status, e.ID)), []byte{})
	})
}

// GetExecution loads one execution by id.
func (s *BadgerStore) GetExecution(ctx context.Context, executionID string) (*SagaExecution, error) {
	var exec *SagaExecution
	err := s.db.View(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var err error
		exec, err = getExecutionInTxn(txn, executionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// LatestExecutionForOrder returns the most recently started execution.
func (s *BadgerStore) LatestExecutionForOrder(ctx context.Context, orderID string) (*SagaExecution, error) {
	execs, err := s.ListExecutionsForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, ErrExecutionNotFound
	}
	return execs[len(execs)-1], nil
}

// ListExecutionsForOrder returns the order's executions, oldest first. The
// order index key embeds the start timestamp, so iteration order is start
// order.
func (s *BadgerStore) ListExecutionsForOrder(ctx context.Context, orderID string) ([]*SagaExecution, error) {
	execs := make([]*SagaExecution, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(execOrderIndexScanPrefix(orderID))
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			execID := execIDFromIndexKey(string(it.Item().Key()))
			exec, err := getExecutionInTxn(txn, execID)
			if err != nil {
				continue
			}
			execs = append(execs, exec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return execs, nil
}

// ListStalledExecutions returns IN_PROGRESS executions started before the
// cutoff.
func (s *BadgerStore) ListStalledExecutions(ctx context.Context, before time.Time) ([]*SagaExecution, error) {
	stalled := make([]*SagaExecution, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(execStatusIndexScanPrefix(ExecutionInProgress))
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			execID := strings.TrimPrefix(string(it.Item().Key()), execStatusIndexScanPrefix(ExecutionInProgress))
			exec, err := getExecutionInTxn(txn, execID)
			if err != nil {
				continue
			}
			if exec.StartedAt.Before(before) {
				stalled = append(stalled, exec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stalled, nil
}

// FinalizeExecution writes the execution and order terminal statuses
// together and swaps the execution's status index entry.
func (s *BadgerStore) FinalizeExecution(ctx context.Context, executionID string, status ExecutionStatus, orderStatus OrderStatus, failureReason string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		exec, err := getExecutionInTxn(txn, executionID)
		if err != nil {
			return err
		}
		order, err := getOrderInTxn(txn, exec.OrderID)
		if err != nil {
			return err
		}

		if err := ValidateExecutionTransition(exec.Status, status); err != nil {
			return err
		}
		if err := ValidateOrderTransition(order.Status, orderStatus); err != nil {
			return err
		}

		oldStatus := exec.Status
		exec.Status = status
		exec.FailureReason = failureReason
		completed := at
		exec.CompletedAt = &completed
		order.Status = orderStatus
		order.UpdatedAt = at

		if err := setJSON(txn, execDataKey(exec.ID), exec); err != nil {
			return err
		}
		if err := setJSON(txn, orderDataKey(order.ID), order); err != nil {
			return err
		}
		if err := txn.Set([]byte(execStatusIndexKey(status, exec.ID)), []byte{}); err != nil {
			return err
		}
		_ = txn.Delete([]byte(execStatusIndexKey(oldStatus, exec.ID)))
		return nil
	})
}

// BeginStep inserts a PENDING step record and advances the execution's
// LastStepIndex.
func (s *BadgerStore) BeginStep(ctx context.Context, step *SagaStepResult) error {
	if step == nil {
		return fmt.Errorf("step result cannot be nil")
	}
	if step.ID == "" {
		return fmt.Errorf("step result id is required")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		exec, err := getExecutionInTxn(txn, step.ExecutionID)
		if err != nil {
			return err
		}
		if _, err := txn.Get([]byte(stepDataKey(step.ID))); err == nil {
			return fmt.Errorf("step result %s already exists", step.ID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		stored := step.Clone()
		if stored.Status == "" {
			stored.Status = StepPending
		}
		if err := setJSON(txn, stepDataKey(stored.ID), stored); err != nil {
			return err
		}
		if err := txn.Set([]byte(stepExecIndexKey(stored.ExecutionID, stored.StepOrder, stored.ID)), []byte{}); err != nil {
			return err
		}

		exec.LastStepIndex = stored.StepOrder
		return setJSON(txn, execDataKey(exec.ID), exec)
	})
}

// MarkStepRunning transitions a step to IN_PROGRESS.
func (s *BadgerStore) MarkStepRunning(ctx context.Context, stepID string) error {
	return s.updateStep(ctx, stepID, func(step *SagaStepResult) error {
		if err := ValidateStepTransition(step.Status, StepInProgress); err != nil {
			return err
		}
		step.Status = StepInProgress
		return nil
	})
}

// CompleteStep transitions a step to COMPLETED with its artifacts.
func (s *BadgerStore) CompleteStep(ctx context.Context, stepID string, data map[string]string, at time.Time) error {
	return s.updateStep(ctx, stepID, func(step *SagaStepResult) error {
		if err := ValidateStepTransition(step.Status, StepCompleted); err != nil {
			return err
		}
		step.Status = StepCompleted
		step.Data = copyStringMap(data)
		completed := at
		step.CompletedAt = &completed
		return nil
	})
}

// FailStep transitions a step to FAILED with the failure message.
func (s *BadgerStore) FailStep(ctx context.Context, stepID string, message string, at time.Time) error {
	return s.updateStep(ctx, stepID, func(step *SagaStepResult) error {
		if err := ValidateStepTransition(step.Status, StepFailed); err != nil {
			return err
		}
		step.Status = StepFailed
		step.Error = message
		completed := at
		step.CompletedAt = &completed
		return nil
	})
}

// MarkStepCompensationOutcome records how a step's undo ended.
func (s *BadgerStore) MarkStepCompensationOutcome(ctx context.Context, stepID string, status StepStatus, message string, at time.Time) error {
	if status != StepCompensated && status != StepCompensationFailed {
		return fmt.Errorf("status %s is not a compensation outcome", status)
	}
	return s.updateStep(ctx, stepID, func(step *SagaStepResult) error {
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
	})
}

// GetStepResult loads one step record by id.
func (s *BadgerStore) GetStepResult(ctx context.Context, stepID string) (*SagaStepResult, error) {
	var step *SagaStepResult
	err := s.db.View(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var err error
		step, err = getStepInTxn(txn, stepID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// StepResultsForExecution returns an execution's step records ordered by
// step position.
func (s *BadgerStore) StepResultsForExecution(ctx context.Context, executionID string) ([]*SagaStepResult, error) {
	steps := make([]*SagaStepResult, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		steps, err = stepsForExecutionInTxn(ctx, txn, executionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// StepResultsForOrder returns step records across all of the order's
// executions, oldest execution first.
func (s *BadgerStore) StepResultsForOrder(ctx context.Context, orderID string) ([]*SagaStepResult, error) {
	steps := make([]*SagaStepResult, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(execOrderIndexScanPrefix(orderID))
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			execID := execIDFromIndexKey(string(it.Item().Key()))
			execSteps, err := stepsForExecutionInTxn(ctx, txn, execID)
			if err != nil {
				return err
			}
			steps = append(steps, execSteps...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// RecordRetryAttempt inserts a retry attempt record.
func (s *BadgerStore) RecordRetryAttempt(ctx context.Context, attempt *RetryAttempt) error {
	if attempt == nil {
		return fmt.Errorf("retry attempt cannot be nil")
	}
	if attempt.ID == "" {
		return fmt.Errorf("retry attempt id is required")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := txn.Get([]byte(retryDataKey(attempt.ID))); err == nil {
			return fmt.Errorf("retry attempt %s already exists", attempt.ID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		stored := attempt.Clone()
		if stored.Outcome == "" {
			stored.Outcome = RetryOutcomePending
		}
		if err := setJSON(txn, retryDataKey(stored.ID), stored); err != nil {
			return err
		}
		return txn.Set([]byte(retryOrderIndexKey(stored.OrderID, stored.RequestedAt, stored.ID)), []byte{})
	})
}

// CompleteRetryAttempt writes the attempt's final outcome.
func (s *BadgerStore) CompleteRetryAttempt(ctx context.Context, attemptID string, outcome RetryOutcome, reason string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := txn.Get([]byte(retryDataKey(attemptID)))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrRetryAttemptNotFound
			}
			return err
		}
		var attempt RetryAttempt
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &attempt) }); err != nil {
			return err
		}
		attempt.Outcome = outcome
		attempt.Reason = reason
		completed := at
		attempt.CompletedAt = &completed
		return setJSON(txn, retryDataKey(attemptID), &attempt)
	})
}

// CountRetryAttempts counts attempts that consumed the retry budget.
func (s *BadgerStore) CountRetryAttempts(ctx context.Context, orderID string) (int, error) {
	attempts, err := s.ListRetryAttempts(ctx, orderID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, attempt := range attempts {
		if attempt.Outcome.CountsAgainstBudget() {
			count++
		}
	}
	return count, nil
}

// ListRetryAttempts returns all attempts for an order, oldest first.
func (s *BadgerStore) ListRetryAttempts(ctx context.Context, orderID string) ([]*RetryAttempt, error) {
	attempts := make([]*RetryAttempt, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(retryOrderIndexScanPrefix(orderID))
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			key := string(it.Item().Key())
			attemptID := key[strings.LastIndex(key, ":")+1:]
			item, err := txn.Get([]byte(retryDataKey(attemptID)))
			if err != nil {
				continue
			}
			var attempt RetryAttempt
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &attempt) }); err != nil {
				continue
			}
			attempts = append(attempts, &attempt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (s *BadgerStore) updateStep(ctx context.Context, stepID string, mutate func(*SagaStepResult) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		step, err := getStepInTxn(txn, stepID)
		if err != nil {
			return err
		}
		if err := mutate(step); err != nil {
			return err
		}
		return setJSON(txn, stepDataKey(stepID), step)
	})
}

func getOrderInTxn(txn *badger.Txn, orderID string) (*Order, error) {
	item, err := txn.Get([]byte(orderDataKey(orderID)))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	var order Order
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &order) }); err != nil {
		return nil, err
	}
	return &order, nil
}

func getExecutionInTxn(txn *badger.Txn, executionID string) (*SagaExecution, error) {
	item, err := txn.Get([]byte(execDataKey(executionID)))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	var exec SagaExecution
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &exec) }); err != nil {
		return nil, err
	}
	return &exec, nil
}

func getStepInTxn(txn *badger.Txn, stepID string) (*SagaStepResult, error) {
	item, err := txn.Get([]byte(stepDataKey(stepID)))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrStepResultNotFound
		}
		return nil, err
	}
	var step SagaStepResult
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &step) }); err != nil {
		return nil, err
	}
	return &step, nil
}

func stepsForExecutionInTxn(ctx context.Context, txn *badger.Txn, executionID string) ([]*SagaStepResult, error) {
	steps := make([]*SagaStepResult, 0)
	prefix := []byte(stepExecIndexScanPrefix(executionID))
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		key := string(it.Item().Key())
		stepID := key[strings.LastIndex(key, ":")+1:]
		step, err := getStepInTxn(txn, stepID)
		if err != nil {
			continue
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func orderDataKey(orderID string) string {
	return orderKeyPrefix + orderID
}

func execDataKey(executionID string) string {
	return execKeyPrefix + executionID
}

func stepDataKey(stepID string) string {
	return stepKeyPrefix + stepID
}

func retryDataKey(attemptID string) string {
	return retryKeyPrefix + attemptID
}

func execOrderIndexScanPrefix(orderID string) string {
	return execOrderIndexPrefix + orderID + ":"
}

// execOrderIndexKey embeds the start time so a prefix scan yields executions
// oldest first.
func execOrderIndexKey(orderID string, startedAt time.Time, executionID string) string {
	return fmt.Sprintf("%s%s:%020d:%s", execOrderIndexPrefix, orderID, startedAt.UnixNano(), executionID)
}

func execIDFromIndexKey(key string) string {
	return key[strings.LastIndex(key, ":")+1:]
}

func execStatusIndexScanPrefix(status ExecutionStatus) string {
	return execStatusIndexPrefix + string(status) + ":"
}

func execStatusIndexKey(status ExecutionStatus, executionID string) string {
	return execStatusIndexScanPrefix(status) + executionID
}

func stepExecIndexScanPrefix(executionID string) string {
	return stepExecIndexPrefix + executionID + ":"
}

// stepExecIndexKey embeds the step position so a prefix scan yields steps in
// pipeline order.
func stepExecIndexKey(executionID string, stepOrder int, stepID string) string {
	return fmt.Sprintf("%s%s:%06d:%s", stepExecIndexPrefix, executionID, stepOrder, stepID)
}

func retryOrderIndexScanPrefix(orderID string) string {
	return retryOrderIndexPrefix + orderID + ":"
}

func retryOrderIndexKey(orderID string, requestedAt time.Time, attemptID string) string {
	return fmt.Sprintf("%s%s:%020d:%s", retryOrderIndexPrefix, orderID, requestedAt.UnixNano(), attemptID)
}
