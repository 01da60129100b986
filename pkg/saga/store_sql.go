package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqlSchema is append-only: executions, step results, and retry attempts
// are never rewritten into different records, only status-advanced.
const sqlSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	items       TEXT NOT NULL,
	total       INTEGER NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS saga_executions (
	id                TEXT PRIMARY KEY,
	order_id          TEXT NOT NULL REFERENCES orders(id),
	customer_id       TEXT NOT NULL,
	payment_method_id TEXT NOT NULL,
	shipping_address  TEXT NOT NULL,
	status            TEXT NOT NULL,
	started_at        TEXT NOT NULL,
	completed_at      TEXT,
	last_step_index   INTEGER NOT NULL DEFAULT 0,
	failure_reason    TEXT,
	trace_id          TEXT
);
CREATE INDEX IF NOT EXISTS idx_saga_executions_order  ON saga_executions(order_id, started_at);
CREATE INDEX IF NOT EXISTS idx_saga_executions_status ON saga_executions(status, started_at);

CREATE TABLE IF NOT EXISTS saga_step_results (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES saga_executions(id),
	order_id     TEXT NOT NULL,
	step_name    TEXT NOT NULL,
	step_type    TEXT NOT NULL,
	step_order   INTEGER NOT NULL,
	status       TEXT NOT NULL,
	data         TEXT,
	error        TEXT,
	started_at   TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_saga_step_results_execution ON saga_step_results(execution_id, step_order);
CREATE INDEX IF NOT EXISTS idx_saga_step_results_order     ON saga_step_results(order_id);

CREATE TABLE IF NOT EXISTS retry_attempts (
	id             TEXT PRIMARY KEY,
	order_id       TEXT NOT NULL,
	execution_id   TEXT,
	attempt_number INTEGER NOT NULL,
	outcome        TEXT NOT NULL,
	reason         TEXT,
	resumed_from   TEXT,
	skipped_steps  TEXT,
	requested_at   TEXT NOT NULL,
	completed_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_retry_attempts_order ON retry_attempts(order_id, requested_at);
`

// SQLStore is a database/sql-backed ExecutionStore. It targets SQLite via
// the modernc driver but keeps to portable SQL; multi-record methods run in
// a transaction and validate transitions against the selected row before
// writing.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database. The caller owns the handle lifecycle.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sql db cannot be nil")
	}
	return &SQLStore{db: db}, nil
}

// OpenSQLite opens a SQLite database for saga persistence with WAL
// journaling, foreign keys, and a busy timeout. SQLite allows one writer;
// the single connection turns driver-level busy errors into queueing.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	return db, nil
}

// InitSchema creates the tables and indexes when missing.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("init saga schema: %w", err)
	}
	return nil
}

// GetOrder loads an order by id.
func (s *SQLStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, customer_id, items, total, status, created_at, updated_at FROM orders WHERE id = ?`, orderID)
	return scanOrder(row)
}

// BeginExecution admits a new execution for an order.
func (s *SQLStore) BeginExecution(ctx context.Context, order *Order, exec *SagaExecution) error {
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

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM saga_executions WHERE id = ?`, exec.ID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("execution %s already exists", exec.ID)
		}
		if err != sql.ErrNoRows {
			return err
		}

		var status OrderStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, order.ID).Scan(&status)
		switch {
		case err == sql.ErrNoRows:
			status = order.Status
			if status == "" {
				status = OrderPending
			}
			items, merr := json.Marshal(order.Items)
			if merr != nil {
				return merr
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO orders (id, customer_id, items, total, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				order.ID, order.CustomerID, string(items), order.Total, status,
				formatTime(order.CreatedAt), formatTime(exec.StartedAt)); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		if err := ValidateOrderTransition(status, OrderProcessing); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
			OrderProcessing, formatTime(exec.StartedAt), order.ID); err != nil {
			return err
		}

		execStatus := exec.Status
		if execStatus == "" {
			execStatus = ExecutionInProgress
		}
		address, err := json.Marshal(exec.ShippingAddress)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO saga_executions
			 (id, order_id, customer_id, payment_method_id, shipping_address, status, started_at, completed_at, last_step_index, failure_reason, trace_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
			exec.ID, exec.OrderID, exec.CustomerID, exec.PaymentMethodID, string(address),
			execStatus, formatTime(exec.StartedAt), exec.LastStepIndex, exec.FailureReason, exec.TraceID)
		return err
	})
}

// GetExecution loads one execution by id.
func (s *SQLStore) GetExecution(ctx context.Context, executionID string) (*SagaExecution, error) {
	row := s.db.QueryRowContext(ctx, selectExecution+` WHERE id = ?`, executionID)
	return scanExecution(row)
}

// LatestExecutionForOrder returns the most recently started execution.
func (s *SQLStore) LatestExecutionForOrder(ctx context.Context, orderID string) (*SagaExecution, error) {
	row := s.db.QueryRowContext(ctx,
		selectExecution+` WHERE order_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, orderID)
	return scanExecution(row)
}

// ListExecutionsForOrder returns the order's executions, oldest first.
func (s *SQLStore) ListExecutionsForOrder(ctx context.Context, orderID string) ([]*SagaExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		selectExecution+` WHERE order_id = ? ORDER BY started_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListStalledExecutions returns IN_PROGRESS executions started before the
// cutoff.
func (s *SQLStore) ListStalledExecutions(ctx context.Context, before time.Time) ([]*SagaExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		selectExecution+` WHERE status = ? AND started_at < ? ORDER BY started_at ASC`,
		ExecutionInProgress, formatTime(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// FinalizeExecution writes the execution and order terminal statuses
// together.
func (s *SQLStore) FinalizeExecution(ctx context.Context, executionID string, status ExecutionStatus, orderStatus OrderStatus, failureReason string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current ExecutionStatus
		var orderID string
		err := tx.QueryRowContext(ctx,
			`SELECT status, order_id FROM saga_executions WHERE id = ?`, executionID).Scan(&current, &orderID)
		if err == sql.ErrNoRows {
			return ErrExecutionNotFound
		}
		if err != nil {
			return err
		}
		var currentOrder OrderStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, orderID).Scan(&currentOrder)
		if err == sql.ErrNoRows {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}

		if err := ValidateExecutionTransition(current, status); err != nil {
			return err
		}
		if err := ValidateOrderTransition(currentOrder, orderStatus); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE saga_executions SET status = ?, failure_reason = ?, completed_at = ? WHERE id = ?`,
			status, failureReason, formatTime(at), executionID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
			orderStatus, formatTime(at), orderID)
		return err
	})
}

// BeginStep inserts a PENDING step record and advances the execution's
// LastStepIndex.
func (s *SQLStore) BeginStep(ctx context.Context, step *SagaStepResult) error {
	if step == nil {
		return fmt.Errorf("step result cannot be nil")
	}
	if step.ID == "" {
		return fmt.Errorf("step result id is required")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM saga_executions WHERE id = ?`, step.ExecutionID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrExecutionNotFound
		}
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM saga_step_results WHERE id = ?`, step.ID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("step result %s already exists", step.ID)
		}
		if err != sql.ErrNoRows {
			return err
		}

		status := step.Status
		if status == "" {
			status = StepPending
		}
		data, err := marshalStepData(step.Data)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO saga_step_results
			 (id, execution_id, order_id, step_name, step_type, step_order, status, data, error, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			step.ID, step.ExecutionID, step.OrderID, step.StepName, step.StepType,
			step.StepOrder, status, data, step.Error, formatTime(step.StartedAt)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE saga_executions SET last_step_index = ? WHERE id = ?`, step.StepOrder, step.ExecutionID)
		return err
	})
}

// MarkStepRunning transitions a step to IN_PROGRESS.
func (s *SQLStore) MarkStepRunning(ctx context.Context, stepID string) error {
	return s.updateStepTx(ctx, stepID, StepInProgress, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE saga_step_results SET status = ? WHERE id = ?`, StepInProgress, stepID)
		return err
	})
}

// CompleteStep transitions a step to COMPLETED with its artifacts.
func (s *SQLStore) CompleteStep(ctx context.Context, stepID string, data map[string]string, at time.Time) error {
	payload, err := marshalStepData(data)
	if err != nil {
		return err
	}
	return s.updateStepTx(ctx, stepID, StepCompleted, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE saga_step_results SET status = ?, data = ?, completed_at = ? WHERE id = ?`,
			StepCompleted, payload, formatTime(at), stepID)
		return err
	})
}

// FailStep transitions a step to FAILED with the failure message.
func (s *SQLStore) FailStep(ctx context.Context, stepID string, message string, at time.Time) error {
	return s.updateStepTx(ctx, stepID, StepFailed, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE saga_step_results SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
			StepFailed, message, formatTime(at), stepID)
		return err
	})
}

// MarkStepCompensationOutcome records how a step's undo ended.
func (s *SQLStore) MarkStepCompensationOutcome(ctx context.Context, stepID string, status StepStatus, message string, at time.Time) error {
	if status != StepCompensated && status != StepCompensationFailed {
		return fmt.Errorf("status %s is not a compensation outcome", status)
	}
	return s.updateStepTx(ctx, stepID, status, func(tx *sql.Tx) error {
		if status == StepCompensationFailed {
			_, err := tx.ExecContext(ctx,
				`UPDATE saga_step_results SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
				status, message, formatTime(at), stepID)
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE saga_step_results SET status = ?, completed_at = ? WHERE id = ?`,
			status, formatTime(at), stepID)
		return err
	})
}

// GetStepResult loads one step record by id.
func (s *SQLStore) GetStepResult(ctx context.Context, stepID string) (*SagaStepResult, error) {
	row := s.db.QueryRowContext(ctx, selectStep+` WHERE id = ?`, stepID)
	return scanStep(row)
}

// StepResultsForExecution returns an execution's step records ordered by
// step position.
func (s *SQLStore) StepResultsForExecution(ctx context.Context, executionID string) ([]*SagaStepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		selectStep+` WHERE execution_id = ? ORDER BY step_order ASC, started_at ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

// StepResultsForOrder returns step records across all of the order's
// executions, oldest execution first.
func (s *SQLStore) StepResultsForOrder(ctx context.Context, orderID string) ([]*SagaStepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.execution_id, r.order_id, r.step_name, r.step_type, r.step_order, r.status, r.data, r.error, r.started_at, r.completed_at
		 FROM saga_step_results r
		 JOIN saga_executions e ON e.id = r.execution_id
		 WHERE r.order_id = ?
		 ORDER BY e.started_at ASC, e.id ASC, r.step_order ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

// RecordRetryAttempt inserts a retry attempt record.
func (s *SQLStore) RecordRetryAttempt(ctx context.Context, attempt *RetryAttempt) error {
	if attempt == nil {
		return fmt.Errorf("retry attempt cannot be nil")
	}
	if attempt.ID == "" {
		return fmt.Errorf("retry attempt id is required")
	}
	outcome := attempt.Outcome
	if outcome == "" {
		outcome = RetryOutcomePending
	}
	skipped, err := marshalSkippedSteps(attempt.SkippedSteps)
	if err != nil {
		return err
	}
	var completedAt any
	if attempt.CompletedAt != nil {
		completedAt = formatTime(*attempt.CompletedAt)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO retry_attempts
		 (id, order_id, execution_id, attempt_number, outcome, reason, resumed_from, skipped_steps, requested_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.OrderID, attempt.ExecutionID, attempt.AttemptNumber,
		outcome, attempt.Reason, attempt.ResumedFrom, skipped,
		formatTime(attempt.RequestedAt), completedAt)
	return err
}

// CompleteRetryAttempt writes the attempt's final outcome.
func (s *SQLStore) CompleteRetryAttempt(ctx context.Context, attemptID string, outcome RetryOutcome, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_attempts SET outcome = ?, reason = ?, completed_at = ? WHERE id = ?`,
		outcome, reason, formatTime(at), attemptID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRetryAttemptNotFound
	}
	return nil
}

// CountRetryAttempts counts attempts that consumed the retry budget.
func (s *SQLStore) CountRetryAttempts(ctx context.Context, orderID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM retry_attempts WHERE order_id = ? AND outcome != ?`,
		orderID, RetryOutcomeNotEligible).Scan(&count)
	return count, err
}

// ListRetryAttempts returns all attempts for an order, oldest first.
func (s *SQLStore) ListRetryAttempts(ctx context.Context, orderID string) ([]*RetryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, execution_id, attempt_number, outcome, reason, resumed_from, skipped_steps, requested_at, completed_at
		 FROM retry_attempts WHERE order_id = ? ORDER BY requested_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]*RetryAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// updateStepTx validates the step's status transition against the stored
// row, then applies the caller's update inside the same transaction.
func (s *SQLStore) updateStepTx(ctx context.Context, stepID string, target StepStatus, apply func(tx *sql.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current StepStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM saga_step_results WHERE id = ?`, stepID).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrStepResultNotFound
		}
		if err != nil {
			return err
		}
		if err := ValidateStepTransition(current, target); err != nil {
			return err
		}
		return apply(tx)
	})
}

const selectExecution = `SELECT id, order_id, customer_id, payment_method_id, shipping_address, status, started_at, completed_at, last_step_index, failure_reason, trace_id FROM saga_executions`

const selectStep = `SELECT id, execution_id, order_id, step_name, step_type, step_order, status, data, error, started_at, completed_at FROM saga_step_results`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var items, createdAt, updatedAt string
	err := row.Scan(&o.ID, &o.CustomerID, &items, &o.Total, &o.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("decode order items: %w", err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanExecution(row rowScanner) (*SagaExecution, error) {
	var e SagaExecution
	var address, startedAt string
	var completedAt, failureReason, traceID sql.NullString
	err := row.Scan(&e.ID, &e.OrderID, &e.CustomerID, &e.PaymentMethodID, &address,
		&e.Status, &startedAt, &completedAt, &e.LastStepIndex, &failureReason, &traceID)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(address), &e.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping address: %w", err)
	}
	if e.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	e.FailureReason = failureReason.String
	e.TraceID = traceID.String
	return &e, nil
}

func collectExecutions(rows *sql.Rows) ([]*SagaExecution, error) {
	execs := make([]*SagaExecution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func scanStep(row rowScanner) (*SagaStepResult, error) {
	var r SagaStepResult
	var startedAt string
	var data, errMsg, completedAt sql.NullString
	err := row.Scan(&r.ID, &r.ExecutionID, &r.OrderID, &r.StepName, &r.StepType,
		&r.StepOrder, &r.Status, &data, &errMsg, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStepResultNotFound
	}
	if err != nil {
		return nil, err
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &r.Data); err != nil {
			return nil, fmt.Errorf("decode step data: %w", err)
		}
	}
	r.Error = errMsg.String
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectSteps(rows *sql.Rows) ([]*SagaStepResult, error) {
	steps := make([]*SagaStepResult, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanAttempt(row rowScanner) (*RetryAttempt, error) {
	var a RetryAttempt
	var requestedAt string
	var executionID, reason, resumedFrom, skipped, completedAt sql.NullString
	err := row.Scan(&a.ID, &a.OrderID, &executionID, &a.AttemptNumber,
		&a.Outcome, &reason, &resumedFrom, &skipped, &requestedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRetryAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ExecutionID = executionID.String
	a.Reason = reason.String
	a.ResumedFrom = resumedFrom.String
	if skipped.Valid && skipped.String != "" {
		if err := json.Unmarshal([]byte(skipped.String), &a.SkippedSteps); err != nil {
			return nil, fmt.Errorf("decode skipped steps: %w", err)
		}
	}
	if a.RequestedAt, err = parseTime(requestedAt); err != nil {
		return nil, err
	}
	if a.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func marshalStepData(data map[string]string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode step data: %w", err)
	}
	return string(b), nil
}

func marshalSkippedSteps(steps []string) (any, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode skipped steps: %w", err)
	}
	return string(b), nil
}

// Timestamps are stored as RFC 3339 text so rows stay readable in the
// sqlite shell and lexicographic order matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
