package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// RecoveryManager reconciles executions that were interrupted by a process
// restart. Forward steps run outside any store transaction, so a crash can
// leave an execution IN_PROGRESS forever; no compensation ran and none can be
// synthesized after the fact. The scan marks such executions FAILED so the
// order becomes visible to retry instead of appearing stuck.
type RecoveryManager struct {
	store   ExecutionStore
	emitter EventEmitter
	metrics MetricsRecorder
	logger  Logger

	now func() time.Time
}

// NewRecoveryManager builds a recovery manager. Emitter, metrics and logger
// may be nil.
func NewRecoveryManager(store ExecutionStore, emitter EventEmitter, metrics MetricsRecorder, logger Logger) (*RecoveryManager, error) {
	if store == nil {
		return nil, fmt.Errorf("recovery manager requires a store")
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if metrics == nil {
		metrics = &nopMetricsRecorder{}
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &RecoveryManager{
		store:   store,
		emitter: emitter,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Recover marks executions that have been IN_PROGRESS for longer than
// olderThan as FAILED. It is meant to run once at startup, before the
// orchestrator accepts new work, with olderThan comfortably above the longest
// plausible saga duration so an execution owned by a live process is never
// reaped. Returns the number of executions marked.
func (m *RecoveryManager) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("recovery cutoff must be positive, got %s", olderThan)
	}
	cutoff := m.now().Add(-olderThan)
	stalled, err := m.store.ListStalledExecutions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stalled executions: %w", err)
	}

	recovered := 0
	var firstErr error
	for _, exec := range stalled {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		reason := FormatStepError(CodeUnexpected, "execution interrupted by process restart")
		if err := m.store.FinalizeExecution(ctx, exec.ID, ExecutionFailed, OrderFailed, reason, m.now()); err != nil {
			m.metrics.RecordSagaRecovery("error")
			m.logger.Warn("failed to reconcile stalled execution",
				"execution_id", exec.ID,
				"order_id", exec.OrderID,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.emitter.Emit(ctx, newEvent(EventSagaFailed, exec.OrderID, exec.ID, "", map[string]string{
			"error_code": string(CodeUnexpected),
			"error":      "execution interrupted by process restart",
		}))
		m.metrics.RecordSagaRecovery("marked_failed")
		m.logger.Info("stalled execution marked failed",
			"execution_id", exec.ID,
			"order_id", exec.OrderID,
			"started_at", exec.StartedAt.Format(time.RFC3339))
		recovered++
	}

	if len(stalled) > 0 || recovered > 0 {
		m.logger.Info("recovery scan finished",
			"stalled", len(stalled),
			"marked_failed", recovered)
	}
	return recovered, firstErr
}

// JournalCleanupManager prunes event journal entries for executions that
// reached a terminal status longer than a retention period ago. Entries for
// live executions are never touched regardless of age.
type JournalCleanupManager struct {
	journal *BadgerJournal
	store   ExecutionStore
	logger  Logger

	now func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewJournalCleanupManager builds a cleanup manager over a Badger-backed
// journal. Logger may be nil.
func NewJournalCleanupManager(journal *BadgerJournal, store ExecutionStore, logger Logger) (*JournalCleanupManager, error) {
	if journal == nil {
		return nil, fmt.Errorf("cleanup manager requires a journal")
	}
	if store == nil {
		return nil, fmt.Errorf("cleanup manager requires a store")
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &JournalCleanupManager{
		journal: journal,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Start runs cleanup passes on a ticker until the context is cancelled or
// Stop is called.
func (m *JournalCleanupManager) Start(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", interval)
	}
	if retention <= 0 {
		return fmt.Errorf("cleanup retention must be positive, got %s", retention)
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("cleanup manager already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				deleted, err := m.RunOnce(ctx, retention)
				if err != nil {
					m.logger.Warn("journal cleanup pass failed", "error", err)
					continue
				}
				if deleted > 0 {
					m.logger.Info("journal cleanup pass finished", "executions_pruned", deleted)
				}
			}
		}
	}()
	return nil
}

// Stop halts the background loop started by Start.
func (m *JournalCleanupManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stopCh)
	m.running = false
}

// RunOnce performs a single cleanup pass and returns the number of executions
// whose journal entries were pruned. An execution qualifies when its newest
// journal entry is older than the retention cutoff and its stored status is
// terminal.
func (m *JournalCleanupManager) RunOnce(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("cleanup retention must be positive, got %s", retention)
	}
	cutoff := m.now().Add(-retention)

	// First pass: read-only scan grouping the newest entry timestamp per
	// execution.
	newest := make(map[string]time.Time)
	err := m.journal.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			executionID, ok := parseExecutionIDFromJournalKey(string(item.Key()))
			if !ok {
				continue
			}
			var entry JournalEntry
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			if entry.Event.Timestamp.After(newest[executionID]) {
				newest[executionID] = entry.Event.Timestamp
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for executionID, last := range newest {
		if !last.Before(cutoff) {
			continue
		}
		terminal, err := m.isTerminal(ctx, executionID)
		if err != nil {
			m.logger.Warn("skipping journal cleanup for execution",
				"execution_id", executionID,
				"error", err)
			continue
		}
		if !terminal {
			continue
		}
		if err := m.journal.DeleteByExecution(ctx, executionID); err != nil {
			m.logger.Warn("failed to prune journal entries",
				"execution_id", executionID,
				"error", err)
			continue
		}
		pruned++
	}
	return pruned, nil
}

func (m *JournalCleanupManager) isTerminal(ctx context.Context, executionID string) (bool, error) {
	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		// An execution with journal entries but no store row was either
		// created by a crashed admission or belongs to a purged order;
		// either way nothing will append to it again.
		if errors.Is(err, ErrExecutionNotFound) {
			return true, nil
		}
		return false, err
	}
	switch exec.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCompensationCompleted:
		return true, nil
	default:
		return false, nil
	}
}
