package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	journalKeyPrefix      = "journal:"
	journalSequencePrefix = "journal-seq:"
)

// JournalEntry is one durable saga event record with its per-execution
// sequence number.
type JournalEntry struct {
	Sequence uint64 `json:"sequence"`
	Event    Event  `json:"event"`
}

// JournalWriteMode controls whether appends are synchronous or asynchronous.
type JournalWriteMode string

const (
	// JournalWriteModeSync flushes each append before return.
	JournalWriteModeSync JournalWriteMode = "sync"
	// JournalWriteModeAsync enqueues appends and flushes in background.
	JournalWriteModeAsync JournalWriteMode = "async"
)

// Journal provides append-only durable logging of saga lifecycle events,
// sequenced per execution. It is an audit trail, not the source of truth;
// the ExecutionStore is.
type Journal interface {
	Append(ctx context.Context, event Event) (uint64, error)
	List(ctx context.Context, executionID string) ([]JournalEntry, error)
	DeleteByExecution(ctx context.Context, executionID string) error
	Close() error
}

// JournalOptions configures a Badger-backed journal.
type JournalOptions struct {
	WriteMode      JournalWriteMode
	AsyncQueueSize int
	Logger         Logger
}

type journalAppendRequest struct {
	ctx   context.Context
	entry JournalEntry
}

// BadgerJournal implements Journal on top of Badger.
type BadgerJournal struct {
	db        *badger.DB
	ownsDB    bool
	writeMode JournalWriteMode
	logger    Logger

	appendCh  chan journalAppendRequest
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// OpenBadgerJournal opens a dedicated Badger DB for journal usage.
func OpenBadgerJournal(path string, options JournalOptions) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger journal: %w", err)
	}
	journal, err := NewBadgerJournal(db, options)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	journal.ownsDB = true
	return journal, nil
}

// NewBadgerJournal creates a journal over an existing Badger DB instance.
func NewBadgerJournal(db *badger.DB, options JournalOptions) (*BadgerJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	if options.WriteMode == "" {
		options.WriteMode = JournalWriteModeSync
	}
	if options.AsyncQueueSize <= 0 {
		options.AsyncQueueSize = 1024
	}
	if options.WriteMode != JournalWriteModeSync && options.WriteMode != JournalWriteModeAsync {
		return nil, fmt.Errorf("unsupported journal write mode: %s", options.WriteMode)
	}
	if options.Logger == nil {
		options.Logger = nopLogger{}
	}

	journal := &BadgerJournal{
		db:        db,
		writeMode: options.WriteMode,
		logger:    options.Logger,
		stopCh:    make(chan struct{}),
	}

	if options.WriteMode == JournalWriteModeAsync {
		journal.appendCh = make(chan journalAppendRequest, options.AsyncQueueSize)
		journal.wg.Add(1)
		go journal.runAsyncWriter()
	}

	return journal, nil
}

// Append records one saga event and returns its per-execution sequence
// number.
func (j *BadgerJournal) Append(ctx context.Context, event Event) (uint64, error) {
	if event.ExecutionID == "" {
		return 0, fmt.Errorf("journal event execution_id cannot be empty")
	}
	if event.Type == "" {
		return 0, fmt.Errorf("journal event type cannot be empty")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	sequence, err := j.nextSequence(event.ExecutionID)
	if err != nil {
		return 0, err
	}
	entry := JournalEntry{Sequence: sequence, Event: event}

	if j.writeMode == JournalWriteModeAsync {
		select {
		case <-j.stopCh:
			return 0, fmt.Errorf("journal is closed")
		default:
		}
		select {
		case j.appendCh <- journalAppendRequest{ctx: ctx, entry: entry}:
			return sequence, nil
		default:
			// Queue full: write synchronously rather than drop the entry.
			if err := j.writeEntry(ctx, entry); err != nil {
				return 0, err
			}
			return sequence, nil
		}
	}

	if err := j.writeEntry(ctx, entry); err != nil {
		return 0, err
	}
	return sequence, nil
}

// List returns all journal entries for an execution in sequence order.
func (j *BadgerJournal) List(ctx context.Context, executionID string) ([]JournalEntry, error) {
	prefix := []byte(journalPrefixForExecution(executionID))
	entries := make([]JournalEntry, 0)

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			var entry JournalEntry
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// DeleteByExecution removes all journal entries for an execution.
func (j *BadgerJournal) DeleteByExecution(ctx context.Context, executionID string) error {
	prefix := []byte(journalPrefixForExecution(executionID))
	seqKey := []byte(journalSequenceKey(executionID))
	keys := make([][]byte, 0)

	if err := j.db.View(func(txn *badger.Txn) error {
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
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	}); err != nil {
		return err
	}

	return j.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		_ = txn.Delete(seqKey)
		return nil
	})
}

// Close drains pending async writes, stops background routines, and closes
// the db if owned. Subsequent calls return the first result.
func (j *BadgerJournal) Close() error {
	j.closeOnce.Do(func() {
		close(j.stopCh)
		j.wg.Wait()
		if j.ownsDB {
			j.closeErr = j.db.Close()
		}
	})
	return j.closeErr
}

func (j *BadgerJournal) runAsyncWriter() {
	defer j.wg.Done()
	write := func(req journalAppendRequest) {
		if err := j.writeEntry(req.ctx, req.entry); err != nil {
			j.logger.Warn("async journal write failed",
				"execution_id", req.entry.Event.ExecutionID,
				"sequence", req.entry.Sequence,
				"error", err,
			)
		}
	}
	for {
		select {
		case req := <-j.appendCh:
			write(req)
		case <-j.stopCh:
			for {
				select {
				case req := <-j.appendCh:
					write(req)
				default:
					return
				}
			}
		}
	}
}

func (j *BadgerJournal) writeEntry(ctx context.Context, entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	key := []byte(journalEntryKey(entry.Event.ExecutionID, entry.Sequence))

	return j.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return txn.Set(key, data)
	})
}

func (j *BadgerJournal) nextSequence(executionID string) (uint64, error) {
	key := []byte(journalSequenceKey(executionID))
	var next uint64
	err := j.db.Update(func(txn *badger.Txn) error {
		current := uint64(0)
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				parsed, parseErr := strconv.ParseUint(string(v), 10, 64)
				if parseErr != nil {
					return parseErr
				}
				current = parsed
				return nil
			}); err != nil {
				return err
			}
		case err == badger.ErrKeyNotFound:
			current = 0
		default:
			return err
		}

		next = current + 1
		return txn.Set(key, []byte(strconv.FormatUint(next, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("next journal sequence: %w", err)
	}
	return next, nil
}

// JournalEmitter adapts a Journal to the EventEmitter port. Append failures
// are logged and swallowed: the journal is observational and must never
// fail a saga.
type JournalEmitter struct {
	journal Journal
	logger  Logger
}

// NewJournalEmitter wires a journal into the saga event stream.
func NewJournalEmitter(journal Journal, logger Logger) *JournalEmitter {
	if logger == nil {
		logger = nopLogger{}
	}
	return &JournalEmitter{journal: journal, logger: logger}
}

// Emit implements EventEmitter.
func (e *JournalEmitter) Emit(ctx context.Context, event Event) {
	if _, err := e.journal.Append(ctx, event); err != nil {
		e.logger.Warn("journal append failed",
			"event_type", event.Type,
			"execution_id", event.ExecutionID,
			"error", err,
		)
	}
}

func journalPrefixForExecution(executionID string) string {
	return fmt.Sprintf("%s%s:", journalKeyPrefix, executionID)
}

func journalSequenceKey(executionID string) string {
	return fmt.Sprintf("%s%s", journalSequencePrefix, executionID)
}

func journalEntryKey(executionID string, sequence uint64) string {
	return fmt.Sprintf("%s%s:%020d", journalKeyPrefix, executionID, sequence)
}

func parseExecutionIDFromJournalKey(key string) (string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] != strings.TrimSuffix(journalKeyPrefix, ":") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
