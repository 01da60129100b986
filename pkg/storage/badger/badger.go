// Package badger manages the shared BadgerDB instance backing the execution
// store and the event journal. It owns the database lifecycle: opening with
// tuned options, running the value-log garbage collector, and closing.
package badger

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/clawback/clawback/pkg/logger"
)

// Config holds configuration for the shared Badger database.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int

	// GCInterval is how often the value log garbage collector runs; zero
	// disables the background loop.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum reclaimable fraction before a value log
	// file is rewritten. Zero uses 0.5.
	GCDiscardRatio float64
}

// DB wraps a Badger database with its garbage collection loop.
type DB struct {
	db  *badger.DB
	log logger.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens the database at cfg.Path and starts the GC loop when
// configured. The logger may be nil.
func Open(cfg *Config, log logger.Logger) (*DB, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("badger: path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = cfg.NumVersionsToKeep
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", cfg.Path, err)
	}

	d := &DB{db: db, log: log}
	if cfg.GCInterval > 0 {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 {
			ratio = 0.5
		}
		d.gcStop = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.gcLoop(cfg.GCInterval, ratio)
	}
	return d, nil
}

// DB returns the underlying Badger handle for store and journal wiring.
func (d *DB) DB() *badger.DB {
	return d.db
}

// Close stops the GC loop and closes the database.
func (d *DB) Close() error {
	if d.gcStop != nil {
		close(d.gcStop)
		<-d.gcDone
		d.gcStop = nil
	}
	return d.db.Close()
}

// gcLoop runs value log GC on a ticker. Each pass repeats collection until
// Badger reports nothing left to rewrite; ErrNoRewrite is the idle signal,
// not a failure.
func (d *DB) gcLoop(interval time.Duration, discardRatio float64) {
	defer close(d.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.gcStop:
			return
		case <-ticker.C:
			rewrites := 0
			for {
				err := d.db.RunValueLogGC(discardRatio)
				if err == nil {
					rewrites++
					continue
				}
				if err != badger.ErrNoRewrite && d.log != nil {
					d.log.Warn("badger value log GC failed", "error", err)
				}
				break
			}
			if rewrites > 0 && d.log != nil {
				d.log.Debug("badger value log GC pass finished", "rewrites", rewrites)
			}
		}
	}
}
