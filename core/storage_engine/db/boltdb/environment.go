// Package boltdb backs the data store with a bolt database file. Bolt allows
// one writer at a time, so every store transaction is a serializable writer.
package boltdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

// FileName is the bolt file created inside the environment directory.
const FileName = "gojotx.bolt"

var errCursorClosed = errors.New("cursor is closed")

// Environment is an open bolt file plus the decision log used for prepare.
type Environment struct {
	db        *bolt.DB
	cfg       db.Config
	decisions *wal.LogManager
	guard     *db.Guard
	logger    *zap.Logger

	writer *db.WriterLock

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

var _ db.Environment = (*Environment)(nil)

// Open opens or creates the bolt file in dir and settles any transaction left
// prepared by a previous run.
func Open(dir string, cfg db.Config, decisions *wal.LogManager, logger *zap.Logger) (*Environment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store.bolt")
	if len(cfg.EncryptionKey) > 0 {
		return nil, transaction.NewError(transaction.KindUnsupported, nil, "bolt does not support encryption at rest")
	}
	guard := db.NewGuard(classify, logger)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	bdb, err := bolt.Open(filepath.Join(dir, FileName), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, guard.Convert("open", err, false)
	}
	bdb.NoSync = !cfg.FlushToDisk
	if cfg.Isolation != db.IsolationSerializable {
		logger.Info("bolt only runs serializable transactions, ignoring requested isolation",
			zap.Stringer("isolation", cfg.Isolation))
	}
	env := &Environment{
		db:        bdb,
		cfg:       cfg,
		decisions: decisions,
		guard:     guard,
		logger:    logger,
		writer:    db.NewWriterLock(),
		stop:      make(chan struct{}),
	}
	if err := env.resolveInDoubt(); err != nil {
		bdb.Close()
		return nil, err
	}
	if cfg.StatsInterval > 0 {
		env.wg.Add(1)
		go env.logStats(cfg.StatsInterval)
	}
	logger.Info("bolt environment opened", zap.String("dir", dir), zap.Bool("flushToDisk", cfg.FlushToDisk))
	return env, nil
}

func classify(err error) db.Code {
	switch {
	case errors.Is(err, bolt.ErrInvalid), errors.Is(err, bolt.ErrVersionMismatch), errors.Is(err, bolt.ErrChecksum):
		return db.CodeRunRecovery
	case errors.Is(err, bolt.ErrTimeout):
		return db.CodeLockNotGranted
	}
	return db.CodeOther
}

func (e *Environment) resolveInDoubt() error {
	if e.decisions == nil {
		return nil
	}
	return e.db.Update(func(tx *bolt.Tx) error {
		markers := tx.Bucket([]byte(db.DecidedMarker))
		_, err := db.ResolveInDoubt(e.decisions, func(gid []byte) (bool, error) {
			return markers != nil && markers.Get(gid) != nil, nil
		}, e.logger)
		if err != nil {
			return err
		}
		if markers != nil {
			return tx.DeleteBucket([]byte(db.DecidedMarker))
		}
		return nil
	})
}

// BeginTransaction waits for the writer lock for at most the lock timeout and
// starts a writable bolt transaction.
func (e *Environment) BeginTransaction(timeoutMs int64) (db.Transaction, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	timer, err := db.NewTxnTimer(timeoutMs)
	if err != nil {
		return nil, err
	}
	if err := e.writer.Acquire(e.cfg.LockTimeout, timer); err != nil {
		return nil, e.guard.Convert("begin", err, true)
	}
	tx, err := e.db.Begin(true)
	if err != nil {
		e.writer.Release()
		return nil, e.guard.Convert("begin", err, true)
	}
	return &Txn{env: e, tx: tx, timer: timer}, nil
}

// OpenDatabase opens the bucket called name.
func (e *Environment) OpenDatabase(txn db.Transaction, name string, create bool) (db.Database, error) {
	t, err := e.txnOf(txn, "openDatabase")
	if err != nil {
		return nil, err
	}
	if name == "" || name[0] == 0 {
		return nil, &db.DatabaseError{Op: "openDatabase", Err: fmt.Errorf("%w: %q", db.ErrInvalidName, name)}
	}
	if create {
		if _, err := t.tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return nil, e.guard.Convert("openDatabase", err, true)
		}
	} else if t.tx.Bucket([]byte(name)) == nil {
		return nil, &db.DatabaseError{Op: "openDatabase", Err: fmt.Errorf("%w: %s", db.ErrDatabaseNotFound, name)}
	}
	return &Database{env: e, name: []byte(name)}, nil
}

func (e *Environment) txnOf(txn db.Transaction, op string) (*Txn, error) {
	t, ok := txn.(*Txn)
	if !ok || t.env != e {
		return nil, &db.DatabaseError{Op: op, Err: db.ErrTxnNotOwned}
	}
	if err := t.check(op); err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Environment) check() error {
	if err := e.guard.Check(); err != nil {
		return err
	}
	if e.closed.Load() {
		return &db.DatabaseError{Op: "check", Err: db.ErrEnvironmentClosed}
	}
	return nil
}

func (e *Environment) logStats(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	prev := e.db.Stats()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			stats := e.db.Stats()
			diff := stats.Sub(&prev)
			prev = stats
			e.logger.Info("bolt stats",
				zap.Int("txN", diff.TxN),
				zap.Int("openTxN", stats.OpenTxN),
				zap.Int("freePageN", stats.FreePageN),
				zap.Int("pendingPageN", stats.PendingPageN),
				zap.Int("freeAlloc", stats.FreeAlloc),
				zap.Int("pageAlloc", diff.TxStats.PageAlloc),
				zap.Int("write", diff.TxStats.Write),
				zap.Duration("writeTime", diff.TxStats.WriteTime))
		}
	}
}

// Close stops the stats task and closes the bolt file. The decision log is
// owned by the caller.
func (e *Environment) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stop)
	e.wg.Wait()
	if err := e.db.Close(); err != nil {
		return e.guard.Convert("close", err, false)
	}
	e.logger.Info("bolt environment closed")
	return nil
}
