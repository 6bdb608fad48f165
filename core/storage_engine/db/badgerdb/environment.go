// Package badgerdb backs the data store with a badger key space. Named
// databases share the key space under a "<name>\x00" prefix, and writers are
// serialized so that a prepared transaction cannot lose a conflict at commit.
package badgerdb

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

const (
	indexCacheSize = 64 << 20

	catalogPrefix = "\x00catalog\x00"
	markerPrefix  = db.DecidedMarker + "\x00"
)

var errCursorClosed = errors.New("cursor is closed")

// Environment is an open badger directory plus the decision log used for prepare.
type Environment struct {
	db        *badger.DB
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

// Open opens or creates a badger store in dir and settles any transaction
// left prepared by a previous run.
func Open(dir string, cfg db.Config, decisions *wal.LogManager, logger *zap.Logger) (*Environment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store.badger")
	guard := db.NewGuard(classify, logger)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(cfg.FlushToDisk).
		WithLogger(badgerLogger{logger.Sugar()})
	if len(cfg.EncryptionKey) > 0 {
		// Badger requires a block index cache when encryption is on.
		opts = opts.WithEncryptionKey(cfg.EncryptionKey).WithIndexCacheSize(indexCacheSize)
	}
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, guard.Convert("open", err, false)
	}
	if cfg.Isolation != db.IsolationSerializable {
		logger.Info("badger writers are serialized, ignoring requested isolation",
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
		go env.maintain(cfg.StatsInterval)
	}
	logger.Info("badger environment opened", zap.String("dir", dir), zap.Bool("flushToDisk", cfg.FlushToDisk))
	return env, nil
}

func classify(err error) db.Code {
	switch {
	case errors.Is(err, badger.ErrConflict):
		return db.CodeDeadlock
	case errors.Is(err, badger.ErrTruncateNeeded), errors.Is(err, badger.ErrEncryptionKeyMismatch):
		return db.CodeRunRecovery
	}
	return db.CodeOther
}

func markerKey(gid []byte) []byte {
	return append([]byte(markerPrefix), gid...)
}

func (e *Environment) resolveInDoubt() error {
	if e.decisions == nil {
		return nil
	}
	return e.db.Update(func(txn *badger.Txn) error {
		_, err := db.ResolveInDoubt(e.decisions, func(gid []byte) (bool, error) {
			_, err := txn.Get(markerKey(gid))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return false, nil
			}
			return err == nil, err
		}, e.logger)
		if err != nil {
			return err
		}
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(markerPrefix)})
		var markers [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			markers = append(markers, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range markers {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// BeginTransaction waits for the writer lock for at most the lock timeout and
// starts a badger update transaction.
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
	return &Txn{env: e, txn: e.db.NewTransaction(true), timer: timer}, nil
}

// OpenDatabase opens the key range of the database called name, recording
// the name in the catalog when create is set.
func (e *Environment) OpenDatabase(txn db.Transaction, name string, create bool) (db.Database, error) {
	t, err := e.txnOf(txn, "openDatabase")
	if err != nil {
		return nil, err
	}
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return nil, &db.DatabaseError{Op: "openDatabase", Err: fmt.Errorf("%w: %q", db.ErrInvalidName, name)}
	}
	entry := []byte(catalogPrefix + name)
	_, err = t.txn.Get(entry)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		if !create {
			return nil, &db.DatabaseError{Op: "openDatabase", Err: fmt.Errorf("%w: %s", db.ErrDatabaseNotFound, name)}
		}
		if err := t.txn.Set(entry, []byte{}); err != nil {
			return nil, e.guard.Convert("openDatabase", err, true)
		}
	case err != nil:
		return nil, e.guard.Convert("openDatabase", err, true)
	}
	return &Database{env: e, name: name, prefix: []byte(name + "\x00")}, nil
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

// maintain logs the table and value log sizes and reclaims value log space
// on every tick.
func (e *Environment) maintain(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			lsm, vlog := e.db.Size()
			e.logger.Info("badger stats", zap.Int64("lsmBytes", lsm), zap.Int64("vlogBytes", vlog))
			if err := e.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				e.logger.Debug("value log gc skipped", zap.Error(err))
			}
		}
	}
}

// Close stops the maintenance task and closes badger. The decision log is
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
	e.logger.Info("badger environment closed")
	return nil
}

// badgerLogger routes badger's own logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.s.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.s.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.s.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.s.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
