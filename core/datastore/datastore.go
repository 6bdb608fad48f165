// Package datastore keeps objects, name bindings and class descriptors in a
// store environment and takes part in transactions as their durable
// participant. Each transaction gets its own store transaction, begun on
// first use and finished by the commit protocol.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
	"github.com/sushant-115/gojotx/core/transaction"
)

// TypeName identifies the data store in profile details.
const TypeName = "gojotx.DataStore"

const (
	objectsDB = "oids"
	namesDB   = "names"
	infoDB    = "info"
	classesDB = "classes"

	setupTimeoutMs = 10_000
)

var nextObjectIDKey = []byte("next-object-id")

var (
	ErrObjectNotFound    = errors.New("object not found")
	ErrNameNotBound      = errors.New("name not bound")
	ErrClassInfoNotFound = errors.New("class info not found")
	ErrShutdown          = errors.New("data store is shut down")
)

// DataStore is safe for concurrent use by different transactions. A single
// transaction must only use it from its owner goroutine.
type DataStore struct {
	env      db.Environment
	instance uuid.UUID
	logger   *zap.Logger

	objects db.Database
	names   db.Database
	info    db.Database
	classes db.Database

	mu           sync.Mutex
	txns         map[string]*txnInfo
	shuttingDown bool
	shutDown     bool
	drained      chan struct{}
}

var (
	_ transaction.Participant         = (*DataStore)(nil)
	_ transaction.PrepareAndCommitter = (*DataStore)(nil)
)

// New opens, creating as needed, the data store's databases in env. env
// stays owned by the caller.
func New(env db.Environment, logger *zap.Logger) (*DataStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DataStore{
		env:      env,
		instance: uuid.New(),
		logger:   logger.Named("datastore"),
		txns:     make(map[string]*txnInfo),
	}
	dbTxn, err := env.BeginTransaction(setupTimeoutMs)
	if err != nil {
		return nil, fmt.Errorf("failed to begin setup transaction: %w", err)
	}
	for name, target := range map[string]*db.Database{
		objectsDB: &s.objects,
		namesDB:   &s.names,
		infoDB:    &s.info,
		classesDB: &s.classes,
	} {
		d, err := env.OpenDatabase(dbTxn, name, true)
		if err != nil {
			dbTxn.Abort()
			return nil, fmt.Errorf("failed to open database %s: %w", name, err)
		}
		*target = d
	}
	if err := dbTxn.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit setup transaction: %w", err)
	}
	s.logger.Info("data store ready", zap.Stringer("instance", s.instance))
	return s, nil
}

func (s *DataStore) TypeName() string                   { return TypeName }
func (s *DataStore) Durability() transaction.Durability { return transaction.Durable }

func (s *DataStore) String() string {
	return fmt.Sprintf("DataStore[instance=%s]", s.instance)
}

// Shutdown stops new transactions from joining and waits for the active ones
// to finish. If ctx ends first the store keeps refusing new transactions and
// Shutdown may be called again.
func (s *DataStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	for len(s.txns) > 0 {
		if s.drained == nil {
			s.drained = make(chan struct{})
		}
		wait := s.drained
		n := len(s.txns)
		s.mu.Unlock()
		s.logger.Debug("shutdown waiting for transactions", zap.Int("active", n))
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	s.shutDown = true
	s.mu.Unlock()
	s.logger.Info("data store shut down")
	return nil
}

// checkTxn returns the state for txn, joining it on first use.
func (s *DataStore) checkTxn(txn transaction.Transaction) (*txnInfo, error) {
	if txn == nil {
		return nil, transaction.NewError(transaction.KindInvalidArgument, nil, "transaction must not be nil")
	}
	s.mu.Lock()
	info := s.txns[string(txn.ID())]
	s.mu.Unlock()
	if info == nil {
		return s.join(txn)
	}
	if info.prepared {
		return nil, transaction.NewError(transaction.KindIllegalState, nil, "transaction has been prepared")
	}
	return info, nil
}

// checkTxnNoJoin returns the state for a transaction that must already have joined.
func (s *DataStore) checkTxnNoJoin(txn transaction.Transaction) (*txnInfo, error) {
	if txn == nil {
		return nil, transaction.NewError(transaction.KindInvalidArgument, nil, "transaction must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.txns[string(txn.ID())]
	if info == nil {
		return nil, transaction.NewError(transaction.KindNotActive, nil, "transaction is not active")
	}
	if s.shutDown {
		return nil, transaction.NewError(transaction.KindIllegalState, ErrShutdown, "data store is shut down")
	}
	return info, nil
}

func (s *DataStore) join(txn transaction.Transaction) (*txnInfo, error) {
	s.mu.Lock()
	switch {
	case s.shutDown:
		s.mu.Unlock()
		return nil, transaction.NewError(transaction.KindIllegalState, ErrShutdown, "data store is shut down")
	case s.shuttingDown:
		s.mu.Unlock()
		return nil, transaction.NewError(transaction.KindIllegalState, ErrShutdown, "data store is shutting down")
	}
	s.mu.Unlock()

	dbTxn, err := s.env.BeginTransaction(max(1, txn.Timeout().Milliseconds()))
	if err != nil {
		return nil, err
	}
	if err := txn.Join(s); err != nil {
		dbTxn.Abort()
		return nil, err
	}
	info := &txnInfo{txn: txn, dbTxn: dbTxn, lastOid: -1}
	s.mu.Lock()
	s.txns[string(txn.ID())] = info
	s.mu.Unlock()
	s.logger.Debug("join", zap.Binary("tid", txn.ID()))
	return info, nil
}

// remove forgets txn, waking Shutdown when the last transaction leaves.
func (s *DataStore) remove(txn transaction.Transaction) *txnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(txn.ID())
	info := s.txns[key]
	if info == nil {
		return nil
	}
	delete(s.txns, key)
	if len(s.txns) == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
	return info
}

// convert adds op to err and aborts txn when err says the transaction is
// already lost.
func (s *DataStore) convert(txn transaction.Transaction, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transaction.ErrAborted) && txn != nil && !txn.IsAborted() {
		if abortErr := txn.Abort(err); abortErr != nil {
			s.logger.Debug("abort after failed operation", zap.String("op", op), zap.Error(abortErr))
		}
	}
	err = fmt.Errorf("%s failed: %w", op, err)
	if errors.Is(err, transaction.ErrAborted) {
		s.logger.Debug("operation aborted transaction", zap.String("op", op), zap.Error(err))
	}
	return err
}

func checkID(oid int64) error {
	if oid < 0 {
		return transaction.NewError(transaction.KindInvalidArgument, nil, "object id must not be negative: %d", oid)
	}
	return nil
}

func checkName(name string) error {
	if name == "" {
		return transaction.NewError(transaction.KindInvalidArgument, nil, "name must not be empty")
	}
	return nil
}
