package datastore

import (
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
	"github.com/sushant-115/gojotx/core/transaction"
)

// Prepare prepares the store transaction under the global id built from the
// store instance and the transaction id. A transaction that wrote nothing is
// committed at once and reported read-only.
func (s *DataStore) Prepare(txn transaction.Transaction) (bool, error) {
	info, err := s.checkTxnNoJoin(txn)
	if err != nil {
		return false, err
	}
	if err := txn.CheckTimeout(); err != nil {
		return false, err
	}
	if info.prepared {
		return false, transaction.NewError(transaction.KindIllegalState, nil, "transaction has already been prepared")
	}
	info.closeCursors()
	if !info.modified {
		s.remove(txn)
		if err := info.dbTxn.Commit(); err != nil {
			return false, s.convert(txn, "prepare", err)
		}
		s.logger.Debug("prepare read-only", zap.Binary("tid", txn.ID()))
		return true, nil
	}
	if err := info.dbTxn.Prepare(db.GlobalID(s.instance, txn.ID())); err != nil {
		return false, s.convert(txn, "prepare", err)
	}
	info.prepared = true
	s.logger.Debug("prepare", zap.Binary("tid", txn.ID()))
	return false, nil
}

func (s *DataStore) Commit(txn transaction.Transaction) error {
	info, err := s.checkTxnNoJoin(txn)
	if err != nil {
		return err
	}
	if !info.prepared {
		return transaction.NewError(transaction.KindIllegalState, nil, "transaction has not been prepared")
	}
	// The store transaction is finished whatever Commit returns.
	s.remove(txn)
	if err := info.dbTxn.Commit(); err != nil {
		return s.convert(txn, "commit", err)
	}
	s.logger.Debug("commit", zap.Binary("tid", txn.ID()))
	return nil
}

// PrepareAndCommit commits the store transaction in one phase.
func (s *DataStore) PrepareAndCommit(txn transaction.Transaction) error {
	info, err := s.checkTxnNoJoin(txn)
	if err != nil {
		return err
	}
	if err := txn.CheckTimeout(); err != nil {
		return err
	}
	if info.prepared {
		return transaction.NewError(transaction.KindIllegalState, nil, "transaction has already been prepared")
	}
	s.remove(txn)
	info.closeCursors()
	if err := info.dbTxn.Commit(); err != nil {
		return s.convert(txn, "prepareAndCommit", err)
	}
	s.logger.Debug("prepareAndCommit", zap.Binary("tid", txn.ID()), zap.Bool("modified", info.modified))
	return nil
}

func (s *DataStore) Abort(txn transaction.Transaction) error {
	if txn == nil {
		return transaction.NewError(transaction.KindInvalidArgument, nil, "transaction must not be nil")
	}
	info := s.remove(txn)
	if info == nil {
		return transaction.NewError(transaction.KindNotActive, nil, "transaction is not active")
	}
	info.closeCursors()
	if err := info.dbTxn.Abort(); err != nil {
		return s.convert(nil, "abort", err)
	}
	s.logger.Debug("abort", zap.Binary("tid", txn.ID()))
	return nil
}
