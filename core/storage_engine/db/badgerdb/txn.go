package badgerdb

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

type txnState int

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

// Txn is a badger update transaction holding the environment's writer lock.
type Txn struct {
	env   *Environment
	txn   *badger.Txn
	timer db.TxnTimer
	gid   []byte
	state txnState
}

var _ db.Transaction = (*Txn)(nil)

func (t *Txn) check(op string) error {
	if err := t.env.guard.Check(); err != nil {
		return err
	}
	if t.state != txnActive {
		return transaction.NewError(transaction.KindIllegalState, db.ErrTxnFinished, "%s", op)
	}
	if err := t.timer.Check(); err != nil {
		return t.env.guard.Convert(op, err, true)
	}
	return nil
}

func (t *Txn) Prepare(gid []byte) error {
	if err := t.check("prepare"); err != nil {
		return err
	}
	if t.gid != nil {
		return transaction.NewError(transaction.KindIllegalState, db.ErrAlreadyPrepared, "prepare")
	}
	if len(gid) == 0 {
		return transaction.NewError(transaction.KindInvalidArgument, nil, "prepare: global transaction id must not be empty")
	}
	if t.env.decisions == nil {
		return transaction.NewError(transaction.KindUnsupported, nil, "prepare: environment has no decision log")
	}
	if _, err := t.env.decisions.Append(wal.LogRecordTypePrepare, gid); err != nil {
		return t.env.guard.Convert("prepare", err, true)
	}
	t.gid = append([]byte(nil), gid...)
	return nil
}

// Commit completes the transaction. A prepared transaction writes its decided
// marker in the same badger commit as its data and then logs the decision.
func (t *Txn) Commit() error {
	switch t.state {
	case txnAborted:
		return transaction.NewError(transaction.KindIllegalState, db.ErrTxnFinished, "commit after abort")
	case txnCommitted:
		return transaction.NewError(transaction.KindIllegalState, db.ErrTxnFinished, "commit")
	}
	if t.gid == nil {
		if err := t.check("commit"); err != nil {
			t.rollback()
			return err
		}
		err := t.txn.Commit()
		t.finish(txnCommitted)
		if err != nil {
			t.state = txnAborted
			return t.env.guard.Convert("commit", err, true)
		}
		return nil
	}
	if err := t.commitPrepared(); err != nil {
		t.state = txnAborted
		if _, logErr := t.env.decisions.Append(wal.LogRecordTypeAbortTxn, t.gid); logErr != nil {
			t.env.logger.Error("failed to log abort decision", zap.Binary("gid", t.gid), zap.Error(logErr))
		}
		return t.env.guard.Convert("commit", &db.EngineError{Code: db.CodeRollback, Err: err}, true)
	}
	if _, err := t.env.decisions.Append(wal.LogRecordTypeCommitTxn, t.gid); err != nil {
		t.env.logger.Error("failed to log commit decision", zap.Binary("gid", t.gid), zap.Error(err))
	}
	return nil
}

func (t *Txn) commitPrepared() error {
	if err := t.env.guard.Check(); err != nil {
		t.rollback()
		return err
	}
	if err := t.txn.Set(markerKey(t.gid), []byte{1}); err != nil {
		t.rollback()
		return fmt.Errorf("failed to record decided marker: %w", err)
	}
	err := t.txn.Commit()
	t.finish(txnCommitted)
	return err
}

// Abort discards the transaction. Aborting twice is a no-op; aborting after
// commit is not allowed.
func (t *Txn) Abort() error {
	switch t.state {
	case txnAborted:
		return nil
	case txnCommitted:
		return transaction.NewError(transaction.KindIllegalState, db.ErrTxnFinished, "abort after commit")
	}
	t.rollback()
	if t.gid != nil {
		if _, err := t.env.decisions.Append(wal.LogRecordTypeAbortTxn, t.gid); err != nil {
			return t.env.guard.Convert("abort", err, true)
		}
	}
	return nil
}

func (t *Txn) rollback() {
	t.txn.Discard()
	t.finish(txnAborted)
}

func (t *Txn) finish(state txnState) {
	if t.state == txnActive {
		t.env.writer.Release()
	}
	t.state = state
}
