package boltdb

import (
	"fmt"

	"github.com/boltdb/bolt"
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

// Txn is a writable bolt transaction holding the environment's writer lock.
type Txn struct {
	env   *Environment
	tx    *bolt.Tx
	timer db.TxnTimer
	gid   []byte
	state txnState
}

var _ db.Transaction = (*Txn)(nil)

// check fails once the environment is dead, the transaction is finished or
// its timeout has elapsed.
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

// Commit completes the transaction. A prepared transaction records a decided
// marker together with its data and then logs the commit decision.
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
		err := t.tx.Commit()
		t.finish(txnCommitted)
		if err != nil {
			t.state = txnAborted
			return t.env.guard.Convert("commit", err, true)
		}
		return nil
	}
	err := t.commitPrepared()
	if err != nil {
		t.state = txnAborted
		if _, logErr := t.env.decisions.Append(wal.LogRecordTypeAbortTxn, t.gid); logErr != nil {
			t.env.logger.Error("failed to log abort decision", zap.Binary("gid", t.gid), zap.Error(logErr))
		}
		return t.env.guard.Convert("commit", &db.EngineError{Code: db.CodeRollback, Err: err}, true)
	}
	if _, err := t.env.decisions.Append(wal.LogRecordTypeCommitTxn, t.gid); err != nil {
		// The data is durable; recovery finds the marker and logs the commit.
		t.env.logger.Error("failed to log commit decision", zap.Binary("gid", t.gid), zap.Error(err))
	}
	return nil
}

func (t *Txn) commitPrepared() error {
	if err := t.env.guard.Check(); err != nil {
		t.rollback()
		return err
	}
	markers, err := t.tx.CreateBucketIfNotExists([]byte(db.DecidedMarker))
	if err == nil {
		err = markers.Put(t.gid, []byte{1})
	}
	if err != nil {
		t.rollback()
		return fmt.Errorf("failed to record decided marker: %w", err)
	}
	err = t.tx.Commit()
	t.finish(txnCommitted)
	return err
}

// Abort rolls back. Aborting twice is a no-op; aborting after commit is not allowed.
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
	if err := t.tx.Rollback(); err != nil && err != bolt.ErrTxClosed {
		t.env.logger.Warn("rollback failed", zap.Error(err))
	}
	t.finish(txnAborted)
}

func (t *Txn) finish(state txnState) {
	if t.state == txnActive {
		t.env.writer.Release()
	}
	t.state = state
}
