package db

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

// --- Error Definitions ---

var (
	// ErrDatabase matches every *DatabaseError.
	ErrDatabase          = errors.New("database error")
	ErrDatabaseNotFound  = errors.New("database not found")
	ErrTxnNotOwned       = errors.New("transaction belongs to a different environment")
	ErrAlreadyPrepared   = errors.New("transaction already prepared")
	ErrTxnFinished       = errors.New("transaction already committed or aborted")
	ErrEnvironmentClosed = errors.New("environment is closed")
	ErrInvalidName       = errors.New("invalid database name")
)

// DatabaseError wraps an engine failure that has no transaction meaning.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

func (e *DatabaseError) Is(target error) bool { return target == ErrDatabase }

// Code is the engine-independent classification of an engine error.
type Code int

const (
	CodeOther Code = iota
	// CodeLockNotGranted: a lock could not be obtained in time.
	CodeLockNotGranted
	// CodeDeadlock: the engine chose this transaction as a deadlock or
	// write-conflict victim.
	CodeDeadlock
	// CodeRunRecovery: the engine found corruption and must be reopened.
	CodeRunRecovery
	// CodeRollback: a prepared transaction branch can only be rolled back.
	CodeRollback
)

// EngineError lets an adapter attach a Code that depends on its own state,
// such as whether the transaction was prepared.
type EngineError struct {
	Code Code
	Err  error
}

func (e *EngineError) Error() string { return e.Err.Error() }
func (e *EngineError) Unwrap() error { return e.Err }

// Classifier maps raw engine errors to a Code.
type Classifier func(err error) Code

// Guard translates engine errors for one environment and remembers fatal
// failures, after which every call through the guard fails.
type Guard struct {
	classify Classifier
	logger   *zap.Logger

	mu    sync.Mutex
	fatal error
}

func NewGuard(classify Classifier, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{classify: classify, logger: logger}
}

// Check returns the fatal error recorded for the environment, if any.
func (g *Guard) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fatal
}

// Convert translates err raised by op. Lock, deadlock and rollback failures are
// only translated to transaction errors when convertTxn is set, i.e. when op
// ran inside a transaction.
func (g *Guard) Convert(op string, err error, convertTxn bool) error {
	if err == nil {
		return nil
	}
	var te *transaction.Error
	if errors.As(err, &te) {
		return err
	}
	code := g.classify(err)
	var ee *EngineError
	if errors.As(err, &ee) {
		code = ee.Code
	}
	switch code {
	case CodeRunRecovery:
		return g.markFatal(op, err)
	case CodeLockNotGranted:
		if convertTxn {
			return transaction.NewError(transaction.KindTimeout, err, "%s: lock not granted", op)
		}
	case CodeDeadlock:
		if convertTxn {
			return transaction.NewError(transaction.KindConflict, err, "%s: deadlock", op)
		}
	case CodeRollback:
		if convertTxn {
			return transaction.NewError(transaction.KindAborted, err, "%s: prepared transaction rolled back", op)
		}
	}
	return &DatabaseError{Op: op, Err: err}
}

func (g *Guard) markFatal(op string, err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fatal == nil {
		g.fatal = transaction.NewError(transaction.KindFatal, err,
			"%s: environment must be restarted", op)
		g.logger.Error("store environment failed, restart required", zap.String("op", op), zap.Error(err))
	}
	return g.fatal
}
