package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	commonutils "github.com/sushant-115/gojotx/internal/common_utils"
)

var (
	ErrLockNotGranted = errors.New("writer lock not granted")
	ErrSelfDeadlock   = errors.New("goroutine already owns the writer lock")
	ErrTxnExpired     = errors.New("transaction timeout elapsed")
)

// TxnTimer tracks the timeout of one store transaction.
type TxnTimer struct {
	start    time.Time
	deadline time.Time
	limited  bool
}

// NewTxnTimer starts a timer for a positive millisecond timeout.
func NewTxnTimer(timeoutMs int64) (TxnTimer, error) {
	micros, err := TimeoutMicros(timeoutMs)
	if err != nil {
		return TxnTimer{}, err
	}
	start := time.Now()
	deadline, limited := Deadline(start, micros)
	return TxnTimer{start: start, deadline: deadline, limited: limited}, nil
}

// Check returns a lock-not-granted engine error once the timeout has elapsed.
func (tt TxnTimer) Check() error {
	if tt.limited && time.Now().After(tt.deadline) {
		return &EngineError{Code: CodeLockNotGranted, Err: ErrTxnExpired}
	}
	return nil
}

// Timeout is the full timeout, or math.MaxInt64 when unlimited.
func (tt TxnTimer) Timeout() time.Duration {
	if !tt.limited {
		return math.MaxInt64
	}
	return tt.deadline.Sub(tt.start)
}

// WriterLock admits one store transaction at a time and lets waiters give up
// after the lock timeout.
type WriterLock struct {
	sem   *semaphore.Weighted
	owner atomic.Int64
}

func NewWriterLock() *WriterLock {
	return &WriterLock{sem: semaphore.NewWeighted(1)}
}

// Acquire waits up to lockTimeout, capped by the transaction timeout. A zero
// lockTimeout selects DefaultLockTimeout. A goroutine asking for the lock it
// already holds gets a deadlock error instead of blocking forever.
func (w *WriterLock) Acquire(lockTimeout time.Duration, timer TxnTimer) error {
	goid := commonutils.GoID()
	if w.owner.Load() == goid {
		return &EngineError{Code: CodeDeadlock, Err: ErrSelfDeadlock}
	}
	wait := lockTimeout
	if wait <= 0 {
		wait = DefaultLockTimeout(timer.Timeout())
	}
	wait = min(wait, timer.Timeout())
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return &EngineError{Code: CodeLockNotGranted, Err: fmt.Errorf("%w within %s", ErrLockNotGranted, wait)}
	}
	w.owner.Store(goid)
	return nil
}

func (w *WriterLock) Release() {
	w.owner.Store(0)
	w.sem.Release(1)
}
