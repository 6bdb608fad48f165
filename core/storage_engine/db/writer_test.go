package db

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotx/core/transaction"
)

func TestTxnTimer(t *testing.T) {
	_, err := NewTxnTimer(0)
	require.ErrorIs(t, err, transaction.ErrInvalidArgument)

	unlimited, err := NewTxnTimer(math.MaxInt64)
	require.NoError(t, err)
	require.NoError(t, unlimited.Check())
	require.Equal(t, time.Duration(math.MaxInt64), unlimited.Timeout())

	short, err := NewTxnTimer(10)
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, short.Timeout())
	time.Sleep(20 * time.Millisecond)
	err = short.Check()
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, CodeLockNotGranted, ee.Code)
}

func TestWriterLock_WaitersGiveUp(t *testing.T) {
	w := NewWriterLock()
	timer, err := NewTxnTimer(1_000)
	require.NoError(t, err)
	require.NoError(t, w.Acquire(0, timer))

	var waitErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		waitErr = w.Acquire(10*time.Millisecond, timer)
	}()
	wg.Wait()
	var ee *EngineError
	require.ErrorAs(t, waitErr, &ee)
	require.Equal(t, CodeLockNotGranted, ee.Code)
	require.ErrorIs(t, waitErr, ErrLockNotGranted)

	w.Release()
	wg.Add(1)
	go func() {
		defer wg.Done()
		waitErr = w.Acquire(10*time.Millisecond, timer)
		if waitErr == nil {
			w.Release()
		}
	}()
	wg.Wait()
	require.NoError(t, waitErr)
}

func TestWriterLock_SameGoroutineIsDeadlock(t *testing.T) {
	w := NewWriterLock()
	timer, err := NewTxnTimer(1_000)
	require.NoError(t, err)
	require.NoError(t, w.Acquire(0, timer))
	defer w.Release()

	err = w.Acquire(0, timer)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, CodeDeadlock, ee.Code)
	require.ErrorIs(t, err, ErrSelfDeadlock)
}
