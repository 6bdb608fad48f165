package db

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/sushant-115/gojotx/core/transaction"
)

// TimeoutMicros converts a positive millisecond timeout into the microseconds
// engines work in. A value too large to convert becomes 0, meaning no limit.
func TimeoutMicros(timeoutMs int64) (int64, error) {
	if timeoutMs <= 0 {
		return 0, transaction.NewError(transaction.KindInvalidArgument, nil,
			"timeout must be greater than 0: %d", timeoutMs)
	}
	if timeoutMs < math.MaxInt64/1000 {
		return timeoutMs * 1000, nil
	}
	return 0, nil
}

// DefaultLockTimeout is 10% of txnTimeout, and at least one millisecond.
func DefaultLockTimeout(txnTimeout time.Duration) time.Duration {
	lt := txnTimeout / 10
	if lt < time.Millisecond {
		return time.Millisecond
	}
	return lt
}

// maxDeadlineMicros caps deadlines at roughly a century; longer timeouts are unlimited.
const maxDeadlineMicros = int64(100 * 365 * 24 * time.Hour / time.Microsecond)

// Deadline returns the time after which a transaction started at start with
// the given microsecond timeout has expired. ok is false when there is no limit.
func Deadline(start time.Time, micros int64) (deadline time.Time, ok bool) {
	if micros <= 0 || micros > maxDeadlineMicros {
		return time.Time{}, false
	}
	return start.Add(time.Duration(micros) * time.Microsecond), true
}

// GlobalID builds the identifier recorded by Prepare: the 16 byte environment
// instance id followed by the transaction id.
func GlobalID(instance uuid.UUID, txnID []byte) []byte {
	gid := make([]byte, 0, len(instance)+len(txnID))
	gid = append(gid, instance[:]...)
	return append(gid, txnID...)
}
