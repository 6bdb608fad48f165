// Package db defines the contract a storage engine must satisfy to back the
// transactional data store, together with the error translation shared by
// every engine adapter.
package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/sushant-115/gojotx/core/transaction"
)

// Environment is an open storage engine instance.
type Environment interface {
	// BeginTransaction starts a store transaction. timeoutMs must be positive.
	BeginTransaction(timeoutMs int64) (Transaction, error)
	// OpenDatabase opens the named database inside txn, creating it when
	// create is set.
	OpenDatabase(txn Transaction, name string, create bool) (Database, error)
	Close() error
}

// Transaction is one engine transaction. It is not safe for concurrent use.
type Transaction interface {
	// Prepare starts two-phase completion under the global transaction id gid.
	// It may be called at most once.
	Prepare(gid []byte) error
	// Commit finishes the prepared transaction, or commits in one phase if
	// Prepare was never called.
	Commit() error
	Abort() error
}

// MaxKeySize is the longest key every engine stores. Any key up to this
// length, the empty key included, is valid.
const MaxKeySize = 32767

// CheckKey rejects keys longer than MaxKeySize.
func CheckKey(op string, key []byte) error {
	if len(key) > MaxKeySize {
		return transaction.NewError(transaction.KindInvalidArgument, nil,
			"%s: key of %d bytes exceeds the %d byte limit", op, len(key), MaxKeySize)
	}
	return nil
}

// Database is a named key space. Every call names the transaction it runs in.
// Keys are arbitrary byte strings of at most MaxKeySize bytes; longer keys
// fail with InvalidArgument.
type Database interface {
	// Get returns the value stored for key. found is false if there is none.
	// forUpdate takes the write lock on key while reading it.
	Get(txn Transaction, key []byte, forUpdate bool) (value []byte, found bool, err error)
	// MarkForUpdate write-locks key without reading its value.
	MarkForUpdate(txn Transaction, key []byte) error
	Put(txn Transaction, key, value []byte) error
	// PutNoOverwrite stores value only if key is absent and reports whether it did.
	PutNoOverwrite(txn Transaction, key, value []byte) (bool, error)
	// Delete removes key and reports whether it was present.
	Delete(txn Transaction, key []byte) (bool, error)
	OpenCursor(txn Transaction) (Cursor, error)
	Close() error
}

// Cursor iterates the keys of one database in byte order. It is invalid until a
// Find call succeeds.
type Cursor interface {
	// Key returns the current key, or an empty non-nil slice when the cursor
	// is not positioned.
	Key() []byte
	// Value returns the current value, or an empty non-nil slice when the
	// cursor is not positioned.
	Value() []byte
	FindFirst() (bool, error)
	// FindNext moves past the current key, or to the first key if the cursor
	// is not positioned.
	FindNext() (bool, error)
	// FindNextAtLeast positions at the smallest key greater than or equal to key.
	FindNextAtLeast(key []byte) (bool, error)
	FindLast() (bool, error)
	// PutNoOverwrite inserts key if absent and positions the cursor on it.
	PutNoOverwrite(key, value []byte) (bool, error)
	// Close is safe to call more than once.
	Close() error
}

// Isolation is the isolation level requested from an engine.
type Isolation int

const (
	IsolationSerializable Isolation = iota
	IsolationRepeatableRead
	IsolationReadCommitted
	IsolationReadUncommitted
)

func (i Isolation) String() string {
	switch i {
	case IsolationSerializable:
		return "serializable"
	case IsolationRepeatableRead:
		return "repeatable_read"
	case IsolationReadCommitted:
		return "read_committed"
	case IsolationReadUncommitted:
		return "read_uncommitted"
	default:
		return fmt.Sprintf("Isolation(%d)", int(i))
	}
}

func ParseIsolation(s string) (Isolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "serializable":
		return IsolationSerializable, nil
	case "repeatable_read":
		return IsolationRepeatableRead, nil
	case "read_committed":
		return IsolationReadCommitted, nil
	case "read_uncommitted":
		return IsolationReadUncommitted, nil
	}
	return IsolationSerializable, fmt.Errorf("unknown isolation level %q", s)
}

// Config holds the settings shared by all engines.
type Config struct {
	// LockTimeout bounds how long a transaction waits for a lock. Zero selects
	// DefaultLockTimeout of the transaction's own timeout.
	LockTimeout time.Duration
	// FlushToDisk syncs the engine on every commit.
	FlushToDisk bool
	// StatsInterval enables periodic engine statistics logging when > 0.
	StatsInterval time.Duration
	Isolation     Isolation
	// EncryptionKey turns on AES encryption at rest (16, 24 or 32 bytes).
	// Engines without encryption support refuse to open with a key.
	EncryptionKey []byte
}

func DefaultConfig() Config {
	return Config{StatsInterval: -1}
}
