package boltdb

import (
	"bytes"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
)

// keyTag starts every key stored in a bucket. Bolt refuses empty keys, so
// the user key is stored after it.
const keyTag = 0x00

func storedKey(key []byte) []byte {
	out := make([]byte, 0, 1+len(key))
	return append(append(out, keyTag), key...)
}

// userKey strips keyTag from a stored key.
func userKey(stored []byte) []byte {
	if len(stored) == 0 {
		return []byte{}
	}
	return bytes.Clone(stored[1:])
}

// Database is a bolt bucket. Bucket handles are looked up per call because
// bolt binds them to one transaction.
type Database struct {
	env  *Environment
	name []byte
}

var _ db.Database = (*Database)(nil)

func (d *Database) bucket(txn db.Transaction, op string) (*Txn, *bolt.Bucket, error) {
	t, err := d.env.txnOf(txn, op)
	if err != nil {
		return nil, nil, err
	}
	b := t.tx.Bucket(d.name)
	if b == nil {
		return nil, nil, &db.DatabaseError{Op: op, Err: fmt.Errorf("%w: %s", db.ErrDatabaseNotFound, d.name)}
	}
	return t, b, nil
}

func (d *Database) Get(txn db.Transaction, key []byte, forUpdate bool) ([]byte, bool, error) {
	// forUpdate needs no extra work: the writer lock is already exclusive.
	_, b, err := d.bucket(txn, "get")
	if err != nil {
		return nil, false, err
	}
	if err := db.CheckKey("get", key); err != nil {
		return nil, false, err
	}
	v := b.Get(storedKey(key))
	if v == nil {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (d *Database) MarkForUpdate(txn db.Transaction, key []byte) error {
	_, _, err := d.bucket(txn, "markForUpdate")
	if err != nil {
		return err
	}
	return db.CheckKey("markForUpdate", key)
}

func (d *Database) Put(txn db.Transaction, key, value []byte) error {
	_, b, err := d.bucket(txn, "put")
	if err != nil {
		return err
	}
	if err := db.CheckKey("put", key); err != nil {
		return err
	}
	if err := b.Put(storedKey(key), nonNil(value)); err != nil {
		return d.env.guard.Convert("put", err, true)
	}
	return nil
}

func (d *Database) PutNoOverwrite(txn db.Transaction, key, value []byte) (bool, error) {
	_, b, err := d.bucket(txn, "putNoOverwrite")
	if err != nil {
		return false, err
	}
	if err := db.CheckKey("putNoOverwrite", key); err != nil {
		return false, err
	}
	k := storedKey(key)
	if b.Get(k) != nil {
		return false, nil
	}
	if err := b.Put(k, nonNil(value)); err != nil {
		return false, d.env.guard.Convert("putNoOverwrite", err, true)
	}
	return true, nil
}

func (d *Database) Delete(txn db.Transaction, key []byte) (bool, error) {
	_, b, err := d.bucket(txn, "delete")
	if err != nil {
		return false, err
	}
	if err := db.CheckKey("delete", key); err != nil {
		return false, err
	}
	k := storedKey(key)
	if b.Get(k) == nil {
		return false, nil
	}
	if err := b.Delete(k); err != nil {
		return false, d.env.guard.Convert("delete", err, true)
	}
	return true, nil
}

func (d *Database) OpenCursor(txn db.Transaction) (db.Cursor, error) {
	t, _, err := d.bucket(txn, "openCursor")
	if err != nil {
		return nil, err
	}
	return &Cursor{txn: t, db: d}, nil
}

func (d *Database) Close() error { return nil }

// nonNil keeps empty values distinguishable from missing keys.
func nonNil(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}
