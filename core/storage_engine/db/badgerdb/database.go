package badgerdb

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
)

// Database is the key range of one named database.
type Database struct {
	env    *Environment
	name   string
	prefix []byte
}

var _ db.Database = (*Database)(nil)

func (d *Database) key(k []byte) []byte {
	out := make([]byte, 0, len(d.prefix)+len(k))
	return append(append(out, d.prefix...), k...)
}

// lookup reads key inside t. Badger records the read, so a later writer of
// the same key would conflict with t.
func (d *Database) lookup(t *Txn, op string, key []byte) ([]byte, bool, error) {
	if err := db.CheckKey(op, key); err != nil {
		return nil, false, err
	}
	item, err := t.txn.Get(d.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, d.env.guard.Convert(op, err, true)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, d.env.guard.Convert(op, err, true)
	}
	return nonNil(v), true, nil
}

func (d *Database) Get(txn db.Transaction, key []byte, forUpdate bool) ([]byte, bool, error) {
	t, err := d.env.txnOf(txn, "get")
	if err != nil {
		return nil, false, err
	}
	return d.lookup(t, "get", key)
}

func (d *Database) MarkForUpdate(txn db.Transaction, key []byte) error {
	t, err := d.env.txnOf(txn, "markForUpdate")
	if err != nil {
		return err
	}
	_, _, err = d.lookup(t, "markForUpdate", key)
	return err
}

func (d *Database) Put(txn db.Transaction, key, value []byte) error {
	t, err := d.env.txnOf(txn, "put")
	if err != nil {
		return err
	}
	if err := db.CheckKey("put", key); err != nil {
		return err
	}
	if err := t.txn.Set(d.key(key), nonNil(value)); err != nil {
		return d.env.guard.Convert("put", err, true)
	}
	return nil
}

func (d *Database) PutNoOverwrite(txn db.Transaction, key, value []byte) (bool, error) {
	t, err := d.env.txnOf(txn, "putNoOverwrite")
	if err != nil {
		return false, err
	}
	_, found, err := d.lookup(t, "putNoOverwrite", key)
	if err != nil || found {
		return false, err
	}
	if err := t.txn.Set(d.key(key), nonNil(value)); err != nil {
		return false, d.env.guard.Convert("putNoOverwrite", err, true)
	}
	return true, nil
}

func (d *Database) Delete(txn db.Transaction, key []byte) (bool, error) {
	t, err := d.env.txnOf(txn, "delete")
	if err != nil {
		return false, err
	}
	_, found, err := d.lookup(t, "delete", key)
	if err != nil || !found {
		return false, err
	}
	if err := t.txn.Delete(d.key(key)); err != nil {
		return false, d.env.guard.Convert("delete", err, true)
	}
	return true, nil
}

func (d *Database) OpenCursor(txn db.Transaction) (db.Cursor, error) {
	t, err := d.env.txnOf(txn, "openCursor")
	if err != nil {
		return nil, err
	}
	return &Cursor{txn: t, db: d}, nil
}

func (d *Database) Close() error { return nil }

func nonNil(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}
