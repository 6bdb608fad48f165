package boltdb

import (
	"bytes"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
)

// Cursor walks a bucket. Each move re-seeks from the remembered key, since a
// bolt cursor is not reliable after the bucket has been written. key holds
// the user key, without keyTag.
type Cursor struct {
	txn    *Txn
	db     *Database
	key    []byte
	value  []byte
	valid  bool
	closed bool
}

var _ db.Cursor = (*Cursor)(nil)

func (c *Cursor) Key() []byte {
	if !c.valid {
		return []byte{}
	}
	return c.key
}

func (c *Cursor) Value() []byte {
	if !c.valid {
		return []byte{}
	}
	return c.value
}

func (c *Cursor) FindFirst() (bool, error) {
	return c.move("findFirst", func(bc cursorOps) ([]byte, []byte) { return bc.First() })
}

func (c *Cursor) FindNext() (bool, error) {
	if !c.valid {
		return c.FindFirst()
	}
	current := storedKey(c.key)
	return c.move("findNext", func(bc cursorOps) ([]byte, []byte) {
		k, v := bc.Seek(current)
		if k != nil && bytes.Equal(k, current) {
			k, v = bc.Next()
		}
		return k, v
	})
}

func (c *Cursor) FindNextAtLeast(key []byte) (bool, error) {
	seek := storedKey(key)
	return c.move("findNext", func(bc cursorOps) ([]byte, []byte) { return bc.Seek(seek) })
}

func (c *Cursor) FindLast() (bool, error) {
	return c.move("findLast", func(bc cursorOps) ([]byte, []byte) { return bc.Last() })
}

func (c *Cursor) PutNoOverwrite(key, value []byte) (bool, error) {
	if err := c.checkOpen("putNoOverwrite"); err != nil {
		return false, err
	}
	ok, err := c.db.PutNoOverwrite(c.txn, key, value)
	if err != nil || !ok {
		return ok, err
	}
	c.key, c.value, c.valid = bytes.Clone(key), bytes.Clone(nonNil(value)), true
	return true, nil
}

func (c *Cursor) Close() error {
	c.closed = true
	c.valid = false
	return nil
}

// cursorOps is the part of *bolt.Cursor the moves use.
type cursorOps interface {
	First() ([]byte, []byte)
	Last() ([]byte, []byte)
	Next() ([]byte, []byte)
	Seek(seek []byte) ([]byte, []byte)
}

func (c *Cursor) move(op string, find func(cursorOps) ([]byte, []byte)) (bool, error) {
	if err := c.checkOpen(op); err != nil {
		return false, err
	}
	_, b, err := c.db.bucket(c.txn, op)
	if err != nil {
		return false, err
	}
	k, v := find(b.Cursor())
	if k == nil {
		c.valid = false
		return false, nil
	}
	c.key, c.value, c.valid = userKey(k), bytes.Clone(v), true
	return true, nil
}

func (c *Cursor) checkOpen(op string) error {
	if c.closed {
		return &db.DatabaseError{Op: op, Err: errCursorClosed}
	}
	return nil
}
