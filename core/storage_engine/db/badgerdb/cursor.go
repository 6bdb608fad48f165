package badgerdb

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
)

// Cursor walks one database. Every move opens a fresh iterator so that it
// sees the transaction's own pending writes.
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
	return c.move("findFirst", false, c.db.prefix, false)
}

func (c *Cursor) FindNext() (bool, error) {
	if !c.valid {
		return c.FindFirst()
	}
	return c.move("findNext", false, c.db.key(c.key), true)
}

func (c *Cursor) FindNextAtLeast(key []byte) (bool, error) {
	return c.move("findNext", false, c.db.key(key), false)
}

// FindLast seeks backwards from just past the prefix, "<name>\x01".
func (c *Cursor) FindLast() (bool, error) {
	end := bytes.Clone(c.db.prefix)
	end[len(end)-1]++
	return c.move("findLast", true, end, false)
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

// move positions the cursor on the first key at seek, stepping past seek
// itself when skipSeek is set.
func (c *Cursor) move(op string, reverse bool, seek []byte, skipSeek bool) (bool, error) {
	if err := c.checkOpen(op); err != nil {
		return false, err
	}
	t, err := c.db.env.txnOf(c.txn, op)
	if err != nil {
		return false, err
	}
	it := t.txn.NewIterator(badger.IteratorOptions{Prefix: c.db.prefix, Reverse: reverse})
	defer it.Close()
	it.Seek(seek)
	if skipSeek && it.Valid() && bytes.Equal(it.Item().Key(), seek) {
		it.Next()
	}
	if !it.Valid() {
		c.valid = false
		return false, nil
	}
	item := it.Item()
	v, err := item.ValueCopy(nil)
	if err != nil {
		return false, c.db.env.guard.Convert(op, err, true)
	}
	c.key = item.KeyCopy(nil)[len(c.db.prefix):]
	c.value, c.valid = nonNil(v), true
	return true, nil
}

func (c *Cursor) checkOpen(op string) error {
	if c.closed {
		return &db.DatabaseError{Op: op, Err: errCursorClosed}
	}
	return nil
}
