package datastore

import (
	"github.com/sushant-115/gojotx/core/storage_engine/db"
	"github.com/sushant-115/gojotx/core/transaction"
	commonutils "github.com/sushant-115/gojotx/internal/common_utils"
)

// txnInfo is the data store's state for one transaction.
type txnInfo struct {
	txn   transaction.Transaction
	dbTxn db.Transaction

	// prepared is set once the store transaction has been prepared.
	prepared bool
	// modified is set by any write; an unmodified transaction prepares read-only.
	modified bool

	// Cursors are kept between calls so in-order iteration does not re-seek.
	namesCursor   db.Cursor
	lastName      string
	lastNameValid bool
	oidsCursor    db.Cursor
	lastOid       int64
}

func (ti *txnInfo) closeCursors() {
	if ti.namesCursor != nil {
		ti.namesCursor.Close()
		ti.namesCursor = nil
	}
	if ti.oidsCursor != nil {
		ti.oidsCursor.Close()
		ti.oidsCursor = nil
	}
	ti.lastNameValid = false
	ti.lastOid = -1
}

// nextName returns the first bound name after name, or the first name when
// name is empty.
func (ti *txnInfo) nextName(names db.Database, name string) (string, bool, error) {
	if ti.namesCursor == nil {
		c, err := names.OpenCursor(ti.dbTxn)
		if err != nil {
			return "", false, err
		}
		ti.namesCursor = c
	}
	c := ti.namesCursor
	var ok bool
	var err error
	if name == "" {
		ok, err = c.FindFirst()
	} else {
		matchesLast := ti.lastNameValid && name == ti.lastName
		if !matchesLast {
			ok, err = c.FindNextAtLeast([]byte(name))
			if err != nil {
				return "", false, err
			}
			matchesLast = ok && string(c.Key()) == name
		}
		if matchesLast {
			ok, err = c.FindNext()
		}
	}
	if err != nil {
		return "", false, err
	}
	ti.lastName, ti.lastNameValid = string(c.Key()), ok
	return ti.lastName, ok, nil
}

// nextObjectID returns the first object id after oid, or the first id when
// oid is -1. It returns -1 when there are no more objects.
func (ti *txnInfo) nextObjectID(objects db.Database, oid int64) (int64, error) {
	if ti.oidsCursor == nil {
		c, err := objects.OpenCursor(ti.dbTxn)
		if err != nil {
			return -1, err
		}
		ti.oidsCursor = c
	}
	c := ti.oidsCursor
	var ok bool
	var err error
	if oid == -1 {
		ok, err = c.FindFirst()
	} else {
		matchesLast := oid == ti.lastOid
		if !matchesLast {
			ok, err = c.FindNextAtLeast(oidKey(oid))
			if err != nil {
				return -1, err
			}
			matchesLast = ok && decodeOid(c.Key()) == oid
		}
		if matchesLast {
			ok, err = c.FindNext()
		}
	}
	if err != nil {
		return -1, err
	}
	ti.lastOid = -1
	if ok {
		ti.lastOid = decodeOid(c.Key())
	}
	return ti.lastOid, nil
}

func oidKey(oid int64) []byte {
	return commonutils.Uint64ToBytes(uint64(oid))
}

func decodeOid(key []byte) int64 {
	v, ok := commonutils.BytesToUint64(key)
	if !ok {
		return -1
	}
	return int64(v)
}
