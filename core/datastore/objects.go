package datastore

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
	"github.com/sushant-115/gojotx/core/transaction"
	commonutils "github.com/sushant-115/gojotx/internal/common_utils"
)

// CreateObject stores value under a newly allocated object id.
func (s *DataStore) CreateObject(txn transaction.Transaction, value []byte) (int64, error) {
	info, err := s.checkTxn(txn)
	if err != nil {
		return -1, s.convert(txn, "createObject", err)
	}
	oid, err := s.allocateID(info)
	if err == nil {
		// The counter write must be prepared and logged even if the insert fails.
		info.modified = true
		var ok bool
		ok, err = s.objects.PutNoOverwrite(info.dbTxn, oidKey(oid), value)
		if err == nil && !ok {
			err = &db.DatabaseError{Op: "createObject", Err: fmt.Errorf("object id %d already in use", oid)}
		}
	}
	if err != nil {
		return -1, s.convert(txn, "createObject", err)
	}
	if s.logger.Core().Enabled(zap.DebugLevel) {
		s.logger.Debug("createObject", zap.Binary("tid", txn.ID()), zap.Int64("oid", oid))
	}
	return oid, nil
}

// allocateID advances the object id counter inside the caller's store transaction.
func (s *DataStore) allocateID(info *txnInfo) (int64, error) {
	v, found, err := s.info.Get(info.dbTxn, nextObjectIDKey, true)
	if err != nil {
		return -1, err
	}
	next := uint64(1)
	if found {
		stored, ok := commonutils.BytesToUint64(v)
		if !ok {
			return -1, &db.DatabaseError{Op: "createObject", Err: fmt.Errorf("corrupt object id counter %x", v)}
		}
		next = stored
	}
	if err := s.info.Put(info.dbTxn, nextObjectIDKey, commonutils.Uint64ToBytes(next+1)); err != nil {
		return -1, err
	}
	return int64(next), nil
}

// MarkForUpdate tells the store that the object is about to be modified.
func (s *DataStore) MarkForUpdate(txn transaction.Transaction, oid int64) error {
	if err := checkID(oid); err != nil {
		return err
	}
	info, err := s.checkTxn(txn)
	if err != nil {
		return s.convert(txn, "markForUpdate", err)
	}
	key := oidKey(oid)
	if err := s.objects.MarkForUpdate(info.dbTxn, key); err != nil {
		return s.convert(txn, "markForUpdate", err)
	}
	_, found, err := s.objects.Get(info.dbTxn, key, false)
	if err == nil && !found {
		err = fmt.Errorf("%w: %d", ErrObjectNotFound, oid)
	}
	return s.convert(txn, "markForUpdate", err)
}

func (s *DataStore) GetObject(txn transaction.Transaction, oid int64, forUpdate bool) ([]byte, error) {
	if err := checkID(oid); err != nil {
		return nil, err
	}
	info, err := s.checkTxn(txn)
	if err != nil {
		return nil, s.convert(txn, "getObject", err)
	}
	v, found, err := s.objects.Get(info.dbTxn, oidKey(oid), forUpdate)
	if err == nil && !found {
		err = fmt.Errorf("%w: %d", ErrObjectNotFound, oid)
	}
	if err != nil {
		return nil, s.convert(txn, "getObject", err)
	}
	return v, nil
}

func (s *DataStore) SetObject(txn transaction.Transaction, oid int64, value []byte) error {
	return s.SetObjects(txn, []int64{oid}, [][]byte{value})
}

// SetObjects stores values[i] under oids[i] for every i.
func (s *DataStore) SetObjects(txn transaction.Transaction, oids []int64, values [][]byte) error {
	if len(oids) != len(values) {
		return transaction.NewError(transaction.KindInvalidArgument, nil,
			"oids and values must be the same length: %d != %d", len(oids), len(values))
	}
	for _, oid := range oids {
		if err := checkID(oid); err != nil {
			return err
		}
	}
	info, err := s.checkTxn(txn)
	if err != nil {
		return s.convert(txn, "setObjects", err)
	}
	for i, oid := range oids {
		if err := s.objects.Put(info.dbTxn, oidKey(oid), values[i]); err != nil {
			return s.convert(txn, fmt.Sprintf("setObject oid:%d", oid), err)
		}
	}
	info.modified = true
	return nil
}

func (s *DataStore) RemoveObject(txn transaction.Transaction, oid int64) error {
	if err := checkID(oid); err != nil {
		return err
	}
	info, err := s.checkTxn(txn)
	if err != nil {
		return s.convert(txn, "removeObject", err)
	}
	found, err := s.objects.Delete(info.dbTxn, oidKey(oid))
	if err == nil && !found {
		err = fmt.Errorf("%w: %d", ErrObjectNotFound, oid)
	}
	if err != nil {
		return s.convert(txn, "removeObject", err)
	}
	info.modified = true
	return nil
}

// NextObjectID returns the next object id after oid, or the first id when oid
// is -1. It returns -1 when there are no more objects.
func (s *DataStore) NextObjectID(txn transaction.Transaction, oid int64) (int64, error) {
	if oid < -1 {
		return -1, transaction.NewError(transaction.KindInvalidArgument, nil, "invalid object id: %d", oid)
	}
	info, err := s.checkTxn(txn)
	if err != nil {
		return -1, s.convert(txn, "nextObjectId", err)
	}
	next, err := info.nextObjectID(s.objects, oid)
	if err != nil {
		return -1, s.convert(txn, "nextObjectId", err)
	}
	return next, nil
}

func (s *DataStore) GetBinding(txn transaction.Transaction, name string) (int64, error) {
	if err := checkName(name); err != nil {
		return -1, err
	}
	info, err := s.checkTxn(txn)
	if err != nil {
		return -1, s.convert(txn, "getBinding", err)
	}
	v, found, err := s.names.Get(info.dbTxn, []byte(name), false)
	if err == nil && !found {
		err = fmt.Errorf("%w: %s", ErrNameNotBound, name)
	}
	if err != nil {
		return -1, s.convert(txn, "getBinding", err)
	}
	return decodeOid(v), nil
}

func (s *DataStore) SetBinding(txn transaction.Transaction, name string, oid int64) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := checkID(oid); err != nil {
		return err
	}
	info, err := s.checkTxn(txn)
	if err != nil {
		return s.convert(txn, "setBinding", err)
	}
	if err := s.names.Put(info.dbTxn, []byte(name), oidKey(oid)); err != nil {
		return s.convert(txn, "setBinding", err)
	}
	info.modified = true
	return nil
}

func (s *DataStore) RemoveBinding(txn transaction.Transaction, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	info, err := s.checkTxn(txn)
	if err != nil {
		return s.convert(txn, "removeBinding", err)
	}
	found, err := s.names.Delete(info.dbTxn, []byte(name))
	if err == nil && !found {
		err = fmt.Errorf("%w: %s", ErrNameNotBound, name)
	}
	if err != nil {
		return s.convert(txn, "removeBinding", err)
	}
	info.modified = true
	return nil
}

// NextBoundName returns the first bound name after name in byte order, or the
// first bound name when name is empty. ok is false when there are no more.
func (s *DataStore) NextBoundName(txn transaction.Transaction, name string) (next string, ok bool, err error) {
	info, err := s.checkTxn(txn)
	if err != nil {
		return "", false, s.convert(txn, "nextBoundName", err)
	}
	next, ok, err = info.nextName(s.names, name)
	if err != nil {
		return "", false, s.convert(txn, "nextBoundName", err)
	}
	return next, ok, nil
}

// Class keys: a hash key maps a descriptor's digest to its id, an id key maps
// the id back to the descriptor. Id keys sort after hash keys, so the last
// key in the database carries the highest id.
const (
	classHashPrefix byte = 1
	classIDPrefix   byte = 2
)

func classHashKey(classInfo []byte) []byte {
	sum := sha256.Sum256(classInfo)
	return append([]byte{classHashPrefix}, sum[:]...)
}

func classIDKey(id uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{classIDPrefix}, id)
}

// ClassID returns the id registered for classInfo, registering the next free
// id when the descriptor is new. Ids start at 1.
func (s *DataStore) ClassID(txn transaction.Transaction, classInfo []byte) (int, error) {
	info, err := s.checkTxn(txn)
	if err != nil {
		return 0, s.convert(txn, "classId", err)
	}
	id, created, err := s.classID(info, classInfo)
	if err != nil {
		return 0, s.convert(txn, "classId", err)
	}
	if created {
		info.modified = true
		s.logger.Debug("registered class", zap.Uint32("classId", id))
	}
	return int(id), nil
}

func (s *DataStore) classID(info *txnInfo, classInfo []byte) (uint32, bool, error) {
	hashKey := classHashKey(classInfo)
	v, found, err := s.classes.Get(info.dbTxn, hashKey, false)
	if err != nil {
		return 0, false, err
	}
	if found {
		if len(v) != 4 {
			return 0, false, &db.DatabaseError{Op: "classId", Err: fmt.Errorf("corrupt class id %x", v)}
		}
		return binary.BigEndian.Uint32(v), false, nil
	}

	cursor, err := s.classes.OpenCursor(info.dbTxn)
	if err != nil {
		return 0, false, err
	}
	defer cursor.Close()
	ok, err := cursor.FindLast()
	if err != nil {
		return 0, false, err
	}
	id := uint32(1)
	if last := cursor.Key(); ok && len(last) == 5 && last[0] == classIDPrefix {
		id = binary.BigEndian.Uint32(last[1:]) + 1
	}
	ok, err = cursor.PutNoOverwrite(classIDKey(id), classInfo)
	if err == nil && !ok {
		err = &db.DatabaseError{Op: "classId", Err: fmt.Errorf("class id key %d already present", id)}
	}
	if err != nil {
		return 0, false, err
	}
	ok, err = s.classes.PutNoOverwrite(info.dbTxn, hashKey, binary.BigEndian.AppendUint32(nil, id))
	if err == nil && !ok {
		err = &db.DatabaseError{Op: "classId", Err: fmt.Errorf("class hash already present")}
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ClassInfo returns the descriptor registered under classID.
func (s *DataStore) ClassInfo(txn transaction.Transaction, classID int) ([]byte, error) {
	if classID < 1 || int64(classID) > int64(^uint32(0)) {
		return nil, transaction.NewError(transaction.KindInvalidArgument, nil, "class id must be in [1, 2^32): %d", classID)
	}
	info, err := s.checkTxn(txn)
	if err != nil {
		return nil, s.convert(txn, "classInfo", err)
	}
	v, found, err := s.classes.Get(info.dbTxn, classIDKey(uint32(classID)), false)
	if err == nil && !found {
		err = fmt.Errorf("%w: %d", ErrClassInfoNotFound, classID)
	}
	if err != nil {
		return nil, s.convert(txn, "classInfo", err)
	}
	return v, nil
}
