package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// LSN is the sequence number of a decision log record. LSNs start at 1.
type LSN uint64

const InvalidLSN LSN = 0

// LogRecordType is the decision a record captures for a global transaction.
type LogRecordType byte

const (
	LogRecordTypePrepare   LogRecordType = iota + 1 // Transaction branch voted to commit
	LogRecordTypeCommitTxn                          // Prepared branch committed
	LogRecordTypeAbortTxn                           // Prepared branch rolled back
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypePrepare:
		return "PREPARE"
	case LogRecordTypeCommitTxn:
		return "COMMIT"
	case LogRecordTypeAbortTxn:
		return "ABORT"
	default:
		return fmt.Sprintf("LogRecordType(%d)", byte(t))
	}
}

// LogRecord is one entry of the decision log.
type LogRecord struct {
	LSN  LSN
	Type LogRecordType
	GID  []byte // global transaction id
}

// recordHeaderSize covers the length and CRC32 prefix of every record.
const recordHeaderSize = 4 + 4

// maxGIDSize bounds the global transaction id a record may carry.
const maxGIDSize = 1 << 10

var (
	ErrCorruptRecord = errors.New("corrupt log record")
	ErrGIDTooLarge   = errors.New("global transaction id too large")
)

// Serialize encodes the record as length, CRC32 of the payload, then the
// payload: LSN, type, gid length and gid.
func (lr *LogRecord) Serialize() ([]byte, error) {
	if len(lr.GID) > maxGIDSize {
		return nil, ErrGIDTooLarge
	}
	payload := new(bytes.Buffer)
	if err := binary.Write(payload, binary.LittleEndian, uint64(lr.LSN)); err != nil {
		return nil, fmt.Errorf("failed to serialize LSN: %w", err)
	}
	payload.WriteByte(byte(lr.Type))
	if err := binary.Write(payload, binary.LittleEndian, uint16(len(lr.GID))); err != nil {
		return nil, fmt.Errorf("failed to serialize GID length: %w", err)
	}
	payload.Write(lr.GID)

	buf := make([]byte, recordHeaderSize, recordHeaderSize+payload.Len())
	binary.LittleEndian.PutUint32(buf[0:4], uint32(payload.Len()))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload.Bytes()))
	return append(buf, payload.Bytes()...), nil
}

// DecodeLogRecord decodes one serialized record.
func DecodeLogRecord(data []byte) (*LogRecord, error) {
	lr := &LogRecord{}
	if _, err := readLogRecord(bytes.NewReader(data), lr); err != nil {
		return nil, err
	}
	return lr, nil
}

// readLogRecord reads the next record and returns its encoded size. io.EOF
// means a clean end; ErrCorruptRecord or io.ErrUnexpectedEOF a torn tail.
func readLogRecord(r io.Reader, lr *LogRecord) (int64, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if size < 8+1+2 || size > 8+1+2+maxGIDSize {
		return 0, fmt.Errorf("%w: payload size %d", ErrCorruptRecord, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return 0, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	lr.LSN = LSN(binary.LittleEndian.Uint64(payload[0:8]))
	lr.Type = LogRecordType(payload[8])
	gidLen := int(binary.LittleEndian.Uint16(payload[9:11]))
	if 11+gidLen != len(payload) {
		return 0, fmt.Errorf("%w: gid length %d", ErrCorruptRecord, gidLen)
	}
	lr.GID = append([]byte(nil), payload[11:]...)
	return int64(recordHeaderSize) + int64(size), nil
}
