package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultSegmentSizeLimit is used when NewLogManager is given a non-positive limit.
const DefaultSegmentSizeLimit int64 = 4 << 20

var (
	ErrLogClosed       = errors.New("log manager is closed")
	ErrAlreadyPrepared = errors.New("global transaction already prepared")
	ErrNotPrepared     = errors.New("global transaction is not prepared")
)

// LogManager is the durable decision log for prepared transactions. Every
// PREPARE record stays pending until a COMMIT or ABORT record for the same
// global transaction id follows it. Appends are synced before they return.
type LogManager struct {
	logDir                   string
	logFile                  *os.File
	currentSegmentID         uint64
	currentLSN               LSN   // last LSN handed out
	currentSegmentFileOffset int64 // bytes written to the active segment
	segmentSizeLimit         int64
	mu                       sync.Mutex
	logger                   *zap.Logger
	closed                   bool

	// pending maps a prepared global id to its PREPARE record.
	pending map[string]pendingPrepare
}

type pendingPrepare struct {
	lsn       LSN
	segmentID uint64
	gid       []byte
}

type segmentFile struct {
	path string
	id   uint64
}

// NewLogManager opens the log in logDir, replaying existing segments to
// rebuild the set of prepared transactions and the next LSN.
func NewLogManager(logDir string, logger *zap.Logger, segmentSizeLimit int64) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if segmentSizeLimit <= 0 {
		segmentSizeLimit = DefaultSegmentSizeLimit
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	lm := &LogManager{
		logDir:           logDir,
		segmentSizeLimit: segmentSizeLimit,
		logger:           logger.Named("wal"),
		pending:          make(map[string]pendingPrepare),
	}
	if err := lm.recover(); err != nil {
		return nil, err
	}
	lm.logger.Info("decision log opened",
		zap.String("dir", logDir),
		zap.Uint64("segment", lm.currentSegmentID),
		zap.Uint64("lastLSN", uint64(lm.currentLSN)),
		zap.Int("inDoubt", len(lm.pending)))
	return lm, nil
}

// recover replays every segment, truncates a torn tail in the newest segment
// and opens it for appending.
func (lm *LogManager) recover() error {
	segments, err := lm.getOrderedLogSegments()
	if err != nil {
		return err
	}
	for i, seg := range segments {
		validSize, err := lm.replaySegment(seg)
		if err != nil {
			return err
		}
		if i == len(segments)-1 {
			info, err := os.Stat(seg.path)
			if err != nil {
				return fmt.Errorf("failed to stat log segment %s: %w", seg.path, err)
			}
			if info.Size() > validSize {
				lm.logger.Warn("truncating torn log tail",
					zap.String("segment", seg.path),
					zap.Int64("validSize", validSize),
					zap.Int64("size", info.Size()))
				if err := os.Truncate(seg.path, validSize); err != nil {
					return fmt.Errorf("failed to truncate log segment %s: %w", seg.path, err)
				}
			}
			lm.currentSegmentID = seg.id
			lm.currentSegmentFileOffset = validSize
		}
	}
	if lm.currentSegmentID == 0 {
		lm.currentSegmentID = 1
	}
	f, err := os.OpenFile(lm.getLogSegmentPath(lm.currentSegmentID), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open/create log segment %d: %w", lm.currentSegmentID, err)
	}
	lm.logFile = f
	return nil
}

// replaySegment applies the records of seg and returns the size of its valid prefix.
func (lm *LogManager) replaySegment(seg segmentFile) (int64, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var offset int64
	for {
		var lr LogRecord
		n, err := readLogRecord(reader, &lr)
		if err == io.EOF {
			return offset, nil
		}
		if err != nil {
			lm.logger.Warn("stopping replay at damaged record",
				zap.String("segment", seg.path), zap.Int64("offset", offset), zap.Error(err))
			return offset, nil
		}
		offset += n
		if lr.LSN > lm.currentLSN {
			lm.currentLSN = lr.LSN
		}
		lm.apply(&lr, seg.id)
	}
}

func (lm *LogManager) apply(lr *LogRecord, segmentID uint64) {
	key := string(lr.GID)
	switch lr.Type {
	case LogRecordTypePrepare:
		lm.pending[key] = pendingPrepare{lsn: lr.LSN, segmentID: segmentID, gid: lr.GID}
	case LogRecordTypeCommitTxn, LogRecordTypeAbortTxn:
		delete(lm.pending, key)
	}
}

// Append writes a decision for gid and syncs it. A PREPARE must not repeat a
// pending gid, and COMMIT or ABORT must follow a PREPARE.
func (lm *LogManager) Append(recordType LogRecordType, gid []byte) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, ErrLogClosed
	}
	_, isPending := lm.pending[string(gid)]
	switch recordType {
	case LogRecordTypePrepare:
		if isPending {
			return InvalidLSN, ErrAlreadyPrepared
		}
	case LogRecordTypeCommitTxn, LogRecordTypeAbortTxn:
		if !isPending {
			return InvalidLSN, ErrNotPrepared
		}
	default:
		return InvalidLSN, fmt.Errorf("unknown log record type %d", recordType)
	}

	record := &LogRecord{LSN: lm.currentLSN + 1, Type: recordType, GID: append([]byte(nil), gid...)}
	serialized, err := record.Serialize()
	if err != nil {
		return InvalidLSN, fmt.Errorf("failed to serialize log record: %w", err)
	}
	if lm.currentSegmentFileOffset > 0 && lm.currentSegmentFileOffset+int64(len(serialized)) > lm.segmentSizeLimit {
		if err := lm.rollLogSegment(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to roll log segment before append: %w", err)
		}
	}
	n, err := lm.logFile.Write(serialized)
	if err != nil {
		return InvalidLSN, fmt.Errorf("failed to write log record: %w", err)
	}
	if err := lm.logFile.Sync(); err != nil {
		return InvalidLSN, fmt.Errorf("failed to sync log file: %w", err)
	}
	lm.currentSegmentFileOffset += int64(n)
	lm.currentLSN = record.LSN
	lm.apply(record, lm.currentSegmentID)

	if lm.logger.Core().Enabled(zap.DebugLevel) {
		lm.logger.Debug("appended decision",
			zap.Uint64("lsn", uint64(record.LSN)),
			zap.Stringer("type", record.Type),
			zap.Binary("gid", gid))
	}
	return record.LSN, nil
}

// CurrentLSN returns the LSN of the last record written.
func (lm *LogManager) CurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.currentLSN
}

// InDoubt returns the global ids that are prepared but not yet decided, in
// prepare order.
func (lm *LogManager) InDoubt() [][]byte {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	entries := make([]pendingPrepare, 0, len(lm.pending))
	for _, p := range lm.pending {
		entries = append(entries, p)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lsn < entries[j].lsn })
	gids := make([][]byte, len(entries))
	for i, p := range entries {
		gids[i] = append([]byte(nil), p.gid...)
	}
	return gids
}

// ReadAll returns every readable record in LSN order.
func (lm *LogManager) ReadAll() ([]*LogRecord, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	segments, err := lm.getOrderedLogSegments()
	if err != nil {
		return nil, err
	}
	var records []*LogRecord
	for _, seg := range segments {
		f, err := os.Open(seg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
		}
		reader := bufio.NewReader(f)
		for {
			lr := &LogRecord{}
			if _, err := readLogRecord(reader, lr); err != nil {
				break
			}
			records = append(records, lr)
		}
		f.Close()
	}
	return records, nil
}

// Sync flushes the active segment to stable storage.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrLogClosed
	}
	return lm.logFile.Sync()
}

func (lm *LogManager) getLogSegmentPath(segmentID uint64) string {
	return filepath.Join(lm.logDir, fmt.Sprintf("wal-%020d.log", segmentID))
}

func (lm *LogManager) getOrderedLogSegments() ([]segmentFile, error) {
	entries, err := os.ReadDir(lm.logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", lm.logDir, err)
	}
	var segments []segmentFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".log"), 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segmentFile{path: filepath.Join(lm.logDir, name), id: id})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}

// rollLogSegment closes the active segment, opens the next one and removes
// older segments that no longer hold a pending PREPARE. Called with lm.mu held.
func (lm *LogManager) rollLogSegment() error {
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file before rolling segment: %w", err)
	}
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log segment %d: %w", lm.currentSegmentID, err)
	}
	lm.currentSegmentID++
	f, err := os.OpenFile(lm.getLogSegmentPath(lm.currentSegmentID), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open new log segment %d: %w", lm.currentSegmentID, err)
	}
	lm.logFile = f
	lm.currentSegmentFileOffset = 0
	lm.logger.Info("rolled decision log segment", zap.Uint64("segment", lm.currentSegmentID))

	// The segment just closed is kept so the last LSN survives a restart.
	oldest := lm.currentSegmentID - 1
	for _, p := range lm.pending {
		if p.segmentID < oldest {
			oldest = p.segmentID
		}
	}
	segments, err := lm.getOrderedLogSegments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg.id >= oldest {
			break
		}
		if err := os.Remove(seg.path); err != nil {
			lm.logger.Warn("failed to remove decided log segment", zap.String("segment", seg.path), zap.Error(err))
		}
	}
	return nil
}

// Close syncs and closes the active segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	lm.closed = true
	if err := lm.logFile.Sync(); err != nil {
		lm.logFile.Close()
		return fmt.Errorf("failed to sync log file on close: %w", err)
	}
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	lm.logger.Info("decision log closed", zap.Uint64("lastLSN", uint64(lm.currentLSN)))
	return nil
}
