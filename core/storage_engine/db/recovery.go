package db

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

// DecidedMarker prefixes the engine keys that record which prepared
// transactions reached commit. The marker is written in the same engine
// transaction as the data, so it survives exactly when the data does.
const DecidedMarker = "\x00decided"

// ResolveInDoubt finishes every transaction the decision log still holds as
// prepared: committed reports whether the engine kept its data.
func ResolveInDoubt(decisions *wal.LogManager, committed func(gid []byte) (bool, error), logger *zap.Logger) (int, error) {
	gids := decisions.InDoubt()
	for _, gid := range gids {
		ok, err := committed(gid)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve prepared transaction %x: %w", gid, err)
		}
		decision := wal.LogRecordTypeAbortTxn
		if ok {
			decision = wal.LogRecordTypeCommitTxn
		}
		if _, err := decisions.Append(decision, gid); err != nil {
			return 0, fmt.Errorf("failed to record decision for %x: %w", gid, err)
		}
		logger.Warn("resolved in-doubt transaction", zap.Binary("gid", gid), zap.Stringer("decision", decision))
	}
	return len(gids), nil
}
