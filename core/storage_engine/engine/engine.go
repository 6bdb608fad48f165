// Package engine opens the store engine named in the configuration together
// with the decision log it prepares into.
package engine

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/core/storage_engine/db"
	"github.com/sushant-115/gojotx/core/storage_engine/db/badgerdb"
	"github.com/sushant-115/gojotx/core/storage_engine/db/boltdb"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

// PrepareDir is the decision log directory inside the store directory.
const PrepareDir = "prepare"

// Store is an open engine environment that also owns its decision log.
type Store struct {
	db.Environment
	Decisions *wal.LogManager
	Engine    string
}

var _ db.Environment = (*Store)(nil)

// Open opens the decision log under <directory>/prepare and then the
// configured engine, which settles any in-doubt transactions on the way.
func Open(cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dbCfg, err := cfg.DB()
	if err != nil {
		return nil, transaction.NewError(transaction.KindInvalidArgument, err, "store config")
	}
	var open func(string, db.Config, *wal.LogManager, *zap.Logger) (db.Environment, error)
	switch cfg.Engine {
	case config.EngineBolt, "":
		open = func(dir string, c db.Config, lm *wal.LogManager, l *zap.Logger) (db.Environment, error) {
			return boltdb.Open(dir, c, lm, l)
		}
	case config.EngineBadger:
		open = func(dir string, c db.Config, lm *wal.LogManager, l *zap.Logger) (db.Environment, error) {
			return badgerdb.Open(dir, c, lm, l)
		}
	default:
		return nil, transaction.NewError(transaction.KindInvalidArgument, nil, "unknown store engine %q", cfg.Engine)
	}

	decisions, err := wal.NewLogManager(filepath.Join(cfg.Directory, PrepareDir), logger, wal.DefaultSegmentSizeLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision log: %w", err)
	}
	env, err := open(filepath.Join(cfg.Directory, "data"), dbCfg, decisions, logger)
	if err != nil {
		decisions.Close()
		return nil, err
	}
	name := cfg.Engine
	if name == "" {
		name = config.EngineBolt
	}
	logger.Info("store opened", zap.String("engine", name), zap.String("dir", cfg.Directory))
	return &Store{Environment: env, Decisions: decisions, Engine: name}, nil
}

// Close closes the engine and then the decision log.
func (s *Store) Close() error {
	return errors.Join(s.Environment.Close(), s.Decisions.Close())
}
