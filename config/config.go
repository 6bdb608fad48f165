// Package config loads the gojotx YAML configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotx/core/profile"
	"github.com/sushant-115/gojotx/core/storage_engine/db"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

const (
	EngineBolt   = "bolt"
	EngineBadger = "badger"
)

// TransactionConfig configures the coordinator. Timeouts are milliseconds.
type TransactionConfig struct {
	BoundedTimeoutMs           int64  `yaml:"bounded_timeout_ms"`
	UnboundedTimeoutMs         int64  `yaml:"unbounded_timeout_ms"`
	DisablePrepareAndCommitOpt bool   `yaml:"disable_prepare_and_commit_opt"`
	ProfileLevel               string `yaml:"profile_level"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	// Engine is "bolt" or "badger".
	Engine    string `yaml:"engine"`
	Directory string `yaml:"directory"`
	// LockTimeoutMs of 0 waits 10% of each transaction's own timeout.
	LockTimeoutMs int64 `yaml:"lock_timeout_ms"`
	FlushToDisk   bool  `yaml:"flush_to_disk"`
	// StatsIntervalMs of 0 or less disables engine statistics.
	StatsIntervalMs int64  `yaml:"stats_interval_ms"`
	TxnIsolation    string `yaml:"txn_isolation"`
	// EncryptionKeyFile names a file holding a hex encoded AES key. Only the
	// badger engine encrypts at rest.
	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

type Config struct {
	Transaction TransactionConfig `yaml:"transaction"`
	Store       StoreConfig       `yaml:"store"`
	Logger      logger.Config     `yaml:"logger"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

func Default() Config {
	return Config{
		Transaction: TransactionConfig{
			BoundedTimeoutMs:   transaction.DefaultBoundedTimeout.Milliseconds(),
			UnboundedTimeoutMs: math.MaxInt64,
			ProfileLevel:       profile.LevelMin.String(),
		},
		Store: StoreConfig{
			Engine:          EngineBolt,
			Directory:       "gojotx-data",
			StatsIntervalMs: -1,
			TxnIsolation:    db.IsolationSerializable.String(),
		},
		Logger:    logger.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Transaction.BoundedTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("transaction.bounded_timeout_ms must be greater than 0: %d", c.Transaction.BoundedTimeoutMs))
	}
	if c.Transaction.UnboundedTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("transaction.unbounded_timeout_ms must be greater than 0: %d", c.Transaction.UnboundedTimeoutMs))
	}
	if _, err := profile.ParseLevel(c.Transaction.ProfileLevel); err != nil {
		errs = append(errs, fmt.Errorf("transaction.profile_level: %w", err))
	}
	switch c.Store.Engine {
	case EngineBolt, EngineBadger:
	default:
		errs = append(errs, fmt.Errorf("store.engine must be %q or %q: %q", EngineBolt, EngineBadger, c.Store.Engine))
	}
	if c.Store.Directory == "" {
		errs = append(errs, errors.New("store.directory must be set"))
	}
	if c.Store.LockTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("store.lock_timeout_ms must not be negative: %d", c.Store.LockTimeoutMs))
	}
	if _, err := db.ParseIsolation(c.Store.TxnIsolation); err != nil {
		errs = append(errs, fmt.Errorf("store.txn_isolation: %w", err))
	}
	if c.Store.EncryptionKeyFile != "" && c.Store.Engine != EngineBadger {
		errs = append(errs, fmt.Errorf("store.encryption_key_file requires the %q engine", EngineBadger))
	}
	return errors.Join(errs...)
}

// Coordinator converts the section into coordinator settings. Millisecond
// values too large for a time.Duration become transaction.Unbounded.
func (c TransactionConfig) Coordinator() transaction.Config {
	return transaction.Config{
		BoundedTimeout:             Millis(c.BoundedTimeoutMs),
		UnboundedTimeout:           Millis(c.UnboundedTimeoutMs),
		DisablePrepareAndCommitOpt: c.DisablePrepareAndCommitOpt,
	}
}

func (c TransactionConfig) Level() profile.Level {
	level, _ := profile.ParseLevel(c.ProfileLevel)
	return level
}

// DB converts the section into engine settings.
func (c StoreConfig) DB() (db.Config, error) {
	isolation, err := db.ParseIsolation(c.TxnIsolation)
	if err != nil {
		return db.Config{}, err
	}
	key, err := c.encryptionKey()
	if err != nil {
		return db.Config{}, err
	}
	return db.Config{
		LockTimeout:   Millis(c.LockTimeoutMs),
		FlushToDisk:   c.FlushToDisk,
		StatsInterval: Millis(c.StatsIntervalMs),
		Isolation:     isolation,
		EncryptionKey: key,
	}, nil
}

func (c StoreConfig) encryptionKey() ([]byte, error) {
	if c.EncryptionKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.EncryptionKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read encryption key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("encryption key in %s is not hex: %w", c.EncryptionKeyFile, err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	}
	return nil, fmt.Errorf("encryption key must be 16, 24 or 32 bytes: got %d", len(key))
}

// Millis converts milliseconds to a duration, saturating at the largest
// duration instead of overflowing.
func Millis(ms int64) time.Duration {
	if ms >= math.MaxInt64/int64(time.Millisecond) {
		return math.MaxInt64
	}
	if ms <= math.MinInt64/int64(time.Millisecond) {
		return math.MinInt64
	}
	return time.Duration(ms) * time.Millisecond
}
