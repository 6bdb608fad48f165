package badgerdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
	"github.com/sushant-115/gojotx/core/storage_engine/db/dbtest"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

func openDecisions(t *testing.T, dir string) *wal.LogManager {
	t.Helper()
	lm, err := wal.NewLogManager(filepath.Join(dir, "prepare"), zap.NewNop(), 0)
	require.NoError(t, err)
	return lm
}

func setupEnv(t *testing.T, cfg db.Config) *Environment {
	t.Helper()
	dir := t.TempDir()
	decisions := openDecisions(t, dir)
	env, err := Open(filepath.Join(dir, "data"), cfg, decisions, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		env.Close()
		decisions.Close()
	})
	return env
}

func TestBadger_Conformance(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) db.Environment {
		return setupEnv(t, db.DefaultConfig())
	})
}

func TestBadger_Classify(t *testing.T) {
	require.Equal(t, db.CodeDeadlock, classify(badger.ErrConflict))
	require.Equal(t, db.CodeRunRecovery, classify(badger.ErrTruncateNeeded))
	require.Equal(t, db.CodeRunRecovery, classify(badger.ErrEncryptionKeyMismatch))
	require.Equal(t, db.CodeOther, classify(badger.ErrTxnTooBig))

	g := db.NewGuard(classify, zap.NewNop())
	require.ErrorIs(t, g.Convert("commit", badger.ErrConflict, true), transaction.ErrConflict)
	require.ErrorIs(t, g.Convert("commit", badger.ErrConflict, false), db.ErrDatabase)
}

func TestBadger_SameGoroutineSecondWriterIsDeadlock(t *testing.T) {
	env := setupEnv(t, db.DefaultConfig())
	first := dbtest.Begin(t, env)
	_, err := env.BeginTransaction(1_000)
	require.ErrorIs(t, err, transaction.ErrConflict)
	require.NoError(t, first.Abort())
}

func TestBadger_WriterLockTimesOut(t *testing.T) {
	env := setupEnv(t, db.Config{LockTimeout: 20 * time.Millisecond})
	holder := dbtest.Begin(t, env)

	errc := make(chan error, 1)
	go func() {
		_, err := env.BeginTransaction(1_000)
		errc <- err
	}()
	err := <-errc
	require.ErrorIs(t, err, transaction.ErrTimeout)
	require.NoError(t, holder.Commit())
}

func TestBadger_NamesWithNulRejected(t *testing.T) {
	env := setupEnv(t, db.DefaultConfig())
	txn := dbtest.Begin(t, env)
	defer txn.Abort()
	_, err := env.OpenDatabase(txn, "a\x00b", true)
	require.ErrorIs(t, err, db.ErrInvalidName)
	_, err = env.OpenDatabase(txn, "", true)
	require.ErrorIs(t, err, db.ErrInvalidName)
}

func TestBadger_PrefixesDoNotLeak(t *testing.T) {
	env := setupEnv(t, db.DefaultConfig())
	short := dbtest.OpenDB(t, env, "a")
	long := dbtest.OpenDB(t, env, "ab")

	txn := dbtest.Begin(t, env)
	require.NoError(t, short.Put(txn, []byte("1"), []byte("short")))
	require.NoError(t, long.Put(txn, []byte("0"), []byte("long")))

	c, err := short.OpenCursor(txn)
	require.NoError(t, err)
	ok, err := c.FindLast()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(c.Key()))
	ok, err = c.FindNext()
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, c.Key())
	require.NoError(t, c.Close())
	require.NoError(t, txn.Commit())
}

func TestBadger_InDoubtResolvedOnOpen(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	decisions := openDecisions(t, dir)
	env, err := Open(dataDir, db.DefaultConfig(), decisions, zap.NewNop())
	require.NoError(t, err)
	d := dbtest.OpenDB(t, env, "objects")

	txn := dbtest.Begin(t, env).(*Txn)
	require.NoError(t, d.Put(txn, []byte("kept"), []byte("v")))
	require.NoError(t, txn.Prepare([]byte("gid-kept")))
	require.NoError(t, txn.commitPrepared())

	txn = dbtest.Begin(t, env).(*Txn)
	require.NoError(t, d.Put(txn, []byte("lost"), []byte("v")))
	require.NoError(t, txn.Prepare([]byte("gid-lost")))
	txn.rollback()

	require.Len(t, decisions.InDoubt(), 2)
	require.NoError(t, env.Close())
	require.NoError(t, decisions.Close())

	decisions = openDecisions(t, dir)
	defer decisions.Close()
	env, err = Open(dataDir, db.DefaultConfig(), decisions, zap.NewNop())
	require.NoError(t, err)
	defer env.Close()
	require.Empty(t, decisions.InDoubt())

	records, err := decisions.ReadAll()
	require.NoError(t, err)
	decided := make(map[string]wal.LogRecordType)
	for _, r := range records {
		if r.Type != wal.LogRecordTypePrepare {
			decided[string(r.GID)] = r.Type
		}
	}
	require.Equal(t, wal.LogRecordTypeCommitTxn, decided["gid-kept"])
	require.Equal(t, wal.LogRecordTypeAbortTxn, decided["gid-lost"])

	check := dbtest.Begin(t, env)
	d2, err := env.OpenDatabase(check, "objects", false)
	require.NoError(t, err)
	_, found, err := d2.Get(check, []byte("kept"), false)
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = d2.Get(check, []byte("lost"), false)
	require.NoError(t, err)
	require.False(t, found)

	_, err = check.(*Txn).txn.Get(markerKey([]byte("gid-kept")))
	require.ErrorIs(t, err, badger.ErrKeyNotFound, "markers are cleared once resolved")
	require.NoError(t, check.Abort())
}

func TestBadger_MaintenanceStopsOnClose(t *testing.T) {
	env := setupEnv(t, db.Config{StatsInterval: 5 * time.Millisecond})
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, env.Close())
	require.NoError(t, env.Close())

	_, err := env.BeginTransaction(100)
	require.ErrorIs(t, err, db.ErrEnvironmentClosed)
}

func TestBadger_EncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	cfg := db.DefaultConfig()
	cfg.EncryptionKey = []byte("0123456789abcdef")

	env, err := Open(dataDir, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	d := dbtest.OpenDB(t, env, "objects")
	txn := dbtest.Begin(t, env)
	require.NoError(t, d.Put(txn, []byte("k"), []byte("secret")))
	require.NoError(t, txn.Commit())
	require.NoError(t, env.Close())

	wrong := cfg
	wrong.EncryptionKey = []byte("fedcba9876543210")
	_, err = Open(dataDir, wrong, nil, zap.NewNop())
	require.ErrorIs(t, err, badger.ErrEncryptionKeyMismatch)
	require.ErrorIs(t, err, transaction.ErrFatal)

	env, err = Open(dataDir, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	defer env.Close()
	txn = dbtest.Begin(t, env)
	d, err = env.OpenDatabase(txn, "objects", false)
	require.NoError(t, err)
	v, found, err := d.Get(txn, []byte("k"), false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "secret", string(v))
	require.NoError(t, txn.Abort())
}
