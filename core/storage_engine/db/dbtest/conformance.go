// Package dbtest checks that a storage engine adapter honours the db contract.
package dbtest

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotx/core/storage_engine/db"
	"github.com/sushant-115/gojotx/core/transaction"
)

// Opener returns a fresh, empty environment that is closed when the test ends.
type Opener func(t *testing.T) db.Environment

// Run runs the conformance suite against environments built by open.
func Run(t *testing.T, open Opener) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, open(t)) })
	t.Run("EdgeKeys", func(t *testing.T) { testEdgeKeys(t, open(t)) })
	t.Run("PutNoOverwrite", func(t *testing.T) { testPutNoOverwrite(t, open(t)) })
	t.Run("AbortDiscards", func(t *testing.T) { testAbortDiscards(t, open(t)) })
	t.Run("OpenMissingDatabase", func(t *testing.T) { testOpenMissing(t, open(t)) })
	t.Run("DatabasesAreIsolated", func(t *testing.T) { testIsolatedDatabases(t, open(t)) })
	t.Run("CursorEmpty", func(t *testing.T) { testCursorEmpty(t, open(t)) })
	t.Run("CursorIteration", func(t *testing.T) { testCursorIteration(t, open(t)) })
	t.Run("CursorPutNoOverwrite", func(t *testing.T) { testCursorPutNoOverwrite(t, open(t)) })
	t.Run("ExpiredTransactionTimesOut", func(t *testing.T) { testExpired(t, open(t)) })
	t.Run("InvalidTimeout", func(t *testing.T) { testInvalidTimeout(t, open(t)) })
	t.Run("PrepareThenCommit", func(t *testing.T) { testPrepareCommit(t, open(t)) })
	t.Run("PrepareThenAbort", func(t *testing.T) { testPrepareAbort(t, open(t)) })
	t.Run("FinishedTransaction", func(t *testing.T) { testFinished(t, open(t)) })
	t.Run("ConcurrentCounters", func(t *testing.T) { testConcurrentCounters(t, open(t)) })
}

// Begin starts a transaction with a generous timeout.
func Begin(t *testing.T, env db.Environment) db.Transaction {
	t.Helper()
	txn, err := env.BeginTransaction(10_000)
	require.NoError(t, err)
	return txn
}

// OpenDB opens (creating) name in its own committed transaction.
func OpenDB(t *testing.T, env db.Environment, name string) db.Database {
	t.Helper()
	txn := Begin(t, env)
	d, err := env.OpenDatabase(txn, name, true)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	return d
}

func get(t *testing.T, d db.Database, txn db.Transaction, key string) (string, bool) {
	t.Helper()
	v, found, err := d.Get(txn, []byte(key), false)
	require.NoError(t, err)
	return string(v), found
}

func testEdgeKeys(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "edge")
	longest := bytes.Repeat([]byte{0xff}, db.MaxKeySize)
	txn := Begin(t, env)
	require.NoError(t, d.Put(txn, []byte{}, []byte{}))
	require.NoError(t, d.Put(txn, []byte{0x00}, []byte("nul")))
	require.NoError(t, d.Put(txn, longest, []byte("long")))
	require.ErrorIs(t, d.Put(txn, append(longest, 0), []byte("x")), transaction.ErrInvalidArgument)
	_, _, err := d.Get(txn, append(longest, 0), false)
	require.ErrorIs(t, err, transaction.ErrInvalidArgument)
	require.NoError(t, txn.Commit())

	txn = Begin(t, env)
	defer txn.Abort()
	v, found, err := d.Get(txn, []byte{}, false)
	require.NoError(t, err)
	require.True(t, found, "the empty key is a valid key")
	require.NotNil(t, v)
	require.Empty(t, v)
	v, found, err = d.Get(txn, longest, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "long", string(v))

	c, err := d.OpenCursor(txn)
	require.NoError(t, err)
	defer c.Close()
	var keys [][]byte
	for ok, err := c.FindFirst(); ok; ok, err = c.FindNext() {
		require.NoError(t, err)
		keys = append(keys, c.Key())
	}
	require.Equal(t, [][]byte{{}, {0x00}, longest}, keys)

	ok, err := d.PutNoOverwrite(txn, []byte{}, []byte("again"))
	require.NoError(t, err)
	require.False(t, ok)
	deleted, err := d.Delete(txn, []byte{})
	require.NoError(t, err)
	require.True(t, deleted)
}

func testRoundTrip(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "objects")

	txn := Begin(t, env)
	require.NoError(t, d.Put(txn, []byte("k1"), []byte("v1")))
	require.NoError(t, d.Put(txn, []byte("empty"), nil))
	v, found := get(t, d, txn, "k1")
	require.True(t, found)
	require.Equal(t, "v1", v)
	require.NoError(t, txn.Commit())

	txn = Begin(t, env)
	v, found = get(t, d, txn, "k1")
	require.True(t, found)
	require.Equal(t, "v1", v)
	val, found, err := d.Get(txn, []byte("empty"), true)
	require.NoError(t, err)
	require.True(t, found, "empty values are still present")
	require.Empty(t, val)
	require.NoError(t, d.MarkForUpdate(txn, []byte("k1")))

	deleted, err := d.Delete(txn, []byte("k1"))
	require.NoError(t, err)
	require.True(t, deleted)
	_, found = get(t, d, txn, "k1")
	require.False(t, found)
	deleted, err = d.Delete(txn, []byte("k1"))
	require.NoError(t, err)
	require.False(t, deleted)
	require.NoError(t, txn.Commit())

	txn = Begin(t, env)
	_, found = get(t, d, txn, "k1")
	require.False(t, found)
	require.NoError(t, txn.Abort())
}

func testPutNoOverwrite(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "objects")
	txn := Begin(t, env)
	ok, err := d.PutNoOverwrite(txn, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = d.PutNoOverwrite(txn, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	require.False(t, ok)
	v, _ := get(t, d, txn, "k")
	require.Equal(t, "v1", v)
	require.NoError(t, txn.Commit())
}

func testAbortDiscards(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "objects")
	txn := Begin(t, env)
	require.NoError(t, d.Put(txn, []byte("k"), []byte("v")))
	require.NoError(t, txn.Abort())
	require.NoError(t, txn.Abort(), "abort is idempotent")

	txn = Begin(t, env)
	_, found := get(t, d, txn, "k")
	require.False(t, found)
	require.NoError(t, txn.Abort())
}

func testOpenMissing(t *testing.T, env db.Environment) {
	txn := Begin(t, env)
	defer txn.Abort()
	_, err := env.OpenDatabase(txn, "missing", false)
	require.ErrorIs(t, err, db.ErrDatabaseNotFound)
	require.ErrorIs(t, err, db.ErrDatabase)
	_, err = env.OpenDatabase(txn, "", true)
	require.ErrorIs(t, err, db.ErrInvalidName)
}

func testIsolatedDatabases(t *testing.T, env db.Environment) {
	a := OpenDB(t, env, "a")
	b := OpenDB(t, env, "b")
	txn := Begin(t, env)
	require.NoError(t, a.Put(txn, []byte("k"), []byte("in a")))
	_, found := get(t, b, txn, "k")
	require.False(t, found)
	cur, err := b.OpenCursor(txn)
	require.NoError(t, err)
	ok, err := cur.FindFirst()
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, cur.Close())
	require.NoError(t, txn.Commit())
}

func testCursorEmpty(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "names")
	txn := Begin(t, env)
	defer txn.Abort()
	cur, err := d.OpenCursor(txn)
	require.NoError(t, err)

	require.NotNil(t, cur.Key())
	require.Empty(t, cur.Key())
	ok, err := cur.FindFirst()
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, cur.Key())
	require.Empty(t, cur.Key())
	require.NotNil(t, cur.Value())
	require.Empty(t, cur.Value())

	ok, err = cur.FindLast()
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, cur.Close())
	require.NoError(t, cur.Close())
}

func testCursorIteration(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "names")
	txn := Begin(t, env)
	for _, k := range []string{"b", "d", "a", "c"} {
		require.NoError(t, d.Put(txn, []byte(k), []byte("v-"+k)))
	}
	require.NoError(t, txn.Commit())

	txn = Begin(t, env)
	defer txn.Abort()
	cur, err := d.OpenCursor(txn)
	require.NoError(t, err)
	defer cur.Close()

	var keys []string
	for ok, err := cur.FindFirst(); ok; ok, err = cur.FindNext() {
		require.NoError(t, err)
		keys = append(keys, string(cur.Key()))
		require.Equal(t, "v-"+string(cur.Key()), string(cur.Value()))
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, keys)
	require.Empty(t, cur.Key(), "walking off the end invalidates the cursor")

	ok, err := cur.FindNextAtLeast([]byte("bb"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c", string(cur.Key()))

	ok, err = cur.FindNextAtLeast([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", string(cur.Key()))

	ok, err = cur.FindNextAtLeast([]byte("e"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = cur.FindLast()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "d", string(cur.Key()))

	// The cursor sees writes made by its own transaction.
	require.NoError(t, d.Put(txn, []byte("e"), []byte("v-e")))
	ok, err = cur.FindNext()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "e", string(cur.Key()))
}

func testCursorPutNoOverwrite(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "classes")
	txn := Begin(t, env)
	defer txn.Abort()
	cur, err := d.OpenCursor(txn)
	require.NoError(t, err)
	defer cur.Close()

	ok, err := cur.PutNoOverwrite([]byte("k1"), []byte("first"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "k1", string(cur.Key()))
	require.Equal(t, "first", string(cur.Value()))

	ok, err = cur.PutNoOverwrite([]byte("k1"), []byte("second"))
	require.NoError(t, err)
	require.False(t, ok)
	v, _ := get(t, d, txn, "k1")
	require.Equal(t, "first", v)

	ok, err = cur.FindLast()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "k1", string(cur.Key()))
}

func testExpired(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "objects")
	txn, err := env.BeginTransaction(20)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	_, _, err = d.Get(txn, []byte("k"), false)
	require.ErrorIs(t, err, transaction.ErrTimeout)
	require.NotErrorIs(t, err, db.ErrDatabase)
	require.True(t, transaction.IsRetryable(err))
	require.NoError(t, txn.Abort())
}

func testInvalidTimeout(t *testing.T, env db.Environment) {
	for _, ms := range []int64{0, -1} {
		_, err := env.BeginTransaction(ms)
		require.ErrorIs(t, err, transaction.ErrInvalidArgument)
	}
}

func testPrepareCommit(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "objects")
	txn := Begin(t, env)
	require.NoError(t, d.Put(txn, []byte("k"), []byte("v")))
	require.NoError(t, txn.Prepare([]byte("gid-commit")))
	require.ErrorIs(t, txn.Prepare([]byte("gid-commit")), transaction.ErrIllegalState)
	require.NoError(t, txn.Commit())

	txn = Begin(t, env)
	v, found := get(t, d, txn, "k")
	require.True(t, found)
	require.Equal(t, "v", v)
	require.NoError(t, txn.Commit())
}

func testPrepareAbort(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "objects")
	txn := Begin(t, env)
	require.NoError(t, d.Put(txn, []byte("k"), []byte("v")))
	require.NoError(t, txn.Prepare([]byte("gid-abort")))
	require.NoError(t, txn.Abort())
	require.ErrorIs(t, txn.Commit(), transaction.ErrIllegalState)

	txn = Begin(t, env)
	_, found := get(t, d, txn, "k")
	require.False(t, found)
	require.NoError(t, txn.Abort())
}

func testFinished(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "objects")
	txn := Begin(t, env)
	require.NoError(t, txn.Commit())
	require.ErrorIs(t, txn.Commit(), transaction.ErrIllegalState)
	require.ErrorIs(t, txn.Abort(), transaction.ErrIllegalState)
	_, _, err := d.Get(txn, []byte("k"), false)
	require.ErrorIs(t, err, transaction.ErrIllegalState)
}

// testConcurrentCounters increments a shared counter from several goroutines,
// retrying on timeouts and conflicts, and checks no update was lost.
func testConcurrentCounters(t *testing.T, env db.Environment) {
	d := OpenDB(t, env, "counters")
	const workers, perWorker = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := incrementWithRetry(env, d); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	txn := Begin(t, env)
	v, _ := get(t, d, txn, "n")
	require.Equal(t, fmt.Sprint(workers*perWorker), v)
	require.NoError(t, txn.Commit())
}

func incrementWithRetry(env db.Environment, d db.Database) error {
	for attempt := 0; attempt < 1000; attempt++ {
		err := increment(env, d)
		if err == nil || !transaction.IsRetryable(err) {
			return err
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Errorf("gave up incrementing")
}

func increment(env db.Environment, d db.Database) error {
	txn, err := env.BeginTransaction(5_000)
	if err != nil {
		return err
	}
	v, _, err := d.Get(txn, []byte("n"), true)
	if err != nil {
		txn.Abort()
		return err
	}
	var n int
	if len(v) > 0 {
		fmt.Sscan(string(v), &n)
	}
	if err := d.Put(txn, []byte("n"), []byte(fmt.Sprint(n+1))); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}
