package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/core/datastore"
	"github.com/sushant-115/gojotx/core/storage_engine/engine"
	"github.com/sushant-115/gojotx/core/transaction"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Directory = t.TempDir()
	store, err := engine.Open(cfg.Store, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ds, err := datastore.New(store, zap.NewNop())
	require.NoError(t, err)
	txCfg := transaction.DefaultConfig()
	txCfg.BoundedTimeout = transaction.DefaultBoundedTimeout * 50
	coord, err := transaction.NewCoordinator(txCfg, nil, nil, zap.NewNop())
	require.NoError(t, err)
	out := &bytes.Buffer{}
	return newShell(coord, ds, out), out
}

func execLine(t *testing.T, sh *shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.True(t, sh.exec(strings.Fields(line)))
	return out.String()
}

func TestShell_AutoCommit(t *testing.T) {
	sh, out := newTestShell(t)

	require.Equal(t, "Created object 1\n", execLine(t, sh, out, "new hello world"))
	require.Equal(t, "OK\n", execLine(t, sh, out, "bind greeting 1"))
	require.Equal(t, "greeting -> 1\n", execLine(t, sh, out, "lookup greeting"))
	require.Equal(t, "1 = \"hello world\"\n", execLine(t, sh, out, "get 1"))
	require.Equal(t, "greeting -> 1\n", execLine(t, sh, out, "names"))
	require.Equal(t, "1\n", execLine(t, sh, out, "objects"))
	require.Contains(t, execLine(t, sh, out, "get 7"), "Error:")
}

func TestShell_ExplicitTransaction(t *testing.T) {
	sh, out := newTestShell(t)

	require.Contains(t, execLine(t, sh, out, "begin"), "Began")
	require.Equal(t, "gojotx(txn)> ", sh.prompt())
	execLine(t, sh, out, "new one")
	execLine(t, sh, out, "new two")
	require.Equal(t, "Aborted.\n", execLine(t, sh, out, "abort"))
	require.Equal(t, "", execLine(t, sh, out, "objects"))

	execLine(t, sh, out, "begin 5000")
	execLine(t, sh, out, "new kept")
	require.Contains(t, execLine(t, sh, out, "begin"), "already open")
	require.Equal(t, "Committed.\n", execLine(t, sh, out, "commit"))
	require.Equal(t, "gojotx> ", sh.prompt())
	require.Equal(t, "1\n", execLine(t, sh, out, "objects"))
	require.Contains(t, execLine(t, sh, out, "commit"), "no open transaction")
}

func TestShell_BeginOutlivesBoundedTimeout(t *testing.T) {
	sh, out := newTestShell(t)
	coord, err := transaction.NewCoordinator(transaction.DefaultConfig(), nil, nil, zap.NewNop())
	require.NoError(t, err)
	sh.coord = coord

	require.Contains(t, execLine(t, sh, out, "begin"), "Began")
	time.Sleep(transaction.DefaultBoundedTimeout * 2)
	require.Equal(t, "Created object 1\n", execLine(t, sh, out, "new slow"))
	require.Equal(t, "Committed.\n", execLine(t, sh, out, "commit"))

	execLine(t, sh, out, "begin 20")
	time.Sleep(50 * time.Millisecond)
	execLine(t, sh, out, "new late")
	execLine(t, sh, out, "commit")
	require.Equal(t, "1\n", execLine(t, sh, out, "objects"))
}

func TestShell_BadInput(t *testing.T) {
	sh, out := newTestShell(t)

	require.Contains(t, execLine(t, sh, out, "frobnicate"), "Unknown command")
	require.Contains(t, execLine(t, sh, out, "get abc"), "invalid object id")
	require.Contains(t, execLine(t, sh, out, "set 1"), "requires")
	require.Contains(t, execLine(t, sh, out, "begin -3"), "invalid timeout")
	require.Contains(t, execLine(t, sh, out, "help"), "bind <name> <oid>")
	require.False(t, sh.exec([]string{"exit"}))
}
