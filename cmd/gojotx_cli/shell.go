package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sushant-115/gojotx/core/datastore"
	"github.com/sushant-115/gojotx/core/transaction"
)

// autoCommitAttempts bounds retries of a command run outside begin/commit.
const autoCommitAttempts = 5

// interactiveTimeout applies to begin without an argument. Commands typed by
// hand routinely take longer than the coordinator's bounded default.
const interactiveTimeout = transaction.Unbounded

// shell runs commands against the data store. Commands between begin and
// commit share one transaction; any other command commits on its own.
type shell struct {
	coord *transaction.Coordinator
	ds    *datastore.DataStore
	out   io.Writer
	// current is the open transaction started by begin, if any.
	current *transaction.Handle
}

func newShell(coord *transaction.Coordinator, ds *datastore.DataStore, out io.Writer) *shell {
	return &shell{coord: coord, ds: ds, out: out}
}

func (s *shell) prompt() string {
	if s.current != nil {
		return "gojotx(txn)> "
	}
	return "gojotx> "
}

// exec runs one command and reports whether the shell should keep going.
func (s *shell) exec(args []string) bool {
	command := strings.ToLower(args[0])
	switch command {
	case "exit", "quit":
		fmt.Fprintln(s.out, "Exiting gojotx CLI.")
		return false
	case "help":
		s.help()
	case "begin":
		s.begin(args[1:])
	case "commit":
		s.commit()
	case "abort":
		s.abort()
	case "new", "get", "set", "remove", "bind", "unbind", "lookup", "names", "objects":
		if err := s.run(func(tx transaction.Transaction) error { return s.dispatch(tx, command, args[1:]) }); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	default:
		fmt.Fprintln(s.out, "Error: Unknown command. Type 'help' for a list of commands.")
	}
	return true
}

func (s *shell) help() {
	fmt.Fprintln(s.out, "Commands:")
	fmt.Fprintln(s.out, "  begin [timeout_ms]")
	fmt.Fprintln(s.out, "  commit")
	fmt.Fprintln(s.out, "  abort")
	fmt.Fprintln(s.out, "  new <value>")
	fmt.Fprintln(s.out, "  get <oid>")
	fmt.Fprintln(s.out, "  set <oid> <value>")
	fmt.Fprintln(s.out, "  remove <oid>")
	fmt.Fprintln(s.out, "  bind <name> <oid>")
	fmt.Fprintln(s.out, "  unbind <name>")
	fmt.Fprintln(s.out, "  lookup <name>")
	fmt.Fprintln(s.out, "  names")
	fmt.Fprintln(s.out, "  objects")
	fmt.Fprintln(s.out, "  help")
	fmt.Fprintln(s.out, "  exit / quit")
}

func (s *shell) begin(args []string) {
	if s.current != nil {
		fmt.Fprintln(s.out, "Error: a transaction is already open.")
		return
	}
	timeout := interactiveTimeout
	if len(args) > 0 {
		ms, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || ms <= 0 {
			fmt.Fprintf(s.out, "Error: invalid timeout %q.\n", args[0])
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	h, err := s.coord.CreateTransaction(timeout)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	s.current = h
	fmt.Fprintf(s.out, "Began %s\n", h.Transaction())
}

func (s *shell) commit() {
	if s.current == nil {
		fmt.Fprintln(s.out, "Error: no open transaction.")
		return
	}
	h := s.current
	s.current = nil
	if err := h.Commit(context.Background()); err != nil {
		fmt.Fprintf(s.out, "Error: commit failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "Committed.")
}

func (s *shell) abort() {
	if s.current == nil {
		fmt.Fprintln(s.out, "Error: no open transaction.")
		return
	}
	tx := s.current.Transaction()
	s.current = nil
	if err := tx.Abort(errors.New("aborted from the shell")); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "Aborted.")
}

// close aborts the open transaction, if any.
func (s *shell) close() {
	if s.current != nil {
		s.abort()
	}
}

// run applies fn to the open transaction, or to a fresh one that is committed
// and retried when it loses a conflict.
func (s *shell) run(fn func(transaction.Transaction) error) error {
	if s.current == nil {
		return s.coord.RunWithRetry(context.Background(), s.coord.DefaultTimeout(), autoCommitAttempts, fn)
	}
	tx := s.current.Transaction()
	err := fn(tx)
	if tx.IsAborted() {
		s.current = nil
		return fmt.Errorf("transaction aborted: %w", tx.AbortCause())
	}
	return err
}

func (s *shell) dispatch(tx transaction.Transaction, command string, args []string) error {
	switch command {
	case "new":
		if len(args) < 1 {
			return errors.New("new requires a value")
		}
		oid, err := s.ds.CreateObject(tx, []byte(strings.Join(args, " ")))
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Created object %d\n", oid)
	case "get":
		oid, err := oidArg(args, "get requires an object id")
		if err != nil {
			return err
		}
		v, err := s.ds.GetObject(tx, oid, false)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%d = %q\n", oid, v)
	case "set":
		oid, err := oidArg(args, "set requires an object id and a value")
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return errors.New("set requires an object id and a value")
		}
		if err := s.ds.SetObject(tx, oid, []byte(strings.Join(args[1:], " "))); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "remove":
		oid, err := oidArg(args, "remove requires an object id")
		if err != nil {
			return err
		}
		if err := s.ds.RemoveObject(tx, oid); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "bind":
		if len(args) < 2 {
			return errors.New("bind requires a name and an object id")
		}
		oid, err := oidArg(args[1:], "bind requires a name and an object id")
		if err != nil {
			return err
		}
		if err := s.ds.SetBinding(tx, args[0], oid); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "unbind":
		if len(args) < 1 {
			return errors.New("unbind requires a name")
		}
		if err := s.ds.RemoveBinding(tx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "lookup":
		if len(args) < 1 {
			return errors.New("lookup requires a name")
		}
		oid, err := s.ds.GetBinding(tx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s -> %d\n", args[0], oid)
	case "names":
		name, ok, err := s.ds.NextBoundName(tx, "")
		for ; err == nil && ok; name, ok, err = s.ds.NextBoundName(tx, name) {
			oid, err := s.ds.GetBinding(tx, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "%s -> %d\n", name, oid)
		}
		return err
	case "objects":
		oid, err := s.ds.NextObjectID(tx, -1)
		for ; err == nil && oid != -1; oid, err = s.ds.NextObjectID(tx, oid) {
			fmt.Fprintln(s.out, oid)
		}
		return err
	}
	return nil
}

func oidArg(args []string, usage string) (int64, error) {
	if len(args) < 1 {
		return 0, errors.New(usage)
	}
	oid, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid object id %q", args[0])
	}
	return oid, nil
}
