package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/core/datastore"
	"github.com/sushant-115/gojotx/core/storage_engine/engine"
	"github.com/sushant-115/gojotx/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	dataDir    = flag.String("dir", "", "Store directory, overriding store.directory")
	engineName = flag.String("engine", "", "Storage engine (bolt or badger), overriding store.engine")
)

const shutdownTimeout = 5 * time.Second

func main() {
	log.SetFlags(0)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if *dataDir != "" {
		cfg.Store.Directory = *dataDir
	}
	if *engineName != "" {
		cfg.Store.Engine = *engineName
	}
	if *configPath == "" {
		// Keep the prompt readable unless logging was configured explicitly.
		cfg.Logger.OutputFile = "stderr"
		cfg.Logger.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zlogger, closeLogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer closeLogger()

	if err := run(cfg, zlogger, flag.Args()); err != nil {
		zlogger.Error("gojotx CLI failed", zap.Error(err))
		closeLogger()
		os.Exit(1)
	}
}

func run(cfg config.Config, zlogger *zap.Logger, args []string) (err error) {
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry, zlogger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, shutdownTelemetry(ctx))
	}()

	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter, cfg.Transaction.Level())
	if err != nil {
		return fmt.Errorf("failed to create transaction metrics: %w", err)
	}
	coord, err := transaction.NewCoordinator(cfg.Transaction.Coordinator(), metrics, tel.Tracer, zlogger)
	if err != nil {
		return err
	}

	store, err := engine.Open(cfg.Store, zlogger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, store.Close()) }()

	ds, err := datastore.New(store, zlogger)
	if err != nil {
		return err
	}

	sh := newShell(coord, ds, os.Stdout)
	defer func() {
		sh.close()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, ds.Shutdown(ctx))
	}()

	if len(args) > 0 {
		sh.exec(args)
		return nil
	}
	return interactive(sh)
}

func interactive(sh *shell) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "gojotx> ",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	fmt.Fprintln(sh.out, "gojotx CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if !sh.exec(args) {
			return nil
		}
		l.SetPrompt(sh.prompt())
	}
}
