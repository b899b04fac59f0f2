// Package main provides the entry point for the veridata engine CLI.
// It runs one validation execution per invocation: schema document plus
// input file in, execution report and optional materialization out.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/veridata-io/veridata/internal/config"
	"github.com/veridata-io/veridata/internal/execution"
	"github.com/veridata-io/veridata/internal/ledger"
	"github.com/veridata-io/veridata/internal/materialize"
	"github.com/veridata-io/veridata/internal/metrics"
	"github.com/veridata-io/veridata/internal/schema"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return nil
	}

	cmd := os.Args[1]
	switch cmd {
	case "version", "-v", "--version":
		fmt.Printf("veridata version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	case "run":
		return cmdRun(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func printUsage() {
	fmt.Println(`veridata - Schema-Driven Validation & Materialization Engine

Usage:
  veridata run <schema-document> <input-file> [options]

Options for run:
  --strategy-override S   Override every destination's strategy for this
                          run (upsert, delete_insert, append,
                          truncate_insert, full)
  --destinations FILE     JSON file mapping catalog id to destination
                          config
  --dry-run               Validate and report only; skip ledger and
                          materialization

Other commands:
  version     Show version information
  help        Show this help message

Exit code 0 on Success or Partial outcome, 1 on Failed or fatal error.
The execution report path is printed to standard output.`)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	strategyOverride := fs.String("strategy-override", "", "override destination strategy for this run")
	destinationsPath := fs.String("destinations", "", "JSON file with per-catalog destination configs")
	dryRun := fs.Bool("dry-run", false, "validate and report only")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 2 {
		return fmt.Errorf("usage: veridata run <schema-document> <input-file> [options]")
	}
	schemaPath := fs.Arg(0)
	inputPath := fs.Arg(1)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if cfg.Metrics.Enabled {
		metrics.Register(prometheus.DefaultRegisterer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	doc, err := schema.LoadFile(schemaPath)
	if err != nil {
		return err
	}

	opts := execution.Options{
		PartialRatio: cfg.Engine.PartialRatio,
		Concurrency:  cfg.Engine.CatalogConcurrency,
		DryRun:       *dryRun,
	}

	if *strategyOverride != "" {
		strategy, err := materialize.ParseStrategy(*strategyOverride)
		if err != nil {
			return err
		}
		opts.StrategyOverride = strategy
	}

	if *destinationsPath != "" {
		opts.Materialization, err = loadDestinations(*destinationsPath, cfg.Storage)
		if err != nil {
			return err
		}
	}

	store, err := openLedger(ctx, cfg, *dryRun, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	engine := materialize.NewEngine(cfg.Retry.Policy(), nil, logger)
	runner := execution.NewRunner(cfg.Engine.WorkDirRoot, cfg.Engine.Channel, engine, store, logger)

	run, err := runner.Run(ctx, doc, inputPath, opts)
	if err != nil {
		return err
	}

	fmt.Println(run.ReportPath)

	if run.Report.Summary.Status == "Failed" {
		return fmt.Errorf("execution %s failed: %d error(s)", run.Execution.ID, run.Report.Summary.Errors)
	}
	return nil
}

// loadDestinations reads the per-catalog destination config file.
// Object-store destinations that leave the location blank inherit the
// storage connection from the environment, so the file only has to
// carry per-catalog settings.
func loadDestinations(path string, storage config.StorageConfig) (map[string]materialize.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read destinations file: %w", err)
	}

	var configs map[string]materialize.Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse destinations file: %w", err)
	}

	for id, dc := range configs {
		if dc.Kind == materialize.KindObjectStore && dc.Location.Endpoint == "" {
			dc.Location = storage.Location()
			configs[id] = dc
		}
	}
	return configs, nil
}

// openLedger connects the persistent ledger when enabled. Dry runs and
// disabled ledgers run without one.
func openLedger(ctx context.Context, cfg *config.Config, dryRun bool, logger *slog.Logger) (ledger.Store, error) {
	if dryRun || !cfg.Ledger.Enabled {
		return nil, nil
	}

	store, err := ledger.NewPostgresStore(ctx, ledger.PostgresConfig{
		DSN:          cfg.Ledger.DSN(),
		MaxOpenConns: cfg.Ledger.MaxOpenConns,
		MaxIdleConns: cfg.Ledger.MaxIdleConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	return store, nil
}
