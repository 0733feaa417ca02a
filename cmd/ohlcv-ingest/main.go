// OHLCV Ingest CLI
// This application incrementally ingests OHLCV (Open, High, Low, Close,
// Volume) candles from the Coinbase Exchange API into local storage, resuming
// each series from its persisted cursor.
//
// Usage:
//
//	ohlcv-ingest run --series BTC-USD:1m,ETH-USD:1h --lookback 72h
//	ohlcv-ingest run --series BTC-USD:1d --start 2024-01-01T00:00:00Z --end 2024-02-01T00:00:00Z
//	ohlcv-ingest backfill --series BTC-USD:1m
//	ohlcv-ingest status
//	ohlcv-ingest check --remote
//
// For detailed help on any command, use: ohlcv-ingest <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/johnayoung/go-ohlcv-ingest/internal/app"
	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "ohlcv-ingest"
	ConfigFile = "ohlcv-ingest.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitPartial     = 3
	ExitFatal       = 4
	ExitInterrupt   = 130
)

var storageTypes = []string{"duckdb", "postgres", "parquet", "memory"}

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func usageError(format string, args ...any) error {
	return exitWith(ExitUsageError, fmt.Errorf(format, args...))
}

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	output     string
	logLevel   string
	stderr     io.Writer

	// appOptions are passed to app.Build; tests use them to replace the
	// upstream client and the clock
	appOptions []app.Option
}

func main() {
	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// execute runs the command line and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...app.Option) int {
	root := newRootCmd(stderr, opts...)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", exit.err)
		}
		return exit.code
	}

	// flag and argument errors reported by cobra
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitUsageError
}

func newRootCmd(stderr io.Writer, opts ...app.Option) *cobra.Command {
	g := &globalOptions{stderr: stderr, appOptions: opts}

	root := &cobra.Command{
		Use:           AppName,
		Short:         "Incremental OHLCV candle ingestion from Coinbase",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.output != "text" && g.output != "json" {
				return usageError("invalid --output %q: expected text or json", g.output)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", ConfigFile, "configuration file (YAML, JSON or TOML)")
	flags.StringVarP(&g.output, "output", "o", "text", "output format: text or json")
	flags.StringVar(&g.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newRunCmd(g),
		newBackfillCmd(g),
		newStatusCmd(g),
		newCheckCmd(g),
	)
	return root
}

// open loads the configuration, applies flag overrides and assembles the
// application.
func (g *globalOptions) open(ctx context.Context, storageType string) (*app.App, error) {
	if storageType != "" && !slices.Contains(storageTypes, storageType) {
		return nil, usageError("invalid --storage %q: expected one of %v", storageType, storageTypes)
	}

	bootstrap := slog.New(slog.NewTextHandler(g.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := config.NewConfigManager(g.configPath, bootstrap).LoadConfig(ctx)
	if err != nil {
		return nil, exitWith(ExitConfigError, err)
	}

	if storageType != "" {
		cfg.Storage.Type = storageType
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}

	a, err := app.Build(ctx, cfg, g.appOptions...)
	if err != nil {
		return nil, exitWith(ExitConfigError, err)
	}
	return a, nil
}
