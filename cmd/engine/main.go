// Command engine runs the trading engine core: a single-threaded event loop
// driving order book maintenance, risk-gated order placement across one or
// more venues, the built-in Avellaneda-Stoikov market maker, and state
// persistence, controlled over a line-oriented stdio command protocol or
// (with --mode service) the HTTP/WebSocket gateway.
//
// Architecture:
//
//	main.go        — entry point: cobra root command, config load, logger, signal handling
//	app.go         — orchestrator: wires every internal/* module, runs the command loop
//	provider.go    — adapters bridging the wired components into strategy.OrderGateway and gateway.EngineStatusProvider
package main

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tradecore/engine/internal/config"
	"github.com/tradecore/engine/internal/persistence"
)

// Process exit codes.
const (
	exitOK              = 0
	exitInitFailure     = 2 // fatal initialization failure
	exitStateCorrupt    = 3 // snapshots on disk, none valid
	exitSignalInterrupt = 130
	exitSignalTerm      = 143
)

var (
	cfgPath      string
	modeOverride string
	snapshotDir  string
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(exitInitFailure)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Run the trading engine core",
		RunE:  runEngine,
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "configs/config.yaml", "path to the engine configuration file")
	cmd.PersistentFlags().StringVar(&modeOverride, "mode", "", "override config Mode (stdio|service)")
	cmd.PersistentFlags().StringVar(&snapshotDir, "snapshot-dir", "", "override config Snapshot.Dir")
	return cmd
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(exitInitFailure)
	}
	if modeOverride != "" {
		cfg.Mode = modeOverride
	}
	if snapshotDir != "" {
		cfg.Snapshot.Dir = snapshotDir
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(exitInitFailure)
	}

	logger := buildLogger(cfg.Logging)

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.Error("failed to construct engine", "error", err)
		if errors.Is(err, persistence.ErrNoValidSnapshot) {
			os.Exit(exitStateCorrupt)
		}
		os.Exit(exitInitFailure)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("engine starting", "mode", cfg.Mode, "venues", len(cfg.Venues), "dry_run", cfg.DryRun)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- app.Run(ctx, bufio.NewScanner(os.Stdin))
	}()

	var sig os.Signal
	select {
	case sig = <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("command loop exited", "error", err)
		}
	}

	app.Shutdown()

	switch sig {
	case syscall.SIGINT:
		os.Exit(exitSignalInterrupt)
	case syscall.SIGTERM:
		os.Exit(exitSignalTerm)
	}
	os.Exit(exitOK)
	return nil
}

// buildLogger writes to stderr: stdout belongs to the NDJSON event stream
// and must never carry log lines.
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
