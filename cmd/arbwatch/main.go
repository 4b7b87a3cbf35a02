// Arbwatch — a cross-venue and triangular crypto arbitrage monitor.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the app, waits for SIGINT/SIGTERM
//	app/app.go           — orchestrator: wires cache → venues → ingestion → deals → notifications
//	venue/rest.go        — descriptor-driven REST client for the supported exchanges
//	venue/ws.go          — WebSocket depth feeds with auto-reconnect
//	venue/registry.go    — concurrent venue setup, clients resolved on readiness
//	ingest/scheduler.go  — per-plan loops streaming order books into the cache
//	match/pair.go        — cross-venue matcher: walks asks vs bids for one symbol
//	match/engine.go      — triangular matcher: simulates a three-leg cycle with fees
//	deal/controller.go   — deal state machine: open/update/close with thresholds
//	deal/csvlog.go       — daily CSV files recording every closed deal
//	notify/…             — bounded queue, bot dispatcher, and the command poller
//	cache/…              — expiring key/value store (embedded memory or redis)
//
// The watcher never places orders on its own. It detects price spreads
// across venues (buy low on one, sell high on another) and profitable
// triangular cycles within one venue, tracks each opportunity as a deal
// from open to close, and reports them over the chat bot. Manual trades
// and transfers run only through the bot commands.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"arbwatch/internal/app"
	"arbwatch/internal/config"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start the watcher
	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create app", "error", err)
		os.Exit(1)
	}
	if err := a.Start(); err != nil {
		logger.Error("failed to start app", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	a.Stop()
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
