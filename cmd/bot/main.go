// Whale Alerts — a notification engine for large prediction-market trades.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: poll → dedup → enrich → match → enqueue cycle
//	upstream/client.go   — data API trade poller + Gamma API market fetcher (batch with fan-out fallback)
//	upstream/ws.go       — optional live-activity trade socket with auto-reconnect
//	upstream/telegram.go — chat platform sender, classifies outcomes for the delivery queue
//	market/cache.go      — read-through metadata cache, taxonomy loader, categorization
//	filter/set.go        — hot-reloadable snapshot of active user filters
//	filter/match.go      — the per-user trade predicate
//	notify/queue.go      — paced single-worker delivery queue with retry and deactivation
//	store/store.go       — Badger document store: filters, markets, seen hashes, cursor
//
// How it works:
//
//	Every poll interval the engine asks the venue's public data API for the
//	most recent trades, drops the ones it has already seen, enriches the rest
//	with market titles and categories, and matches them against every active
//	user filter. Each match becomes one Telegram message, delivered through a
//	queue that respects both the platform-wide send rate and per-chat spacing.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"whale-alerts/internal/config"
	"whale-alerts/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("WHALE_CONFIG"); p != "" {
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

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	eng.Start()

	logger.Info("whale alerts started",
		"poll_interval", cfg.Feed.PollInterval,
		"global_min_notional", cfg.Feed.MinNotionalUSD,
		"ws_enabled", cfg.Feed.WSEnabled,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
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
