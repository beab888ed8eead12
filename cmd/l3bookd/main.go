// l3bookd replicates a single exchange product's level-3 order book from a
// REST snapshot and a streaming WebSocket feed, then logs every applied
// mutation until it is asked to stop.
//
// Architecture:
//
//	main.go                    — entry point: loads config, runs the bootstrap handshake, waits for SIGINT/SIGTERM
//	internal/config            — YAML + env var configuration (credentials, endpoints, rate limits)
//	internal/bookerr           — tagged error kinds shared across every component
//	internal/exchange          — REST client, WebSocket channel, wire-format decoding, rate limiting
//	internal/orderbook         — the order-book state machine (half-books, index, mutation algebra)
//	internal/bootstrap         — cache-then-snapshot-then-replay handshake and the live read loop
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"l3bookd/internal/bootstrap"
	"l3bookd/internal/config"
	"l3bookd/internal/exchange"
	"l3bookd/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("L3BOOK_CONFIG"); p != "" {
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

	logger := slog.New(newLogHandler(cfg.Logging.Level, cfg.Logging.Format))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restBucket := exchange.NewTokenBucket(cfg.RateLimit.Capacity, cfg.RateLimit.WaitPeriod)
	wsBucket := exchange.NewTokenBucket(cfg.RateLimit.Capacity, cfg.RateLimit.WaitPeriod)
	snapshotBackoff := exchange.NewBackOffBucket(cfg.Backoff.MinWait, cfg.Backoff.MaxWait)
	defer restBucket.Shutdown()
	defer wsBucket.Shutdown()

	restClient := exchange.NewClient(cfg.Endpoints.RESTBaseURL, restBucket)

	product, err := restClient.GetProduct(ctx, cfg.Product.ID)
	if err != nil {
		logger.Error("failed to fetch product metadata", "error", err, "product_id", cfg.Product.ID)
		os.Exit(1)
	}
	logger.Info("resolved product", "product_id", product.ID, "status", product.Status)

	wsURL := fmt.Sprintf("wss://%s:%d", cfg.Endpoints.WSDomain, cfg.Endpoints.WSPort)
	creds := exchange.Credentials{
		APIKey:     cfg.Credentials.APIKey,
		Secret:     cfg.Credentials.Secret,
		Passphrase: cfg.Credentials.Passphrase,
	}

	feed, err := exchange.Connect[exchange.Level3Message](ctx, wsURL, cfg.Product.ID, creds, wsBucket, logger)
	if err != nil {
		logger.Error("failed to connect websocket feed", "error", err)
		os.Exit(1)
	}

	builder := bootstrap.NewBuilder(restClient, feed, snapshotBackoff, logger)
	cob, err := builder.Build(ctx, bootstrap.Config{
		ProductID:  cfg.Product.ID,
		CacheDelay: cfg.Bootstrap.CacheDelay,
	})
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		feed.Close()
		os.Exit(1)
	}

	logger.Info("order book ready", "product_id", cfg.Product.ID, "sequence", cob.Book().Sequence)

	logEvent := func(ev types.NormalizedEvent) {
		logger.Debug("applied event",
			"kind", ev.Kind,
			"sequence", ev.Sequence,
			"best_bid", cob.Book().BestBid(),
			"best_ask", cob.Book().BestAsk(),
		)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- cob.Run(ctx, logEvent)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			logger.Error("order book read loop stopped", "error", err)
		}
	}

	if err := cob.Close(); err != nil {
		logger.Error("failed to close order book", "error", err)
	}
}

func newLogHandler(level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
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
