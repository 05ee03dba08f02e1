// Command markets runs a single ingestion cycle and prints the snapshot as
// JSON, mainly for debugging a deployment's RPC and proxy configuration.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stratosfi/perpfeed/internal/config"
	"github.com/stratosfi/perpfeed/internal/feed"
	"github.com/stratosfi/perpfeed/internal/idl"
	"github.com/stratosfi/perpfeed/internal/logging"
	"github.com/stratosfi/perpfeed/internal/perps"
	"github.com/stratosfi/perpfeed/internal/proxy"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	forceLive := flag.Bool("force-live", false, "fail instead of serving the fallback dataset")
	compact := flag.Bool("compact", false, "print the snapshot without indentation")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadFeedConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// Keep stdout clean for the JSON output.
	cfg.Log.Output = "console"
	logger, closeLogger, err := logging.New("markets", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		_ = closeLogger()
	}()

	raw := perps.DefaultInterface
	if cfg.IDLPath != "" {
		body, err := os.ReadFile(cfg.IDLPath)
		if err != nil {
			logger.Error("failed to read interface description", "path", cfg.IDLPath, "err", err)
			os.Exit(1)
		}
		raw = body
	}
	registry, err := idl.BuildRegistry(raw)
	if err != nil {
		logger.Error("failed to build layout registry", "err", err)
		os.Exit(1)
	}

	client, err := feed.NewRPCClient(cfg.RPCURL, cfg.ProxyURL, cfg.RequestTimeout, proxy.NewFactory())
	if err != nil {
		logger.Error("failed to build rpc client", "err", err)
		os.Exit(1)
	}

	var fallback feed.Provider
	if cfg.FallbackPath != "" {
		fallback = feed.NewFileProvider(cfg.FallbackPath)
	}

	svc, err := feed.NewService(feed.Params{
		Logger:         logger,
		Client:         client,
		Registry:       registry,
		Pool:           cfg.PoolAddress,
		Commitment:     cfg.Commitment,
		RequestTimeout: cfg.RequestTimeout,
		MaxSlotDrift:   cfg.MaxSlotDrift,
		Fallback:       fallback,
		Symbols:        cfg.Symbols,
	})
	if err != nil {
		logger.Error("failed to initialize feed service", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snap, err := svc.Fetch(ctx, feed.FetchOptions{ForceLive: *forceLive})
	if err != nil {
		logger.Error("fetch failed", "err", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	if !*compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(snap); err != nil {
		logger.Error("encode snapshot", "err", err)
		os.Exit(1)
	}
}
