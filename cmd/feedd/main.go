package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratosfi/perpfeed/internal/config"
	"github.com/stratosfi/perpfeed/internal/feed"
	"github.com/stratosfi/perpfeed/internal/idl"
	"github.com/stratosfi/perpfeed/internal/logging"
	"github.com/stratosfi/perpfeed/internal/perps"
	"github.com/stratosfi/perpfeed/internal/proxy"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadFeedConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("feedd", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	registry, err := buildLayoutRegistry(cfg.IDLPath)
	if err != nil {
		logger.Error("failed to build layout registry", "err", err)
		os.Exit(1)
	}

	client, err := feed.NewRPCClient(cfg.RPCURL, cfg.ProxyURL, cfg.RequestTimeout, proxy.NewFactory())
	if err != nil {
		logger.Error("failed to build rpc client", "err", err)
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := feed.NewMetrics(promRegistry)

	var store *feed.Store
	if cfg.DBDSN != "" {
		store, err = feed.NewStore(cfg.DBDSN)
		if err != nil {
			logger.Error("failed to open snapshot store", "err", err)
			os.Exit(1)
		}
		defer store.Close()
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
		Metrics:        metrics,
		Symbols:        cfg.Symbols,
	})
	if err != nil {
		logger.Error("failed to initialize feed service", "err", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
			if serveErr := http.ListenAndServe(cfg.MetricsAddr, mux); serveErr != nil {
				logger.Error("metrics listener exited", "err", serveErr)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := feed.NewRunner(svc, logger, cfg.PollInterval, store)
	if err := runner.Run(ctx); err != nil {
		logger.Error("feed exited with error", "err", err)
		os.Exit(1)
	}
}

func buildLayoutRegistry(idlPath string) (*idl.Registry, error) {
	raw := perps.DefaultInterface
	if idlPath != "" {
		body, err := os.ReadFile(idlPath)
		if err != nil {
			return nil, err
		}
		raw = body
	}
	return idl.BuildRegistry(raw)
}
