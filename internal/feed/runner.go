package feed

import (
	"context"
	"log/slog"
	"time"
)

// Runner polls the service on a fixed interval and optionally persists each
// snapshot. It is the long-running half; one-shot callers use Service.Fetch
// directly.
type Runner struct {
	svc      *Service
	logger   *slog.Logger
	interval time.Duration
	store    *Store
}

func NewRunner(svc *Service, logger *slog.Logger, interval time.Duration, store *Store) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Runner{svc: svc, logger: logger, interval: interval, store: store}
}

func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("feed started", "interval", r.interval.String())

	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("feed stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	snap, err := r.svc.Fetch(ctx, FetchOptions{})
	if err != nil {
		r.logger.Error("ingestion cycle failed", "err", err)
		return
	}
	r.logger.Info("ingestion cycle complete",
		"markets", len(snap.Markets),
		"source", snap.Source,
		"lastUpdated", snap.LastUpdated)

	if r.store != nil {
		if err := r.store.SaveSnapshot(ctx, snap); err != nil {
			r.logger.Error("snapshot persist failed", "err", err)
		}
	}
}
