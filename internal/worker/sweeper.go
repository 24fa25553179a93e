package worker

import (
	"context"
	"log/slog"
	"time"
)

// runSweeper periodically removes expired job records and job directories
// older than the retention window.
func (w *Worker) runSweeper(ctx context.Context) {
	interval := w.cfg.Storage.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("Sweeper started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	ttl := w.cfg.Storage.RecordTTL()

	swept := w.storage.Sweep(ttl)

	purged, err := w.store.PurgeExpired(ctx)
	if err != nil {
		w.logger.Error("Failed to purge expired records", slog.String("error", err.Error()))
	}

	if swept > 0 || purged > 0 {
		w.logger.Info("Sweep finished",
			slog.Int("dirs_removed", swept),
			slog.Int64("records_purged", purged),
		)
	}
}
