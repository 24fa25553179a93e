package worker

import (
	"context"
	"log/slog"
	"time"
)

// runReaper periodically fails processing jobs whose heartbeat went stale
// past their type's hard time limit. This is the backstop for crashed
// workers; a live run keeps its record fresh and is never touched.
func (w *Worker) runReaper(ctx context.Context) {
	interval := w.cfg.Worker.ReaperInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("Reaper started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			w.reapStale(ctx)
		}
	}
}

func (w *Worker) reapStale(ctx context.Context) {
	cutoff := time.Now().Add(-w.shortestHardTimeout())

	stale, err := w.store.FindStaleProcessing(ctx, cutoff)
	if err != nil {
		w.logger.Error("Failed to query stale jobs", slog.String("error", err.Error()))
		return
	}

	for _, job := range stale {
		jt, ok := w.cfg.JobTypes[job.JobType]
		if !ok {
			continue
		}
		if time.Since(job.UpdatedAt) < jt.HardTimeout {
			continue
		}

		if err := w.store.SetFailed(ctx, job.JobID, "processing exceeded the hard time limit"); err != nil {
			w.logger.Warn("Failed to reap stale job",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}

		w.logger.Warn("Reaped stale job",
			slog.String("job_id", job.JobID),
			slog.String("job_type", job.JobType),
			slog.Duration("stale_for", time.Since(job.UpdatedAt)),
		)
	}
}

func (w *Worker) shortestHardTimeout() time.Duration {
	var min time.Duration
	for _, jt := range w.cfg.JobTypes {
		if min == 0 || jt.HardTimeout < min {
			min = jt.HardTimeout
		}
	}
	if min == 0 {
		min = 10 * time.Minute
	}
	return min
}
