package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/forge3d/gateway/internal/backend"
	"github.com/forge3d/gateway/internal/config"
	"github.com/forge3d/gateway/internal/jobstore"
	"github.com/forge3d/gateway/internal/storage"
	"github.com/forge3d/gateway/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Store    *jobstore.Store
	Storage  *storage.Manager
	Rabbit   *rabbitmq.Client
	Registry *backend.Registry
	App      *config.Config
	WorkerID string
}

// Worker consumes dispatch units from the per-type queues and drives jobs
// through their lifecycle. One Worker process serves every configured job
// type, each with its own consumer and goroutine pool.
type Worker struct {
	logger    *slog.Logger
	store     *jobstore.Store
	storage   *storage.Manager
	rabbit    *rabbitmq.Client
	registry  *backend.Registry
	cfg       *config.Config
	workerID  string
	processor *processor
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:   cfg.Logger,
		store:    cfg.Store,
		storage:  cfg.Storage,
		rabbit:   cfg.Rabbit,
		registry: cfg.Registry,
		cfg:      cfg.App,
		workerID: cfg.WorkerID,
		processor: &processor{
			logger:            cfg.Logger,
			store:             cfg.Store,
			publisher:         cfg.Rabbit,
			registry:          cfg.Registry,
			heartbeatInterval: cfg.App.Worker.HeartbeatInterval,
		},
	}
}

// Run starts all worker subsystems and blocks until the context is canceled
// or one of them fails.
func (w *Worker) Run(ctx context.Context) error {
	channel := w.rabbit.GetChannel()
	if channel == nil {
		return fmt.Errorf("rabbitmq channel is nil")
	}

	// prefetch covers every pool slot so slots never starve
	prefetch := 0
	for _, jt := range w.cfg.JobTypes {
		prefetch += jt.Concurrency
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	for name, jt := range w.cfg.JobTypes {
		name, jt := name, jt

		units := make(chan unitMessage)

		deliveries, err := w.rabbit.Consume(jt.Queue, fmt.Sprintf("%s-%s", w.workerID, name))
		if err != nil {
			return fmt.Errorf("failed to consume %s: %w", jt.Queue, err)
		}

		g.Go(func() error {
			defer close(units)
			return w.dispatchDeliveries(ctx, name, deliveries, units)
		})

		for i := 0; i < jt.Concurrency; i++ {
			i := i
			g.Go(func() error {
				w.poolLoop(ctx, fmt.Sprintf("%s-%d", name, i), jt, units)
				return nil
			})
		}

		w.logger.Info("Job type consumer started",
			slog.String("job_type", name),
			slog.String("queue", jt.Queue),
			slog.Int("concurrency", jt.Concurrency),
		)
	}

	g.Go(func() error {
		w.runReaper(ctx)
		return nil
	})

	g.Go(func() error {
		w.runSweeper(ctx)
		return nil
	})

	w.logger.Info("Worker running",
		slog.String("worker_id", w.workerID),
		slog.Int("job_types", len(w.cfg.JobTypes)),
	)

	return g.Wait()
}
