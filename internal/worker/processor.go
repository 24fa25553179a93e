package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/forge3d/gateway/internal/backend"
	"github.com/forge3d/gateway/internal/config"
	"github.com/forge3d/gateway/internal/domain"
)

// unitStore is the slice of the job store the processor needs.
type unitStore interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	SetProcessing(ctx context.Context, jobID, token string) error
	SetCompleted(ctx context.Context, jobID string, downloadNames []string, message string) error
	SetFailed(ctx context.Context, jobID, errText string) error
	UpdateProgress(ctx context.Context, jobID string, progress int, message string) error
	UpdateMessage(ctx context.Context, jobID, message string) error
	Heartbeat(ctx context.Context, jobID string) error
}

// unitPublisher republishes retry units.
type unitPublisher interface {
	PublishWithRetry(ctx context.Context, routingKey, messageID string, body []byte) error
}

// processor executes one dispatch unit at a time and owns the outcome: it
// records the terminal state or republishes a retry before the pool acks.
type processor struct {
	logger            *slog.Logger
	store             unitStore
	publisher         unitPublisher
	registry          *backend.Registry
	heartbeatInterval time.Duration
}

// processUnit claims the job, runs its backend under the soft time limit, and
// resolves the outcome. A nil return means the unit is done with and must be
// acked; a non-nil return means processing was interrupted before an outcome
// was recorded.
func (p *processor) processUnit(ctx context.Context, jt config.JobTypeConfig, unit *domain.DispatchUnit, token string) error {
	jobID := unit.JobID

	if err := p.store.SetProcessing(ctx, jobID, token); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// cancelled, expired, or already finished: drop the unit
			p.logger.Warn("Claim refused, dropping unit", slog.String("job_id", jobID))
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, jt.SoftTimeout)
	watchDone := make(chan struct{})
	defer func() { <-watchDone }()
	defer cancel()
	go p.watchJob(jobCtx, jobID, cancel, watchDone)

	b, err := p.resolveBackend(unit)
	if err != nil {
		p.fail(ctx, jobID, err)
		return nil
	}

	result, err := b.Process(jobCtx, &backend.Request{
		JobID:      jobID,
		InputPaths: unit.InputPaths,
		OutputDir:  unit.OutputDir,
		Params:     unit.Params,
		Progress: func(progress int, message string) {
			if updateErr := p.store.UpdateProgress(jobCtx, jobID, progress, message); updateErr != nil {
				p.logger.Debug("Progress update skipped",
					slog.String("job_id", jobID),
					slog.String("error", updateErr.Error()),
				)
			}
		},
	})

	if err != nil {
		return p.resolveFailure(ctx, jobCtx, jt, unit, token, err)
	}

	downloadNames := make([]string, len(result.OutputPaths))
	for i, path := range result.OutputPaths {
		downloadNames[i] = filepath.Base(path)
	}

	message := fmt.Sprintf("Successfully processed %d file(s)", len(downloadNames))
	if result.Note != "" {
		message += " (" + result.Note + ")"
	}

	if err := p.store.SetCompleted(ctx, jobID, downloadNames, message); err != nil {
		// the job left processing underneath us, likely a cancel race
		p.logger.Warn("Completion not recorded",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	p.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("job_type", unit.JobType),
		slog.Int("output_count", len(downloadNames)),
	)
	return nil
}

// resolveFailure decides between cancel, retry, and terminal failure.
func (p *processor) resolveFailure(ctx, jobCtx context.Context, jt config.JobTypeConfig, unit *domain.DispatchUnit, token string, procErr error) error {
	jobID := unit.JobID

	// worker shutdown: leave the unit for another worker
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// watcher-triggered cancellation: the record is no longer ours
	if errors.Is(jobCtx.Err(), context.Canceled) {
		p.logger.Info("Job cancelled during processing", slog.String("job_id", jobID))
		return nil
	}

	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		procErr = fmt.Errorf("processing exceeded the %s time limit", jt.SoftTimeout)
	}

	if domain.IsRetryable(procErr) && unit.Attempt < jt.MaxRetries {
		return p.retry(ctx, jt, unit, token, procErr)
	}

	p.fail(ctx, jobID, procErr)
	return nil
}

// retry republishes the unit with the attempt count bumped, after the
// configured delay. The original message is acked by the caller; the
// republished unit is the sole live copy.
func (p *processor) retry(ctx context.Context, jt config.JobTypeConfig, unit *domain.DispatchUnit, token string, procErr error) error {
	jobID := unit.JobID
	attempt := unit.Attempt + 1

	message := fmt.Sprintf("Retrying (attempt %d/%d)", attempt, jt.MaxRetries)
	if err := p.store.UpdateMessage(ctx, jobID, message); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// cancelled while we were failing, nothing to retry
			return nil
		}
		return fmt.Errorf("failed to record retry: %w", err)
	}

	p.logger.Warn("Job attempt failed, retrying",
		slog.String("job_id", jobID),
		slog.Int("attempt", attempt),
		slog.Int("max_retries", jt.MaxRetries),
		slog.String("error", procErr.Error()),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jt.RetryDelay):
	}

	next := *unit
	next.Attempt = attempt
	body, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidUnit, err)
	}

	if err := p.publisher.PublishWithRetry(ctx, jt.RoutingKey, token, body); err != nil {
		return fmt.Errorf("failed to republish retry: %w", err)
	}

	return nil
}

func (p *processor) fail(ctx context.Context, jobID string, procErr error) {
	text := failureText(procErr)
	if err := p.store.SetFailed(ctx, jobID, text); err != nil {
		p.logger.Warn("Failure not recorded",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.logger.Error("Job failed",
		slog.String("job_id", jobID),
		slog.String("error", text),
	)
}

// failureText unwraps the classification layer and bounds the stored text.
func failureText(err error) string {
	var fatal *domain.FatalError
	if errors.As(err, &fatal) {
		err = fatal.Err
	}
	var retryable *domain.RetryableError
	if errors.As(err, &retryable) {
		err = retryable.Err
	}

	text := err.Error()
	if len(text) > 500 {
		text = text[:500]
	}
	return text
}

func (p *processor) resolveBackend(unit *domain.DispatchUnit) (backend.Backend, error) {
	name := unit.Backend
	if name == "" {
		if unit.JobType == domain.JobTypeRembg {
			name = "local"
		} else {
			name = "gradio"
		}
	}

	b, err := p.registry.Lookup(name)
	if err != nil {
		return nil, &domain.FatalError{Err: fmt.Errorf("backend %q not configured on this worker", name)}
	}
	return b, nil
}

// watchJob keeps the record's heartbeat fresh and cancels the processing
// context as soon as the job stops being ours, which is how a DELETE from the
// gateway reaches a run already in flight.
func (p *processor) watchJob(ctx context.Context, jobID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	interval := p.heartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			job, err := p.store.Get(ctx, jobID)
			if err != nil || job.Status != domain.JobStatusProcessing {
				p.logger.Info("Job no longer processing, cancelling run",
					slog.String("job_id", jobID),
				)
				cancel()
				return
			}
			if err := p.store.Heartbeat(ctx, jobID); err != nil {
				p.logger.Debug("Heartbeat skipped",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
