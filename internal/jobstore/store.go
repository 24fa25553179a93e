package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/forge3d/gateway/internal/domain"
)

// jobColumns is the full projection selected everywhere.
const jobColumns = `
	job_id, job_type, status, created_at, updated_at, completed_at, expires_at,
	progress, message, error, input_count, output_count,
	filenames, download_names, dispatch_token, params
`

// Store is the durable job record store. It is the single source of truth:
// the gateway and every worker read and write through it, nothing caches a
// record across requests. All transitions are guarded conditional UPDATEs so
// races between workers and cancellation requests resolve to a consistent
// terminal state instead of corrupting one.
type Store struct {
	db     *sqlx.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore creates a Store with the given record time-to-live. A record past
// its expiry is indistinguishable from one that never existed.
func NewStore(db *sqlx.DB, ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		ttl:    ttl,
		logger: logger,
	}
}

// CreateParams carries everything captured at job creation. Params is an
// opaque JSON blob and is never mutated afterwards.
type CreateParams struct {
	JobID      string
	JobType    string
	InputCount int
	Filenames  []string
	Params     string
}

// Create inserts a new pending job record.
func (s *Store) Create(ctx context.Context, p CreateParams) (*domain.Job, error) {
	if len(p.Filenames) != p.InputCount {
		return nil, fmt.Errorf("filename count %d does not match input count %d", len(p.Filenames), p.InputCount)
	}

	query := `
		INSERT INTO jobs (
			job_id, job_type, status, created_at, updated_at, expires_at,
			progress, message, error, input_count, output_count,
			filenames, download_names, dispatch_token, params
		) VALUES (
			$1, $2, $3, NOW(), NOW(), NOW() + $4::interval,
			0, $5, '', $6, 0,
			$7, '{}', '', $8
		)
		RETURNING ` + jobColumns

	message := fmt.Sprintf("Queued for processing (%d file(s))", p.InputCount)
	interval := fmt.Sprintf("%f seconds", s.ttl.Seconds())

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		p.JobID,
		p.JobType,
		domain.JobStatusPending,
		interval,
		message,
		p.InputCount,
		pq.Array(p.Filenames),
		p.Params,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", p.JobID),
		slog.String("job_type", p.JobType),
		slog.Int("input_count", p.InputCount),
	)

	return &job, nil
}

// Get fetches a job record. Expired and deleted records both come back as
// domain.ErrJobNotFound.
func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1 AND expires_at > NOW()`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// SetDispatchToken records the identifier of the queued dispatch unit.
func (s *Store) SetDispatchToken(ctx context.Context, jobID, token string) error {
	query := `
		UPDATE jobs
		SET dispatch_token = $2, updated_at = NOW()
		WHERE job_id = $1 AND expires_at > NOW()
	`
	return s.exec(ctx, query, jobID, token)
}

// SetProcessing marks a job as claimed by a worker. It succeeds from pending
// and, idempotently, from processing (a redelivered unit re-claims with
// last-write-wins on the token). A cancelled, terminal, or missing record
// refuses the claim with ErrJobNotFound so the worker drops the unit.
func (s *Store) SetProcessing(ctx context.Context, jobID, token string) error {
	query := `
		UPDATE jobs
		SET status = $2, dispatch_token = $3, message = 'Processing started', updated_at = NOW()
		WHERE job_id = $1
		  AND status IN ($4, $2)
		  AND expires_at > NOW()
	`
	return s.exec(ctx, query, jobID, domain.JobStatusProcessing, token, domain.JobStatusPending)
}

// SetCompleted records a successful terminal transition. Only a processing
// job can complete; progress pins to 100 and completed_at is set exactly once.
func (s *Store) SetCompleted(ctx context.Context, jobID string, downloadNames []string, message string) error {
	query := `
		UPDATE jobs
		SET status = $2, progress = 100, output_count = $3, download_names = $4,
		    message = $5, completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $1
		  AND status = $6
		  AND expires_at > NOW()
	`
	if message == "" {
		message = fmt.Sprintf("Successfully processed %d file(s)", len(downloadNames))
	}
	return s.exec(ctx, query, jobID, domain.JobStatusCompleted,
		len(downloadNames), pq.Array(downloadNames), message, domain.JobStatusProcessing)
}

// SetFailed records a failed terminal transition. Only a processing job can
// fail; the error text is only ever written here, by the worker that
// exhausted the retry budget.
func (s *Store) SetFailed(ctx context.Context, jobID, errText string) error {
	query := `
		UPDATE jobs
		SET status = $2, error = $3, message = 'Processing failed',
		    completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $1
		  AND status = $4
		  AND expires_at > NOW()
	`
	return s.exec(ctx, query, jobID, domain.JobStatusFailed, errText,
		domain.JobStatusProcessing)
}

// SetCancelled cancels a pending or processing job. A job already in a
// terminal state reports ErrJobNotCancellable and is left untouched, which
// makes a cancel racing completion a harmless no-op.
func (s *Store) SetCancelled(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $2, message = 'Job cancelled by user',
		    completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $1
		  AND status IN ($3, $4)
		  AND expires_at > NOW()
	`
	res, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusCancelled,
		domain.JobStatusPending, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotCancellable
	}

	s.logger.Info("Job cancelled", slog.String("job_id", jobID))
	return nil
}

// UpdateProgress writes an advisory progress/message checkpoint. Progress
// never moves backwards; the GREATEST guard keeps late progress callbacks
// from undoing newer ones. Only a processing job accepts checkpoints, and
// advisory progress tops out at 99 so 100 always means completed.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int, message string) error {
	query := `
		UPDATE jobs
		SET progress = GREATEST(progress, $2), message = $3, updated_at = NOW()
		WHERE job_id = $1
		  AND status = $4
		  AND expires_at > NOW()
	`
	return s.exec(ctx, query, jobID, clampProgress(progress), message, domain.JobStatusProcessing)
}

// clampProgress bounds an advisory checkpoint to [0, 99]. 100 is reserved
// for SetCompleted.
func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 99 {
		return 99
	}
	return progress
}

// UpdateMessage replaces the human-readable message, latest wins.
func (s *Store) UpdateMessage(ctx context.Context, jobID, message string) error {
	query := `
		UPDATE jobs
		SET message = $2, updated_at = NOW()
		WHERE job_id = $1 AND expires_at > NOW()
	`
	return s.exec(ctx, query, jobID, message)
}

// Heartbeat refreshes updated_at on a processing job so the reaper can tell
// a live long-running job from a dead one.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET updated_at = NOW()
		WHERE job_id = $1 AND status = $2 AND expires_at > NOW()
	`
	return s.exec(ctx, query, jobID, domain.JobStatusProcessing)
}

// Delete removes the job record. Deleting an absent record is ErrJobNotFound.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1 AND expires_at > NOW()`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotFound
	}

	s.logger.Info("Job deleted", slog.String("job_id", jobID))
	return nil
}

// ListFilter narrows the List query.
type ListFilter struct {
	JobType  string
	Status   string
	PageSize int
	Cursor   *Cursor
}

// Cursor is a keyset pagination position (created_at, job_id descending).
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	JobID     string    `json:"job_id"`
}

// List returns up to PageSize+1 live jobs, newest first. The extra row lets
// the caller detect a further page.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE expires_at > NOW()`
	args := []interface{}{}
	argIdx := 1

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// FindStaleProcessing returns processing jobs whose last update is older than
// the cutoff. The reaper fails these: a job must never stay processing past
// its hard time limit.
func (s *Store) FindStaleProcessing(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 AND updated_at < $2`

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, domain.JobStatusProcessing, cutoff); err != nil {
		return nil, fmt.Errorf("failed to find stale jobs: %w", err)
	}

	return jobs, nil
}

// PurgeExpired deletes records past their expiry and reports how many went.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired jobs: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies store connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("job store health check failed: %w", err)
	}
	return nil
}

// exec runs a guarded update and maps zero affected rows to ErrJobNotFound.
// Updating a non-existent or expired job must never create a record.
func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotFound
	}

	return nil
}
