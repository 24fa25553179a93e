package jobstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id         UUID PRIMARY KEY,
	job_type       TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at   TIMESTAMPTZ,
	expires_at     TIMESTAMPTZ NOT NULL,
	progress       INT NOT NULL DEFAULT 0,
	message        TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	input_count    INT NOT NULL DEFAULT 0,
	output_count   INT NOT NULL DEFAULT 0,
	filenames      TEXT[] NOT NULL DEFAULT '{}',
	download_names TEXT[] NOT NULL DEFAULT '{}',
	dispatch_token TEXT NOT NULL DEFAULT '',
	params         JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs (expires_at);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC, job_id DESC);
`

// EnsureSchema creates the jobs table and its indexes if they do not exist.
// Both services run it at startup; the statements are idempotent.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure job schema: %w", err)
	}
	return nil
}
