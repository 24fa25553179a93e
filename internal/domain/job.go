package domain

import (
	"time"

	"github.com/lib/pq"
)

// Job status constants
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Job type constants
const (
	JobTypeRembg   = "rembg"
	JobTypeTrellis = "trellis"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ValidJobType reports whether t names a known job type.
func ValidJobType(t string) bool {
	return t == JobTypeRembg || t == JobTypeTrellis
}

// Job is the canonical job record. The job store exclusively owns it;
// every reader re-fetches, nothing caches a copy across requests.
type Job struct {
	JobID         string         `db:"job_id"`
	JobType       string         `db:"job_type"`
	Status        string         `db:"status"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	CompletedAt   *time.Time     `db:"completed_at"`
	ExpiresAt     time.Time      `db:"expires_at"`
	Progress      int            `db:"progress"`
	Message       string         `db:"message"`
	Error         string         `db:"error"`
	InputCount    int            `db:"input_count"`
	OutputCount   int            `db:"output_count"`
	Filenames     pq.StringArray `db:"filenames"`
	DownloadNames pq.StringArray `db:"download_names"`
	DispatchToken string         `db:"dispatch_token"`
	Params        string         `db:"params"` // JSON, immutable after creation
}

// DispatchUnit is the message handed to the task queue. The queue owns it;
// the job record only keeps the dispatch token for cancellation.
type DispatchUnit struct {
	JobID      string   `json:"job_id"`
	JobType    string   `json:"job_type"`
	Backend    string   `json:"backend,omitempty"`
	InputPaths []string `json:"input_paths"`
	OutputDir  string   `json:"output_dir"`
	Params     string   `json:"params,omitempty"` // same JSON blob as Job.Params
	Attempt    int      `json:"attempt"`
}

// RembgParams are the background-removal parameters captured at creation.
type RembgParams struct {
	Model               string `json:"model"`
	AlphaMatting        bool   `json:"alpha_matting"`
	ForegroundThreshold int    `json:"alpha_matting_foreground_threshold"`
	BackgroundThreshold int    `json:"alpha_matting_background_threshold"`
}

// TrellisParams are the image-to-3D parameters captured at creation.
type TrellisParams struct {
	Backend     string `json:"backend"`
	Seed        int    `json:"seed"`
	TextureSize int    `json:"texture_size"`
	Optimize    bool   `json:"optimize"`
	MultiView   bool   `json:"multi_view"`
}
