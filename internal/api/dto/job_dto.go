package dto

// CreateJobResponse is returned on job submission with 202 Accepted.
type CreateJobResponse struct {
	JobID     string `json:"job_id"`
	JobType   string `json:"job_type"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	Message   string `json:"message"`
}

// JobResponse is the full job projection.
type JobResponse struct {
	JobID        string   `json:"job_id"`
	JobType      string   `json:"job_type"`
	Status       string   `json:"status"`
	Progress     int      `json:"progress"`
	Message      string   `json:"message"`
	Error        string   `json:"error,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	CompletedAt  *string  `json:"completed_at,omitempty"`
	InputCount   int      `json:"input_count"`
	OutputCount  int      `json:"output_count"`
	Filenames    []string `json:"filenames"`
	DownloadURLs []string `json:"download_urls,omitempty"`
}

// ListJobsRequest carries the query parameters of the list endpoint.
type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListJobsResponse is a page of jobs with an opaque continuation cursor.
type ListJobsResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// HealthResponse reports component health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Components map[string]string `json:"components"`
	Workers    map[string]int    `json:"workers,omitempty"`
}

// StatsResponse reports storage usage.
type StatsResponse struct {
	UsageBytes     map[string]int64 `json:"usage_bytes"`
	RecordTTLHours float64          `json:"record_ttl_hours"`
}
