package handler

import (
	"context"
	"log/slog"
	"mime/multipart"

	"github.com/forge3d/gateway/internal/backend"
	"github.com/forge3d/gateway/internal/config"
	"github.com/forge3d/gateway/internal/domain"
	"github.com/forge3d/gateway/internal/jobstore"
	"github.com/forge3d/gateway/internal/storage"
)

// JobStore is the slice of the job store the handlers need.
type JobStore interface {
	Create(ctx context.Context, p jobstore.CreateParams) (*domain.Job, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	SetDispatchToken(ctx context.Context, jobID, token string) error
	SetCancelled(ctx context.Context, jobID string) error
	Delete(ctx context.Context, jobID string) error
	List(ctx context.Context, filter jobstore.ListFilter) ([]domain.Job, error)
	HealthCheck(ctx context.Context) error
}

// FileStore is the slice of the blob storage manager the handlers need.
type FileStore interface {
	SaveUploads(jobID string, files []*multipart.FileHeader) ([]string, []string, error)
	JobOutputDir(jobID string) (string, error)
	Resolve(jobID, filename string, role storage.FileRole) (string, error)
	Cleanup(jobID string) bool
	Usage() map[string]int64
}

// Publisher is the slice of the queue client the handlers need.
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey, messageID string, body []byte) error
	ConsumerCount(queueName string) (int, error)
	IsConnected() bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     JobStore
	Storage   FileStore
	Publisher Publisher
	Registry  *backend.Registry
	Config    *config.Config
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     JobStore
	storage   FileStore
	publisher Publisher
	registry  *backend.Registry
	cfg       *config.Config
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		storage:   deps.Storage,
		publisher: deps.Publisher,
		registry:  deps.Registry,
		cfg:       deps.Config,
	}
}
