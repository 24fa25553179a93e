package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/forge3d/gateway/internal/api/dto"
	"github.com/forge3d/gateway/internal/domain"
	"github.com/forge3d/gateway/internal/jobstore"
	"github.com/forge3d/gateway/internal/storage"
)

var rembgModels = map[string]bool{
	"u2net":             true,
	"u2netp":            true,
	"u2net_human_seg":   true,
	"u2net_cloth_seg":   true,
	"silueta":           true,
	"isnet-general-use": true,
	"isnet-anime":       true,
}

var textureSizes = map[int]bool{512: true, 1024: true, 2048: true}

var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".glb":  "model/gltf-binary",
	".gltf": "model/gltf+json",
	".obj":  "text/plain",
	".ply":  "application/octet-stream",
}

// CreateRembgJob handles POST /api/v1/jobs/rembg
// Accepts a multipart batch of images for background removal
func (h *JobHandler) CreateRembgJob(c *gin.Context) {
	params, err := parseRembgParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.createJob(c, domain.JobTypeRembg, "", params)
}

// CreateTrellisJob handles POST /api/v1/jobs/trellis
// Accepts a multipart batch of images for image-to-3D conversion
func (h *JobHandler) CreateTrellisJob(c *gin.Context) {
	params, err := parseTrellisParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// reject unknown variants before anything is persisted
	if _, err := h.registry.Lookup(params.Backend); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("backend %q is not configured, available: %s",
				params.Backend, strings.Join(h.registry.Names(), ", ")),
		})
		return
	}

	h.createJob(c, domain.JobTypeTrellis, params.Backend, params)
}

func (h *JobHandler) createJob(c *gin.Context, jobType, backendName string, params any) {
	files, err := h.formFiles(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode parameters"})
		return
	}

	jobID := uuid.New().String()

	inputPaths, filenames, err := h.storage.SaveUploads(jobID, files)
	if err != nil {
		h.storage.Cleanup(jobID)
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		h.logger.Error("Failed to save uploads", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save uploads"})
		return
	}

	job, err := h.store.Create(c.Request.Context(), jobstore.CreateParams{
		JobID:      jobID,
		JobType:    jobType,
		InputCount: len(inputPaths),
		Filenames:  filenames,
		Params:     string(paramsJSON),
	})
	if err != nil {
		h.storage.Cleanup(jobID)
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	if err := h.dispatch(c, job, backendName, inputPaths, string(paramsJSON)); err != nil {
		h.storage.Cleanup(jobID)
		h.store.Delete(c.Request.Context(), jobID)
		h.logger.Error("Failed to dispatch job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to dispatch job"})
		return
	}

	h.logger.Info("Job accepted",
		slog.String("job_id", jobID),
		slog.String("job_type", jobType),
		slog.Int("input_count", len(inputPaths)),
	)

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:     job.JobID,
		JobType:   job.JobType,
		Status:    job.Status,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		Message:   fmt.Sprintf("Job queued with %d file(s)", len(inputPaths)),
	})
}

func (h *JobHandler) dispatch(c *gin.Context, job *domain.Job, backendName string, inputPaths []string, paramsJSON string) error {
	outputDir, err := h.storage.JobOutputDir(job.JobID)
	if err != nil {
		return err
	}

	token := uuid.New().String()
	if err := h.store.SetDispatchToken(c.Request.Context(), job.JobID, token); err != nil {
		return err
	}

	unit := domain.DispatchUnit{
		JobID:      job.JobID,
		JobType:    job.JobType,
		Backend:    backendName,
		InputPaths: inputPaths,
		OutputDir:  outputDir,
		Params:     paramsJSON,
		Attempt:    0,
	}

	body, err := json.Marshal(unit)
	if err != nil {
		return err
	}

	jt, ok := h.cfg.JobTypes[job.JobType]
	if !ok {
		return fmt.Errorf("no queue configured for job type %s", job.JobType)
	}

	return h.publisher.PublishWithRetry(c.Request.Context(), jt.RoutingKey, token, body)
}

func (h *JobHandler) formFiles(c *gin.Context) ([]*multipart.FileHeader, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, domain.NewValidationError("expected multipart form data")
	}

	files := form.File["files"]
	if len(files) == 0 {
		return nil, domain.NewValidationError("at least one file is required")
	}
	if max := h.cfg.Storage.MaxFilesPerRequest; len(files) > max {
		return nil, domain.NewValidationError("too many files: %d, max is %d", len(files), max)
	}

	return files, nil
}

func parseRembgParams(c *gin.Context) (*domain.RembgParams, error) {
	params := &domain.RembgParams{
		Model:               c.DefaultPostForm("model", "u2net"),
		ForegroundThreshold: 240,
		BackgroundThreshold: 10,
	}

	if !rembgModels[params.Model] {
		return nil, domain.NewValidationError("unknown model: %s", params.Model)
	}

	var err error
	if params.AlphaMatting, err = parseBoolForm(c, "alpha_matting", false); err != nil {
		return nil, err
	}
	if params.ForegroundThreshold, err = parseIntForm(c, "alpha_matting_foreground_threshold", 240, 0, 255); err != nil {
		return nil, err
	}
	if params.BackgroundThreshold, err = parseIntForm(c, "alpha_matting_background_threshold", 10, 0, 255); err != nil {
		return nil, err
	}

	return params, nil
}

func parseTrellisParams(c *gin.Context) (*domain.TrellisParams, error) {
	params := &domain.TrellisParams{
		Backend: c.DefaultPostForm("backend", "gradio"),
	}

	var err error
	if params.Seed, err = parseIntForm(c, "seed", 1, 0, 1<<31-1); err != nil {
		return nil, err
	}
	if params.TextureSize, err = parseIntForm(c, "texture_size", 2048, 0, 1<<31-1); err != nil {
		return nil, err
	}
	if !textureSizes[params.TextureSize] {
		return nil, domain.NewValidationError("texture_size must be 512, 1024 or 2048")
	}
	if params.Optimize, err = parseBoolForm(c, "optimize", true); err != nil {
		return nil, err
	}

	return params, nil
}

func parseBoolForm(c *gin.Context, field string, def bool) (bool, error) {
	raw := c.PostForm(field)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.NewValidationError("%s must be a boolean", field)
	}
	return v, nil
}

func parseIntForm(c *gin.Context, field string, def, min, max int) (int, error) {
	raw := c.PostForm(field)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, domain.NewValidationError("%s must be an integer between %d and %d", field, min, max)
	}
	return v, nil
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, h.toJobResponse(job))
}

func (h *JobHandler) toJobResponse(job *domain.Job) dto.JobResponse {
	resp := dto.JobResponse{
		JobID:       job.JobID,
		JobType:     job.JobType,
		Status:      job.Status,
		Progress:    job.Progress,
		Message:     job.Message,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
		InputCount:  job.InputCount,
		OutputCount: job.OutputCount,
		Filenames:   job.Filenames,
	}

	if job.CompletedAt != nil {
		s := job.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}

	if job.Status == domain.JobStatusCompleted {
		for _, name := range job.DownloadNames {
			resp.DownloadURLs = append(resp.DownloadURLs,
				fmt.Sprintf("/api/v1/jobs/%s/download/%s", job.JobID, name))
		}
	}

	return resp
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), jobstore.ListFilter{
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobResponse, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = h.toJobResponse(&jobs[i])
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&jobstore.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// DownloadFile handles GET /api/v1/jobs/:job_id/download/:filename
// Streams one output file of a completed job
func (h *JobHandler) DownloadFile(c *gin.Context) {
	jobID := c.Param("job_id")
	filename := c.Param("filename")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	if job.Status != domain.JobStatusCompleted {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("job is not completed (status: %s)", job.Status),
		})
		return
	}

	path, err := h.storage.Resolve(jobID, filename, storage.RoleOutput)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	ct, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		ct = "application/octet-stream"
	}

	c.Header("Content-Type", ct)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	c.File(path)
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Cancels the job if still live, then removes its files and record
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	// best-effort cancel; a terminal job is deleted as-is
	if err := h.store.SetCancelled(c.Request.Context(), jobID); err != nil &&
		!errors.Is(err, domain.ErrJobNotCancellable) && !errors.Is(err, domain.ErrJobNotFound) {
		h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
	}

	h.storage.Cleanup(jobID)

	if err := h.store.Delete(c.Request.Context(), jobID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("Failed to delete job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete job"})
		return
	}

	h.logger.Info("Job deleted", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "message": "Job cancelled and removed"})
}

// Health handles GET /health
func (h *JobHandler) Health(c *gin.Context) {
	resp := dto.HealthResponse{
		Status:     "healthy",
		Service:    h.cfg.App.Name,
		Components: map[string]string{},
		Workers:    map[string]int{},
	}

	if err := h.store.HealthCheck(c.Request.Context()); err != nil {
		resp.Components["store"] = "down"
		resp.Status = "unhealthy"
	} else {
		resp.Components["store"] = "up"
	}

	totalConsumers := 0
	if h.publisher.IsConnected() {
		resp.Components["queue"] = "up"
		for name, jt := range h.cfg.JobTypes {
			n, err := h.publisher.ConsumerCount(jt.Queue)
			if err != nil {
				continue
			}
			resp.Workers[name] = n
			totalConsumers += n
		}
	} else {
		resp.Components["queue"] = "down"
		resp.Status = "unhealthy"
	}

	if resp.Status == "healthy" && totalConsumers == 0 {
		resp.Status = "degraded"
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// Stats handles GET /stats
func (h *JobHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, dto.StatsResponse{
		UsageBytes:     h.storage.Usage(),
		RecordTTLHours: h.cfg.Storage.RecordTTL().Hours(),
	})
}
