package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forge3d/gateway/internal/domain"
)

// RemoteTrellis drives a self-hosted image-to-3D endpoint with an async
// submit/poll contract: POST /run returns a submission id, GET /status/{id}
// is polled until a terminal status, and the finished model comes back
// base64-encoded in the status payload.
type RemoteTrellis struct {
	endpointURL  string
	apiKey       string
	pollInterval time.Duration
	timeout      time.Duration
	client       *http.Client
	logger       *slog.Logger
}

func NewRemoteTrellis(endpointURL, apiKey string, pollInterval, timeout time.Duration, logger *slog.Logger) *RemoteTrellis {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &RemoteTrellis{
		endpointURL:  strings.TrimSuffix(endpointURL, "/"),
		apiKey:       apiKey,
		pollInterval: pollInterval,
		timeout:      timeout,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
}

type remoteSubmitRequest struct {
	Input remoteSubmitInput `json:"input"`
}

type remoteSubmitInput struct {
	Images      []string `json:"images"`
	Seed        int      `json:"seed"`
	TextureSize int      `json:"texture_size"`
	Optimize    bool     `json:"optimize"`
}

type remoteStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
	Output struct {
		GLB string `json:"glb"`
	} `json:"output"`
}

func (b *RemoteTrellis) Process(ctx context.Context, req *Request) (*Result, error) {
	var params domain.TrellisParams
	if req.Params != "" {
		if err := json.Unmarshal([]byte(req.Params), &params); err != nil {
			return nil, &domain.FatalError{Err: fmt.Errorf("invalid trellis params: %w", err)}
		}
	}
	if params.Seed == 0 {
		params.Seed = 1
	}
	if params.TextureSize == 0 {
		params.TextureSize = 2048
	}

	// the overall deadline is independent of the poll cadence
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	report(req.Progress, 10, "Submitting to endpoint")

	submissionID, err := b.submit(ctx, req.InputPaths, &params)
	if err != nil {
		return nil, err
	}

	b.logger.Info("Remote conversion submitted",
		slog.String("job_id", req.JobID),
		slog.String("submission_id", submissionID),
	)

	report(req.Progress, 30, "Running inference")

	glbData, err := b.poll(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	report(req.Progress, 90, "Saving model")

	output := filepath.Join(req.OutputDir, "model.glb")
	raw, err := base64.StdEncoding.DecodeString(glbData)
	if err != nil {
		return nil, &domain.FatalError{Err: fmt.Errorf("invalid model encoding: %w", err)}
	}
	if err := os.WriteFile(output, raw, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write model: %w", err)
	}

	return &Result{OutputPaths: []string{output}}, nil
}

func (b *RemoteTrellis) submit(ctx context.Context, inputs []string, params *domain.TrellisParams) (string, error) {
	images := make([]string, 0, len(inputs))
	for _, path := range inputs {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", &domain.FatalError{Err: fmt.Errorf("failed to read input %s: %w", filepath.Base(path), err)}
		}
		images = append(images, base64.StdEncoding.EncodeToString(raw))
	}

	payload := remoteSubmitRequest{Input: remoteSubmitInput{
		Images:      images,
		Seed:        params.Seed,
		TextureSize: params.TextureSize,
		Optimize:    params.Optimize,
	}}

	var decoded remoteStatusResponse
	if err := b.call(ctx, http.MethodPost, "/run", &payload, &decoded); err != nil {
		return "", err
	}
	if decoded.ID == "" {
		return "", &domain.FatalError{Err: fmt.Errorf("endpoint returned no submission id")}
	}
	return decoded.ID, nil
}

func (b *RemoteTrellis) poll(ctx context.Context, submissionID string) (string, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		var status remoteStatusResponse
		if err := b.call(ctx, http.MethodGet, "/status/"+submissionID, nil, &status); err != nil {
			return "", err
		}

		switch status.Status {
		case "COMPLETED":
			if status.Output.GLB == "" {
				return "", &domain.FatalError{Err: fmt.Errorf("completed submission has no model data")}
			}
			return status.Output.GLB, nil

		case "FAILED":
			msg := status.Error
			if msg == "" {
				msg = "unknown error"
			}
			return "", fmt.Errorf("remote conversion failed: %s", msg)

		case "CANCELLED":
			return "", &domain.FatalError{Err: fmt.Errorf("remote conversion was cancelled")}

		default:
			// IN_QUEUE, IN_PROGRESS, and anything unrecognized keep polling
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *RemoteTrellis) call(ctx context.Context, method, path string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return &domain.FatalError{Err: err}
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, b.endpointURL+path, body)
	if err != nil {
		return &domain.FatalError{Err: b.sanitize(err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("endpoint request failed: %w", b.sanitize(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &domain.FatalError{Err: fmt.Errorf("endpoint rejected credentials (status %d)", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode endpoint response: %w", err)
	}
	return nil
}

// sanitize strips the endpoint URL and credentials out of transport errors so
// they never land in a job record.
func (b *RemoteTrellis) sanitize(err error) error {
	msg := err.Error()
	if b.endpointURL != "" {
		msg = strings.ReplaceAll(msg, b.endpointURL, "[endpoint]")
	}
	if b.apiKey != "" {
		msg = strings.ReplaceAll(msg, b.apiKey, "[redacted]")
	}
	return fmt.Errorf("%s", msg)
}

// HealthCheck reports whether the endpoint answers its health route.
func (b *RemoteTrellis) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpointURL+"/health", nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
