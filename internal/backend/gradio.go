package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forge3d/gateway/internal/domain"
)

// GradioSpace proxies image-to-3D conversion through a hosted Gradio space.
// No local GPU involved; the space does the work and hands back a model file
// reference which we download.
type GradioSpace struct {
	spaceURL string
	client   *http.Client
	logger   *slog.Logger
}

func NewGradioSpace(spaceURL string, timeout time.Duration, logger *slog.Logger) *GradioSpace {
	return &GradioSpace{
		spaceURL: strings.TrimSuffix(spaceURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type gradioRequest struct {
	Data []any `json:"data"`
}

type gradioResponse struct {
	Data []any `json:"data"`
}

func (b *GradioSpace) Process(ctx context.Context, req *Request) (*Result, error) {
	var params domain.TrellisParams
	if req.Params != "" {
		if err := json.Unmarshal([]byte(req.Params), &params); err != nil {
			return nil, &domain.FatalError{Err: fmt.Errorf("invalid trellis params: %w", err)}
		}
	}
	if params.Seed == 0 {
		params.Seed = 1
	}

	report(req.Progress, 10, "Connecting to space")

	note := ""
	ref, err := b.convert(ctx, req.InputPaths, params.Seed, req.Progress)
	if err != nil && len(req.InputPaths) > 1 {
		// multi-view route is best effort, fall back to the first image
		// so the caller still gets a model, with the degradation visible
		b.logger.Warn("Multi-image conversion failed, falling back to first image",
			slog.String("job_id", req.JobID),
			slog.Any("error", err),
		)
		note = fmt.Sprintf("multi-image conversion unavailable, used first of %d images", len(req.InputPaths))
		ref, err = b.convert(ctx, req.InputPaths[:1], params.Seed, req.Progress)
	}
	if err != nil {
		return nil, err
	}

	report(req.Progress, 90, "Saving model")

	output := filepath.Join(req.OutputDir, "model.glb")
	if err := b.download(ctx, ref, output); err != nil {
		return nil, err
	}

	return &Result{OutputPaths: []string{output}, Note: note}, nil
}

// convert submits the images and returns the space's model file reference.
func (b *GradioSpace) convert(ctx context.Context, inputs []string, seed int, progress ProgressFunc) (string, error) {
	route := "/run/image_to_3d"
	if len(inputs) > 1 {
		route = "/run/multiimage_to_3d"
	}

	data := make([]any, 0, len(inputs)+1)
	for _, path := range inputs {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", &domain.FatalError{Err: fmt.Errorf("failed to read input %s: %w", filepath.Base(path), err)}
		}
		data = append(data, base64.StdEncoding.EncodeToString(raw))
	}
	data = append(data, seed)

	body, err := json.Marshal(gradioRequest{Data: data})
	if err != nil {
		return "", &domain.FatalError{Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.spaceURL+route, bytes.NewReader(body))
	if err != nil {
		return "", &domain.FatalError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	report(progress, 30, "Running inference")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("space request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("space returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", &domain.FatalError{Err: err}
		}
		return "", err
	}

	var decoded gradioResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode space response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return "", &domain.FatalError{Err: fmt.Errorf("space returned empty result")}
	}

	return ExtractModelRef(decoded.Data[0])
}

// ExtractModelRef pulls the model file reference out of a space result. The
// shape varies between spaces, so resolution follows a fixed precedence:
// object key "glb", then "output"/"file"/"path"/"model", then a bare string,
// then the first element of an array. Anything else is fatal.
func ExtractModelRef(result any) (string, error) {
	switch v := result.(type) {
	case map[string]any:
		if glb, ok := v["glb"]; ok {
			return stringRef(glb)
		}
		for _, key := range []string{"output", "file", "path", "model"} {
			if val, ok := v[key]; ok {
				return stringRef(val)
			}
		}
		return "", &domain.FatalError{Err: fmt.Errorf("no model reference in result object")}

	case string:
		return v, nil

	case []any:
		if len(v) == 0 {
			return "", &domain.FatalError{Err: fmt.Errorf("empty result array")}
		}
		return ExtractModelRef(v[0])

	default:
		return "", &domain.FatalError{Err: fmt.Errorf("unexpected result type %T", result)}
	}
}

func stringRef(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", &domain.FatalError{Err: fmt.Errorf("model reference is %T, expected string", v)}
	}
	return s, nil
}

// download fetches the referenced file from the space and writes it locally.
func (b *GradioSpace) download(ctx context.Context, ref, output string) error {
	url := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		url = b.spaceURL + "/file=" + ref
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &domain.FatalError{Err: err}
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("model download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model download returned status %d", resp.StatusCode)
	}

	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(output)
		return fmt.Errorf("failed to write output: %w", err)
	}

	return nil
}

// HealthCheck reports whether the space answers at all.
func (b *GradioSpace) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.spaceURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
