package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/forge3d/gateway/internal/domain"
)

// LocalRembg removes backgrounds by invoking the rembg CLI per input image.
// Each output is written next to its siblings as <stem>_nobg.png.
type LocalRembg struct {
	binary       string
	defaultModel string
	logger       *slog.Logger
}

func NewLocalRembg(binary, defaultModel string, logger *slog.Logger) *LocalRembg {
	if binary == "" {
		binary = "rembg"
	}
	if defaultModel == "" {
		defaultModel = "u2net"
	}
	return &LocalRembg{
		binary:       binary,
		defaultModel: defaultModel,
		logger:       logger,
	}
}

func (b *LocalRembg) Process(ctx context.Context, req *Request) (*Result, error) {
	var params domain.RembgParams
	if req.Params != "" {
		if err := json.Unmarshal([]byte(req.Params), &params); err != nil {
			return nil, &domain.FatalError{Err: fmt.Errorf("invalid rembg params: %w", err)}
		}
	}
	if params.Model == "" {
		params.Model = b.defaultModel
	}

	total := len(req.InputPaths)
	outputs := make([]string, 0, total)

	for i, input := range req.InputPaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		output := filepath.Join(req.OutputDir, stem+"_nobg.png")

		if err := b.runOne(ctx, input, output, &params); err != nil {
			if !domain.IsRetryable(err) {
				return nil, err
			}
			b.logger.Error("Background removal failed for image",
				slog.String("input", input),
				slog.Any("error", err),
			)
			// keep going, a partial batch is still useful
			continue
		}

		outputs = append(outputs, output)

		pct := (i + 1) * 100 / total
		if pct > 99 {
			pct = 99
		}
		report(req.Progress, pct, fmt.Sprintf("Processing image %d/%d", i+1, total))
	}

	if len(outputs) == 0 {
		return nil, fmt.Errorf("background removal produced no outputs for %d images", total)
	}

	b.logger.Info("Background removal finished",
		slog.String("job_id", req.JobID),
		slog.Int("succeeded", len(outputs)),
		slog.Int("total", total),
	)

	result := &Result{OutputPaths: outputs}
	if len(outputs) < total {
		result.Note = fmt.Sprintf("%d of %d images failed", total-len(outputs), total)
	}
	return result, nil
}

func (b *LocalRembg) runOne(ctx context.Context, input, output string, params *domain.RembgParams) error {
	args := buildRembgArgs(input, output, params)

	cmd := exec.CommandContext(ctx, b.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if execErr, ok := err.(*exec.Error); ok && execErr.Err == exec.ErrNotFound {
			return &domain.FatalError{Err: fmt.Errorf("rembg binary %q not found", b.binary)}
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("rembg failed: %s", msg)
	}

	return nil
}

func buildRembgArgs(input, output string, params *domain.RembgParams) []string {
	args := []string{"i", "-m", params.Model}
	if params.AlphaMatting {
		args = append(args,
			"-a",
			"-af", strconv.Itoa(params.ForegroundThreshold),
			"-ab", strconv.Itoa(params.BackgroundThreshold),
		)
	}
	return append(args, input, output)
}

// HealthCheck reports whether the rembg binary is on PATH.
func (b *LocalRembg) HealthCheck(_ context.Context) bool {
	_, err := exec.LookPath(b.binary)
	return err == nil
}
