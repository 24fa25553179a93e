package backend

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/gateway/internal/domain"
)

func TestBuildRembgArgs(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		args := buildRembgArgs("in.png", "out.png", &domain.RembgParams{Model: "u2net"})
		assert.Equal(t, []string{"i", "-m", "u2net", "in.png", "out.png"}, args)
	})

	t.Run("alpha matting", func(t *testing.T) {
		args := buildRembgArgs("in.png", "out.png", &domain.RembgParams{
			Model:               "isnet-anime",
			AlphaMatting:        true,
			ForegroundThreshold: 240,
			BackgroundThreshold: 10,
		})
		assert.Equal(t, []string{
			"i", "-m", "isnet-anime",
			"-a", "-af", "240", "-ab", "10",
			"in.png", "out.png",
		}, args)
	})
}

// stubRembg writes a shell script that copies its input arg to its output arg,
// standing in for the real CLI.
func stubRembg(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rembg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestLocalRembg_Process(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	copyScript := `#!/bin/sh
eval "out=\${$#}"
eval "in=\${$(($# - 1))}"
cp "$in" "$out"
`

	t.Run("processes batch with progress", func(t *testing.T) {
		dir := t.TempDir()
		b := NewLocalRembg(stubRembg(t, copyScript), "u2net", logger)

		var messages []string
		result, err := b.Process(context.Background(), &Request{
			JobID: "job-1",
			InputPaths: []string{
				writeTestImage(t, dir, "a.png"),
				writeTestImage(t, dir, "b.jpg"),
			},
			OutputDir: dir,
			Progress: func(_ int, msg string) {
				messages = append(messages, msg)
			},
		})
		require.NoError(t, err)
		require.Len(t, result.OutputPaths, 2)
		assert.Equal(t, filepath.Join(dir, "a_nobg.png"), result.OutputPaths[0])
		assert.Equal(t, filepath.Join(dir, "b_nobg.png"), result.OutputPaths[1])
		assert.Equal(t, []string{"Processing image 1/2", "Processing image 2/2"}, messages)
		assert.FileExists(t, result.OutputPaths[0])
	})

	t.Run("partial failure keeps going", func(t *testing.T) {
		failOnB := `#!/bin/sh
eval "out=\${$#}"
eval "in=\${$(($# - 1))}"
case "$in" in
  *b.png) echo "boom" >&2; exit 1 ;;
esac
cp "$in" "$out"
`
		dir := t.TempDir()
		b := NewLocalRembg(stubRembg(t, failOnB), "u2net", logger)

		result, err := b.Process(context.Background(), &Request{
			JobID: "job-1",
			InputPaths: []string{
				writeTestImage(t, dir, "a.png"),
				writeTestImage(t, dir, "b.png"),
			},
			OutputDir: dir,
		})
		require.NoError(t, err)
		require.Len(t, result.OutputPaths, 1)
		assert.Contains(t, result.Note, "1 of 2 images failed")
	})

	t.Run("total failure errors", func(t *testing.T) {
		dir := t.TempDir()
		b := NewLocalRembg(stubRembg(t, "#!/bin/sh\nexit 1\n"), "u2net", logger)

		_, err := b.Process(context.Background(), &Request{
			JobID:      "job-1",
			InputPaths: []string{writeTestImage(t, dir, "a.png")},
			OutputDir:  dir,
		})
		require.Error(t, err)
		assert.True(t, domain.IsRetryable(err))
	})

	t.Run("missing binary fails health check", func(t *testing.T) {
		b := NewLocalRembg("/nonexistent/rembg", "u2net", logger)
		assert.False(t, b.HealthCheck(context.Background()))
	})
}

func TestRegistry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := NewRegistry()
	r.Register("local", NewLocalRembg("rembg", "u2net", logger))

	b, err := r.Lookup("local")
	require.NoError(t, err)
	assert.NotNil(t, b)

	_, err = r.Lookup("v2")
	assert.ErrorIs(t, err, domain.ErrBackendNotConfigured)

	assert.Equal(t, []string{"local"}, r.Names())
}
