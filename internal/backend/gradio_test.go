package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/gateway/internal/domain"
)

func TestExtractModelRef(t *testing.T) {
	tests := []struct {
		name     string
		result   any
		expected string
		wantErr  bool
	}{
		{name: "glb key", result: map[string]any{"glb": "/tmp/a.glb"}, expected: "/tmp/a.glb"},
		{name: "glb wins over output", result: map[string]any{"glb": "a", "output": "b"}, expected: "a"},
		{name: "output key", result: map[string]any{"output": "b.glb"}, expected: "b.glb"},
		{name: "file key", result: map[string]any{"file": "c.glb"}, expected: "c.glb"},
		{name: "path key", result: map[string]any{"path": "d.glb"}, expected: "d.glb"},
		{name: "model key", result: map[string]any{"model": "e.glb"}, expected: "e.glb"},
		{name: "bare string", result: "f.glb", expected: "f.glb"},
		{name: "first array element", result: []any{"g.glb", "ignored"}, expected: "g.glb"},
		{name: "array of objects", result: []any{map[string]any{"glb": "h.glb"}}, expected: "h.glb"},
		{name: "unknown keys", result: map[string]any{"mesh": "x"}, wantErr: true},
		{name: "empty array", result: []any{}, wantErr: true},
		{name: "number", result: 42.0, wantErr: true},
		{name: "non-string ref", result: map[string]any{"glb": 1.0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ExtractModelRef(tt.result)
			if tt.wantErr {
				require.Error(t, err)
				var fatal *domain.FatalError
				assert.ErrorAs(t, err, &fatal)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ref)
		})
	}
}

func writeTestImage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("image-bytes"), 0o644))
	return path
}

func TestGradioSpace_Process(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("single image happy path", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/run/image_to_3d":
				var req gradioRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Len(t, req.Data, 2)
				json.NewEncoder(w).Encode(gradioResponse{Data: []any{
					map[string]any{"glb": "/space/out.glb"},
				}})
			case "/file=/space/out.glb":
				w.Write([]byte("glb-bytes"))
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		}))
		defer srv.Close()

		dir := t.TempDir()
		b := NewGradioSpace(srv.URL, 5*time.Second, logger)

		result, err := b.Process(context.Background(), &Request{
			JobID:      "job-1",
			InputPaths: []string{writeTestImage(t, dir, "a.png")},
			OutputDir:  dir,
			Params:     `{"seed": 7}`,
		})
		require.NoError(t, err)
		require.Len(t, result.OutputPaths, 1)
		assert.Empty(t, result.Note)

		data, err := os.ReadFile(result.OutputPaths[0])
		require.NoError(t, err)
		assert.Equal(t, []byte("glb-bytes"), data)
	})

	t.Run("multi image falls back to first", func(t *testing.T) {
		var singleCalled bool
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/run/multiimage_to_3d":
				w.WriteHeader(http.StatusNotFound)
			case "/run/image_to_3d":
				singleCalled = true
				json.NewEncoder(w).Encode(gradioResponse{Data: []any{"/space/out.glb"}})
			case "/file=/space/out.glb":
				w.Write([]byte("glb"))
			}
		}))
		defer srv.Close()

		dir := t.TempDir()
		b := NewGradioSpace(srv.URL, 5*time.Second, logger)

		result, err := b.Process(context.Background(), &Request{
			JobID: "job-1",
			InputPaths: []string{
				writeTestImage(t, dir, "a.png"),
				writeTestImage(t, dir, "b.png"),
			},
			OutputDir: dir,
		})
		require.NoError(t, err)
		assert.True(t, singleCalled)
		assert.Contains(t, result.Note, "first of 2")
	})

	t.Run("bad result shape is fatal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(gradioResponse{Data: []any{map[string]any{"mesh": "x"}}})
		}))
		defer srv.Close()

		dir := t.TempDir()
		b := NewGradioSpace(srv.URL, 5*time.Second, logger)

		_, err := b.Process(context.Background(), &Request{
			JobID:      "job-1",
			InputPaths: []string{writeTestImage(t, dir, "a.png")},
			OutputDir:  dir,
		})
		assert.False(t, domain.IsRetryable(err))
	})

	t.Run("server error is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		dir := t.TempDir()
		b := NewGradioSpace(srv.URL, 5*time.Second, logger)

		_, err := b.Process(context.Background(), &Request{
			JobID:      "job-1",
			InputPaths: []string{writeTestImage(t, dir, "a.png")},
			OutputDir:  dir,
		})
		require.Error(t, err)
		assert.True(t, domain.IsRetryable(err))
	})
}
