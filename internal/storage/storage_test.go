package storage

import (
	"bytes"
	"io"
	"log/slog"
	"mime/multipart"
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

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	base := t.TempDir()
	m, err := NewManager(&Config{
		UploadDir:   filepath.Join(base, "uploads"),
		OutputDir:   filepath.Join(base, "outputs"),
		MaxFileSize: 1024,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return m
}

func multipartFile(t *testing.T, filename, contentType string, content []byte) *multipart.FileHeader {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{`form-data; name="files"; filename="` + filename + `"`}
	if contentType != "" {
		h["Content-Type"] = []string{contentType}
	}
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1 << 20))

	return req.MultipartForm.File["files"][0]
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "clean name", input: "photo.png", expected: "photo.png"},
		{name: "spaces replaced", input: "my photo.png", expected: "my_photo.png"},
		{name: "path stripped", input: "../../etc/passwd", expected: "passwd"},
		{name: "special chars", input: "a$b%c.png", expected: "a_b_c.png"},
		{name: "empty", input: "", expected: "unnamed"},
		{name: "only dots", input: "...", expected: "unnamed"},
		{name: "unicode replaced", input: "фото.png", expected: "____.png"},
		{name: "percent-encoded traversal neutralized", input: "%2e%2e%2fetc%2fpasswd", expected: "_2e_2e_2fetc_2fpasswd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeFilename(tt.input))
		})
	}
}

func TestManager_SaveUploads(t *testing.T) {
	t.Run("saves valid files", func(t *testing.T) {
		m := newTestManager(t)
		files := []*multipart.FileHeader{
			multipartFile(t, "a.png", "image/png", []byte("png-bytes")),
			multipartFile(t, "b.jpg", "image/jpeg", []byte("jpg-bytes")),
		}

		paths, names, err := m.SaveUploads("job-1", files)
		require.NoError(t, err)
		require.Len(t, paths, 2)
		assert.Equal(t, []string{"a.png", "b.jpg"}, names)

		data, err := os.ReadFile(paths[0])
		require.NoError(t, err)
		assert.Equal(t, []byte("png-bytes"), data)
	})

	t.Run("rejects unsupported extension", func(t *testing.T) {
		m := newTestManager(t)
		files := []*multipart.FileHeader{
			multipartFile(t, "script.sh", "image/png", []byte("x")),
		}

		_, _, err := m.SaveUploads("job-1", files)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Error(), "unsupported file format")
	})

	t.Run("rejects non-image content type", func(t *testing.T) {
		m := newTestManager(t)
		files := []*multipart.FileHeader{
			multipartFile(t, "a.png", "text/plain", []byte("x")),
		}

		_, _, err := m.SaveUploads("job-1", files)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("rejects oversized file", func(t *testing.T) {
		m := newTestManager(t)
		files := []*multipart.FileHeader{
			multipartFile(t, "big.png", "image/png", bytes.Repeat([]byte("x"), 2048)),
		}

		_, _, err := m.SaveUploads("job-1", files)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("deduplicates colliding names", func(t *testing.T) {
		m := newTestManager(t)
		files := []*multipart.FileHeader{
			multipartFile(t, "same.png", "image/png", []byte("one")),
			multipartFile(t, "same.png", "image/png", []byte("two")),
		}

		paths, _, err := m.SaveUploads("job-1", files)
		require.NoError(t, err)
		assert.Equal(t, "same.png", filepath.Base(paths[0]))
		assert.Equal(t, "same_1.png", filepath.Base(paths[1]))
	})
}

func TestManager_Resolve(t *testing.T) {
	m := newTestManager(t)

	dir, err := m.JobOutputDir("job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.glb"), []byte("glb"), 0o644))

	t.Run("resolves existing file", func(t *testing.T) {
		path, err := m.Resolve("job-1", "model.glb", RoleOutput)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "model.glb"), path)
	})

	t.Run("missing file is not found", func(t *testing.T) {
		_, err := m.Resolve("job-1", "missing.glb", RoleOutput)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("traversal is not found", func(t *testing.T) {
		_, err := m.Resolve("job-1", "../../../etc/passwd", RoleOutput)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("traversal via job id is not found", func(t *testing.T) {
		_, err := m.Resolve("..", "storage.go", RoleOutput)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("percent-encoded traversal is not found", func(t *testing.T) {
		_, err := m.Resolve("job-1", "%2e%2e%2f%2e%2e%2fetc%2fpasswd", RoleOutput)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)

		// a decoded copy of the same name must fail the same way
		_, err = m.Resolve("job-1", "../../etc/passwd", RoleOutput)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("directory is not found", func(t *testing.T) {
		_, err := m.Resolve("job-1", ".", RoleOutput)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestManager_Cleanup(t *testing.T) {
	m := newTestManager(t)

	upDir, err := m.JobUploadDir("job-1")
	require.NoError(t, err)
	outDir, err := m.JobOutputDir("job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(upDir, "a.png"), []byte("x"), 0o644))

	assert.True(t, m.Cleanup("job-1"))
	assert.NoDirExists(t, upDir)
	assert.NoDirExists(t, outDir)

	// second pass is a no-op
	assert.False(t, m.Cleanup("job-1"))
}

func TestManager_Sweep(t *testing.T) {
	m := newTestManager(t)

	oldDir, err := m.JobUploadDir("old-job")
	require.NoError(t, err)
	freshDir, err := m.JobUploadDir("fresh-job")
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, past, past))

	swept := m.Sweep(time.Hour)
	assert.Equal(t, 1, swept)
	assert.NoDirExists(t, oldDir)
	assert.DirExists(t, freshDir)
}

func TestManager_Usage(t *testing.T) {
	m := newTestManager(t)

	dir, err := m.JobUploadDir("job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), bytes.Repeat([]byte("x"), 100), 0o644))

	usage := m.Usage()
	assert.Equal(t, int64(100), usage["uploads"])
	assert.Equal(t, int64(0), usage["outputs"])
}

func TestManager_OutputFiles(t *testing.T) {
	m := newTestManager(t)

	dir, err := m.JobOutputDir("job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.glb"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.glb"), []byte("x"), 0o644))

	names, err := m.OutputFiles("job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.glb", "b.glb"}, names)

	names, err = m.OutputFiles("no-such-job")
	require.NoError(t, err)
	assert.Nil(t, names)
}
