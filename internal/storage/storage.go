package storage

import (
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forge3d/gateway/internal/domain"
)

// supportedFormats is the allow-list of upload extensions.
var supportedFormats = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
	".tiff": true,
	".tif":  true,
}

// FileRole distinguishes the two directory roots a file can live under.
type FileRole string

const (
	RoleInput  FileRole = "input"
	RoleOutput FileRole = "output"
)

// Manager handles job-scoped file persistence under two roots, uploads and
// outputs, one subdirectory per job ID. Directories are job-scoped so no two
// jobs ever contend on the same files.
type Manager struct {
	uploadDir   string
	outputDir   string
	maxFileSize int64
	logger      *slog.Logger
}

// Config holds storage manager configuration
type Config struct {
	UploadDir   string
	OutputDir   string
	MaxFileSize int64
}

// NewManager creates a Manager and its root directories.
func NewManager(cfg *Config, logger *slog.Logger) (*Manager, error) {
	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage root %s: %w", dir, err)
		}
	}

	return &Manager{
		uploadDir:   cfg.UploadDir,
		outputDir:   cfg.OutputDir,
		maxFileSize: cfg.MaxFileSize,
		logger:      logger,
	}, nil
}

// JobUploadDir returns (and creates) the upload directory for a job.
func (m *Manager) JobUploadDir(jobID string) (string, error) {
	dir := filepath.Join(m.uploadDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job upload dir: %w", err)
	}
	return dir, nil
}

// JobOutputDir returns (and creates) the output directory for a job.
func (m *Manager) JobOutputDir(jobID string) (string, error) {
	dir := filepath.Join(m.outputDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job output dir: %w", err)
	}
	return dir, nil
}

// SaveUploads validates and persists multipart uploads into the job's upload
// directory. It returns the saved paths and the original filenames in upload
// order. Any rejection is a domain.ValidationError; nothing is half-written
// for the rejected file, though earlier files may exist (callers clean up the
// whole job directory on failure).
func (m *Manager) SaveUploads(jobID string, files []*multipart.FileHeader) ([]string, []string, error) {
	jobDir, err := m.JobUploadDir(jobID)
	if err != nil {
		return nil, nil, err
	}

	savedPaths := make([]string, 0, len(files))
	filenames := make([]string, 0, len(files))

	for _, fh := range files {
		if fh.Filename == "" {
			return nil, nil, domain.NewValidationError("file must have a filename")
		}

		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if !supportedFormats[ext] {
			return nil, nil, domain.NewValidationError("unsupported file format: %s", ext)
		}

		if ct := fh.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
			return nil, nil, domain.NewValidationError("invalid content type: %s, expected image/*", ct)
		}

		if fh.Size > m.maxFileSize {
			return nil, nil, domain.NewValidationError(
				"file %s exceeds max size of %dMB", fh.Filename, m.maxFileSize/(1024*1024))
		}

		safeName := SanitizeFilename(fh.Filename)
		dst := m.dedupe(jobDir, safeName)

		if err := saveFile(fh, dst, m.maxFileSize); err != nil {
			return nil, nil, err
		}

		savedPaths = append(savedPaths, dst)
		filenames = append(filenames, fh.Filename)
		m.logger.Debug("Saved upload", slog.String("path", dst))
	}

	m.logger.Info("Saved uploads",
		slog.String("job_id", jobID),
		slog.Int("count", len(savedPaths)),
	)

	return savedPaths, filenames, nil
}

// saveFile streams one upload to disk, enforcing the size ceiling even when
// the declared size lied.
func saveFile(fh *multipart.FileHeader, dst string, maxSize int64) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(src, maxSize+1))
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if n > maxSize {
		os.Remove(dst)
		return domain.NewValidationError("file %s exceeds max size of %dMB", fh.Filename, maxSize/(1024*1024))
	}

	return nil
}

// dedupe suffixes a counter while the candidate name collides within the job.
func (m *Manager) dedupe(dir, name string) string {
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		return dst
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for counter := 1; ; counter++ {
		dst = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, counter, ext))
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			return dst
		}
	}
}

// SanitizeFilename strips any path components and replaces characters outside
// a safe alphanumeric set. An empty result falls back to "unnamed".
func SanitizeFilename(filename string) string {
	name := filepath.Base(filepath.Clean(filename))
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}

	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}

	sanitized := b.String()
	if sanitized == "" || strings.Trim(sanitized, "._-") == "" {
		return "unnamed"
	}
	return sanitized
}

// Resolve maps (jobID, filename, role) to a path, verifying by
// canonicalization that the result stays inside the role's root. Traversal
// attempts and missing files both resolve to domain.ErrJobNotFound: this is
// a security boundary, not an error path, so the caller learns nothing about
// why resolution failed.
func (m *Manager) Resolve(jobID, filename string, role FileRole) (string, error) {
	root := m.uploadDir
	if role == RoleOutput {
		root = m.outputDir
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve storage root: %w", err)
	}

	candidate := filepath.Join(absRoot, jobID, filename)
	resolved := filepath.Clean(candidate)

	if resolved != absRoot && !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		m.logger.Warn("Path traversal attempt",
			slog.String("job_id", jobID),
			slog.String("filename", filename),
		)
		return "", domain.ErrJobNotFound
	}

	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return "", domain.ErrJobNotFound
	}

	return resolved, nil
}

// OutputFiles lists the files in a job's output directory, sorted by name.
func (m *Manager) OutputFiles(jobID string) ([]string, error) {
	dir := filepath.Join(m.outputDir, jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read output dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Cleanup removes both directories for a job. Idempotent; reports whether
// anything was removed.
func (m *Manager) Cleanup(jobID string) bool {
	cleaned := false
	for _, root := range []string{m.uploadDir, m.outputDir} {
		dir := filepath.Join(root, jobID)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Error("Failed to remove job dir",
				slog.String("dir", dir),
				slog.Any("error", err),
			)
			continue
		}
		cleaned = true
		m.logger.Info("Cleaned up job dir", slog.String("dir", dir))
	}
	return cleaned
}

// Sweep removes job directories whose mtime precedes now-ttl and returns how
// many went. It must run on an interval longer than the longest supported
// processing timeout so it never races a live job; that is an operating
// constraint, not an enforced lock.
func (m *Manager) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	swept := 0

	for _, root := range []string{m.uploadDir, m.outputDir} {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}

		for _, e := range entries {
			if !e.IsDir() {
				continue
			}

			dir := filepath.Join(root, e.Name())
			info, err := e.Info()
			if err != nil {
				m.logger.Error("Failed to stat job dir",
					slog.String("dir", dir),
					slog.Any("error", err),
				)
				continue
			}

			if info.ModTime().Before(cutoff) {
				if err := os.RemoveAll(dir); err != nil {
					m.logger.Error("Failed to sweep job dir",
						slog.String("dir", dir),
						slog.Any("error", err),
					)
					continue
				}
				swept++
				m.logger.Info("Swept expired job dir", slog.String("dir", dir))
			}
		}
	}

	return swept
}

// Usage reports the recursive byte totals per root. Observability only.
func (m *Manager) Usage() map[string]int64 {
	return map[string]int64{
		"uploads": dirSize(m.uploadDir),
		"outputs": dirSize(m.outputDir),
	}
}

func dirSize(root string) int64 {
	var total int64
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
