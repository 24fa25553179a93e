package jobstore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCreate_FilenameCountMismatch(t *testing.T) {
	s := NewStore(nil, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := s.Create(context.Background(), CreateParams{
		JobID:      "4d0756cb-0b7e-4c52-a3f5-5a7a05a4a8e0",
		JobType:    "rembg",
		InputCount: 2,
		Filenames:  []string{"a.png"},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestClampProgress(t *testing.T) {
	tests := []struct {
		name     string
		progress int
		expected int
	}{
		{name: "negative pins to zero", progress: -5, expected: 0},
		{name: "zero", progress: 0, expected: 0},
		{name: "mid-range passes through", progress: 42, expected: 42},
		{name: "99 passes through", progress: 99, expected: 99},
		{name: "100 reserved for completion", progress: 100, expected: 99},
		{name: "overshoot pins to 99", progress: 250, expected: 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, clampProgress(tt.progress))
		})
	}
}
