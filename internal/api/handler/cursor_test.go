package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/gateway/internal/jobstore"
)

func TestJobCursorRoundTrip(t *testing.T) {
	orig := &jobstore.Cursor{
		CreatedAt: time.Now().Truncate(time.Nanosecond),
		JobID:     "4d0756cb-0b7e-4c52-a3f5-5a7a05a4a8e0",
	}

	encoded := EncodeJobCursor(orig)
	decoded, err := DecodeJobCursor(encoded)
	require.NoError(t, err)

	assert.True(t, orig.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, orig.JobID, decoded.JobID)
}

func TestDecodeJobCursor(t *testing.T) {
	t.Run("empty means first page", func(t *testing.T) {
		cursor, err := DecodeJobCursor("")
		require.NoError(t, err)
		assert.Nil(t, cursor)
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := DecodeJobCursor("%%%")
		assert.Error(t, err)
	})

	t.Run("wrong part count", func(t *testing.T) {
		_, err := DecodeJobCursor(base64.StdEncoding.EncodeToString([]byte("only-one-part")))
		assert.Error(t, err)
	})

	t.Run("non-numeric timestamp", func(t *testing.T) {
		_, err := DecodeJobCursor(base64.StdEncoding.EncodeToString([]byte("abc|job-1")))
		assert.Error(t, err)
	})
}
