package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/gateway/internal/backend"
	"github.com/forge3d/gateway/internal/config"
	"github.com/forge3d/gateway/internal/domain"
)

type fakeUnitStore struct {
	mu        sync.Mutex
	statuses  map[string]string
	messages  []string
	completed []string
	failedMsg string
	progress  []int
}

func newFakeUnitStore(jobID string) *fakeUnitStore {
	return &fakeUnitStore{statuses: map[string]string{jobID: domain.JobStatusPending}}
}

func (s *fakeUnitStore) Get(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &domain.Job{JobID: jobID, Status: status}, nil
}

func (s *fakeUnitStore) SetProcessing(_ context.Context, jobID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[jobID]
	if !ok || (status != domain.JobStatusPending && status != domain.JobStatusProcessing) {
		return domain.ErrJobNotFound
	}
	s.statuses[jobID] = domain.JobStatusProcessing
	return nil
}

func (s *fakeUnitStore) SetCompleted(_ context.Context, jobID string, downloadNames []string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[jobID] != domain.JobStatusProcessing {
		return domain.ErrJobNotFound
	}
	s.statuses[jobID] = domain.JobStatusCompleted
	s.completed = downloadNames
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeUnitStore) SetFailed(_ context.Context, jobID, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[jobID] != domain.JobStatusProcessing {
		return domain.ErrJobNotFound
	}
	s.statuses[jobID] = domain.JobStatusFailed
	s.failedMsg = errText
	return nil
}

func (s *fakeUnitStore) UpdateProgress(_ context.Context, jobID string, progress int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, progress)
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeUnitStore) UpdateMessage(_ context.Context, jobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[jobID]; !ok {
		return domain.ErrJobNotFound
	}
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeUnitStore) Heartbeat(context.Context, string) error { return nil }

func (s *fakeUnitStore) status(jobID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[jobID]
}

type fakeRetryPublisher struct {
	mu        sync.Mutex
	published [][]byte
}

func (p *fakeRetryPublisher) PublishWithRetry(_ context.Context, _, _ string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, body)
	return nil
}

func (p *fakeRetryPublisher) take() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.published) == 0 {
		return nil, false
	}
	body := p.published[0]
	p.published = p.published[1:]
	return body, true
}

type funcBackend struct {
	process func(ctx context.Context, req *backend.Request) (*backend.Result, error)
}

func (b funcBackend) Process(ctx context.Context, req *backend.Request) (*backend.Result, error) {
	return b.process(ctx, req)
}
func (funcBackend) HealthCheck(context.Context) bool { return true }

func newTestProcessor(store unitStore, pub unitPublisher, b backend.Backend) *processor {
	registry := backend.NewRegistry()
	registry.Register("local", b)
	return &processor{
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		store:             store,
		publisher:         pub,
		registry:          registry,
		heartbeatInterval: 10 * time.Millisecond,
	}
}

func testJobType() config.JobTypeConfig {
	return config.JobTypeConfig{
		Queue:       "jobs.rembg",
		RoutingKey:  "jobs.rembg",
		Concurrency: 1,
		MaxRetries:  2,
		RetryDelay:  time.Millisecond,
		SoftTimeout: time.Second,
		HardTimeout: 2 * time.Second,
	}
}

const testJobID = "3f0a4a9e-62fb-4a52-9858-2f4e3d3c1a11"

func testUnit() *domain.DispatchUnit {
	return &domain.DispatchUnit{
		JobID:      testJobID,
		JobType:    domain.JobTypeRembg,
		Backend:    "local",
		InputPaths: []string{"/tmp/uploads/a.png"},
		OutputDir:  "/tmp/outputs",
		Attempt:    0,
	}
}

func TestProcessor_Success(t *testing.T) {
	store := newFakeUnitStore(testJobID)
	pub := &fakeRetryPublisher{}
	p := newTestProcessor(store, pub, funcBackend{
		process: func(_ context.Context, req *backend.Request) (*backend.Result, error) {
			return &backend.Result{
				OutputPaths: []string{"/tmp/outputs/a_nobg.png"},
				Note:        "1 of 2 images failed",
			}, nil
		},
	})

	err := p.processUnit(context.Background(), testJobType(), testUnit(), "token-1")
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCompleted, store.status(testJobID))
	assert.Equal(t, []string{"a_nobg.png"}, store.completed)
	require.NotEmpty(t, store.messages)
	last := store.messages[len(store.messages)-1]
	assert.Contains(t, last, "Successfully processed 1 file(s)")
	assert.Contains(t, last, "1 of 2 images failed")
	assert.Empty(t, pub.published)
}

func TestProcessor_RetryBound(t *testing.T) {
	store := newFakeUnitStore(testJobID)
	pub := &fakeRetryPublisher{}

	attempts := 0
	p := newTestProcessor(store, pub, funcBackend{
		process: func(context.Context, *backend.Request) (*backend.Result, error) {
			attempts++
			return nil, fmt.Errorf("transient backend failure")
		},
	})

	jt := testJobType()
	unit := testUnit()

	// drive the unit through its full retry cycle, redelivering each
	// republished copy the way the queue would
	for {
		err := p.processUnit(context.Background(), jt, unit, "token-1")
		require.NoError(t, err)

		body, ok := pub.take()
		if !ok {
			break
		}
		var next domain.DispatchUnit
		require.NoError(t, json.Unmarshal(body, &next))
		unit = &next
	}

	assert.Equal(t, jt.MaxRetries+1, attempts)
	assert.Equal(t, domain.JobStatusFailed, store.status(testJobID))
	assert.Contains(t, store.failedMsg, "transient backend failure")
	assert.Contains(t, store.messages, "Retrying (attempt 1/2)")
	assert.Contains(t, store.messages, "Retrying (attempt 2/2)")
}

func TestProcessor_FatalErrorSkipsRetry(t *testing.T) {
	store := newFakeUnitStore(testJobID)
	pub := &fakeRetryPublisher{}

	attempts := 0
	p := newTestProcessor(store, pub, funcBackend{
		process: func(context.Context, *backend.Request) (*backend.Result, error) {
			attempts++
			return nil, &domain.FatalError{Err: errors.New("malformed response shape")}
		},
	})

	err := p.processUnit(context.Background(), testJobType(), testUnit(), "token-1")
	require.NoError(t, err)

	assert.Equal(t, 1, attempts)
	assert.Equal(t, domain.JobStatusFailed, store.status(testJobID))
	assert.Equal(t, "malformed response shape", store.failedMsg)
	assert.Empty(t, pub.published)
}

func TestProcessor_RefusedClaimDropsUnit(t *testing.T) {
	store := newFakeUnitStore(testJobID)
	store.statuses[testJobID] = domain.JobStatusCancelled
	pub := &fakeRetryPublisher{}

	called := false
	p := newTestProcessor(store, pub, funcBackend{
		process: func(context.Context, *backend.Request) (*backend.Result, error) {
			called = true
			return &backend.Result{}, nil
		},
	})

	err := p.processUnit(context.Background(), testJobType(), testUnit(), "token-1")
	require.NoError(t, err)

	assert.False(t, called)
	assert.Equal(t, domain.JobStatusCancelled, store.status(testJobID))
}

func TestProcessor_CancellationStopsRun(t *testing.T) {
	store := newFakeUnitStore(testJobID)
	pub := &fakeRetryPublisher{}

	p := newTestProcessor(store, pub, funcBackend{
		process: func(ctx context.Context, _ *backend.Request) (*backend.Result, error) {
			// flip the record under the watcher, as a DELETE would
			store.mu.Lock()
			store.statuses[testJobID] = domain.JobStatusCancelled
			store.mu.Unlock()

			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	err := p.processUnit(context.Background(), testJobType(), testUnit(), "token-1")
	require.NoError(t, err)

	// no failure recorded, no retry published
	assert.Equal(t, domain.JobStatusCancelled, store.status(testJobID))
	assert.Empty(t, store.failedMsg)
	assert.Empty(t, pub.published)
}

func TestProcessor_SoftTimeout(t *testing.T) {
	store := newFakeUnitStore(testJobID)
	pub := &fakeRetryPublisher{}

	p := newTestProcessor(store, pub, funcBackend{
		process: func(ctx context.Context, _ *backend.Request) (*backend.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	jt := testJobType()
	jt.SoftTimeout = 20 * time.Millisecond
	unit := testUnit()
	unit.Attempt = jt.MaxRetries // out of retries, must fail terminally

	err := p.processUnit(context.Background(), jt, unit, "token-1")
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, store.status(testJobID))
	assert.Contains(t, store.failedMsg, "time limit")
}

func TestProcessor_UnconfiguredBackendFails(t *testing.T) {
	store := newFakeUnitStore(testJobID)
	pub := &fakeRetryPublisher{}
	p := newTestProcessor(store, pub, funcBackend{
		process: func(context.Context, *backend.Request) (*backend.Result, error) {
			return &backend.Result{}, nil
		},
	})

	unit := testUnit()
	unit.Backend = "remote"

	err := p.processUnit(context.Background(), testJobType(), unit, "token-1")
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, store.status(testJobID))
	assert.Contains(t, store.failedMsg, "not configured")
}
