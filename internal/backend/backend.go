package backend

import (
	"context"

	"github.com/forge3d/gateway/internal/domain"
)

// ProgressFunc reports intermediate progress. Progress is a percentage and
// stays below 100; the caller owns the completion transition.
type ProgressFunc func(progress int, message string)

// Request carries everything a backend needs to process one job.
type Request struct {
	JobID      string
	InputPaths []string
	OutputDir  string
	Params     string // JSON blob captured at submission
	Progress   ProgressFunc
}

// Result is a successful processing outcome.
type Result struct {
	OutputPaths []string

	// Note carries a degradation notice to append to the job message,
	// empty when processing went as requested.
	Note string
}

// Backend turns input images into output artifacts. Implementations classify
// their failures by wrapping them in domain.RetryableError or
// domain.FatalError; an unwrapped error is treated as retryable.
type Backend interface {
	Process(ctx context.Context, req *Request) (*Result, error)
	HealthCheck(ctx context.Context) bool
}

// Registry maps backend names to configured instances. Built once at startup;
// read-only afterwards.
type Registry struct {
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func (r *Registry) Register(name string, b Backend) {
	r.backends[name] = b
}

// Lookup returns the named backend or ErrBackendNotConfigured, so submission
// rejects unknown variants before any job exists.
func (r *Registry) Lookup(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, domain.ErrBackendNotConfigured
	}
	return b, nil
}

// Names returns the registered backend names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}

func report(fn ProgressFunc, progress int, message string) {
	if fn != nil {
		fn(progress, message)
	}
}
