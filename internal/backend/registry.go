package backend

import (
	"log/slog"

	"github.com/forge3d/gateway/internal/config"
)

// BuildRegistry constructs the registry from configuration. A variant with no
// configuration is simply absent; lookups for it fail at submission time.
func BuildRegistry(cfg *config.BackendsConfig, logger *slog.Logger) *Registry {
	r := NewRegistry()

	r.Register("local", NewLocalRembg(cfg.Local.Binary, cfg.Local.DefaultModel, logger))

	if cfg.Gradio.SpaceURL != "" {
		r.Register("gradio", NewGradioSpace(cfg.Gradio.SpaceURL, cfg.Gradio.Timeout, logger))
	}

	if cfg.Remote.EndpointURL != "" && cfg.Remote.APIKey != "" {
		r.Register("remote", NewRemoteTrellis(
			cfg.Remote.EndpointURL,
			cfg.Remote.APIKey,
			cfg.Remote.PollInterval,
			cfg.Remote.Timeout,
			logger,
		))
	}

	logger.Info("Backend registry built", slog.Any("backends", r.Names()))
	return r
}
