package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
)

// BackendConfig names the isolation backend and how to reach it.
type BackendConfig struct {
	Backend          string // "auto" (default), "containerd", or "docker"
	Image            string
	ContainerdSocket string
	Namespace        string
}

// NewEnvironmentFactory builds the factory for the configured backend. With
// "auto" it prefers containerd on Linux and falls back to Docker when the
// containerd socket does not answer.
func NewEnvironmentFactory(ctx context.Context, cfg BackendConfig) (EnvironmentFactory, error) {
	switch cfg.Backend {
	case "docker":
		return NewDockerFactory(ctx, cfg.Image)
	case "containerd":
		return NewContainerdFactory(ctx, cfg.ContainerdSocket, cfg.Namespace, cfg.Image)
	case "", "auto":
		if runtime.GOOS == "linux" {
			factory, err := NewContainerdFactory(ctx, cfg.ContainerdSocket, cfg.Namespace, cfg.Image)
			if err == nil {
				return factory, nil
			}
			log.Debug().Err(err).Msg("containerd unavailable, trying docker")
		}
		factory, err := NewDockerFactory(ctx, cfg.Image)
		if err == nil {
			return factory, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrNoBackend, err)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrNoBackend, cfg.Backend)
	}
}
