package app

import (
	"context"
	"log/slog"

	envkiterrors "envkit/internal/errors"
	"envkit/internal/provisioner"
	"envkit/internal/runtime"
	"envkit/internal/scm"
)

// ProviderFactory creates the collaborators commands need. The container
// runtime is only connected on first use, so commands that never touch
// Docker work without a daemon.
type ProviderFactory struct {
	provisioner provisioner.Provisioner
	fetcher     scm.SourceFetcher
	closers     []func() error
}

// NewProviderFactory creates a new instance of ProviderFactory.
func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{}
}

// WithProvisioner makes the factory hand out p instead of connecting to Docker.
func (f *ProviderFactory) WithProvisioner(p provisioner.Provisioner) *ProviderFactory {
	f.provisioner = p
	return f
}

// WithFetcher replaces the git fetcher used for remote sources.
func (f *ProviderFactory) WithFetcher(fetcher scm.SourceFetcher) *ProviderFactory {
	f.fetcher = fetcher
	return f
}

// GetFetcher returns the source fetcher, authenticating with the GitLab token
// from the environment when one is set.
func (f *ProviderFactory) GetFetcher() scm.SourceFetcher {
	if f.fetcher == nil {
		f.fetcher = scm.NewGitFetcher(scm.TokenFromEnv())
	}
	return f.fetcher
}

// GetProvisioner returns the provisioner, connecting to the Docker daemon
// the first time it is needed.
func (f *ProviderFactory) GetProvisioner(ctx context.Context) (provisioner.Provisioner, error) {
	if f.provisioner != nil {
		return f.provisioner, nil
	}

	dockerRuntime, err := runtime.NewDockerRuntime(ctx)
	if err != nil {
		return nil, envkiterrors.NewRuntimeError(
			"Docker is not available",
			err.Error(),
			"Start the Docker daemon or point DOCKER_HOST at a running one",
			err,
		)
	}
	f.closers = append(f.closers, dockerRuntime.Close)
	f.provisioner = provisioner.NewDockerProvisioner(dockerRuntime)
	return f.provisioner, nil
}

// Close releases connections the factory opened.
func (f *ProviderFactory) Close() {
	for _, fn := range f.closers {
		if err := fn(); err != nil {
			slog.Warn("Failed to close provider", "error", err)
		}
	}
	f.closers = nil
}
