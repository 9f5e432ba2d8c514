package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envkiterrors "envkit/internal/errors"
	"envkit/internal/scm"
)

func TestProviderFactory_InjectedProvisioner(t *testing.T) {
	prov := &MockProvisioner{}
	factory := NewProviderFactory().WithProvisioner(prov)

	got, err := factory.GetProvisioner(context.Background())
	require.NoError(t, err)
	assert.Same(t, prov, got)
	factory.Close()
}

func TestProviderFactory_GetFetcher(t *testing.T) {
	factory := NewProviderFactory()

	fetcher := factory.GetFetcher()
	_, ok := fetcher.(*scm.GitFetcher)
	assert.True(t, ok, "default fetcher is the git fetcher, got %T", fetcher)
	assert.Same(t, fetcher, factory.GetFetcher(), "fetcher is created once")
}

func TestProviderFactory_DockerUnavailable(t *testing.T) {
	t.Setenv("DOCKER_HOST", "unix:///nonexistent/envkit-test/docker.sock")
	factory := NewProviderFactory()
	defer factory.Close()

	prov, err := factory.GetProvisioner(context.Background())
	if err == nil {
		t.Skip("a daemon answered on the test socket")
	}
	assert.Nil(t, prov)
	assert.ErrorIs(t, err, envkiterrors.ErrRuntimeFailed)
}
