package app

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	envkiterrors "envkit/internal/errors"
	"envkit/internal/manifest"
	"envkit/internal/provisioner"
	"envkit/internal/scaffolder"
	"envkit/pkg/runtime"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"source", scaffolder.ErrSourceNotFound, envkiterrors.ErrSourceFailed},
		{"entrypoint", scaffolder.ErrEntrypointMissing, envkiterrors.ErrEntrypointMissing},
		{"conflict", fmt.Errorf("requests: %w", manifest.ErrConflictingPins), envkiterrors.ErrDependencyConflict},
		{"bad requirement", manifest.ErrInvalidRequirement, envkiterrors.ErrManifestInvalid},
		{"manifest missing", scaffolder.ErrManifestMissing, envkiterrors.ErrManifestInvalid},
		{"destination", scaffolder.ErrDestinationInUse, envkiterrors.ErrFileSystemFailed},
		{"no context", scaffolder.ErrNoContext, envkiterrors.ErrBuildFailed},
		{"base image", provisioner.ErrBaseImage, envkiterrors.ErrNetworkFailed},
		{"os packages", fmt.Errorf("%w: %w", provisioner.ErrOSPackages, runtime.ErrBuildFailed), envkiterrors.ErrOSPackageFailed},
		{"dependency install", provisioner.ErrDependencyInstall, envkiterrors.ErrManifestInvalid},
		{"generic build", runtime.ErrBuildFailed, envkiterrors.ErrBuildFailed},
		{"verify", provisioner.ErrVerifyFailed, envkiterrors.ErrVerifyFailed},
		{"freeze", provisioner.ErrFreezeFailed, envkiterrors.ErrLockMismatch},
		{"missing env", provisioner.ErrMissingEnv, envkiterrors.ErrRuntimeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(fmt.Errorf("stage failed: %w", tt.err))
			assert.ErrorIs(t, err, tt.expected)
			assert.ErrorIs(t, err, tt.err, "the original error stays reachable")
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	assert.NoError(t, classify(nil))

	typed := envkiterrors.NewConfigError("bad flag", "", "", nil)
	assert.Same(t, typed, classify(typed))

	exit := &envkiterrors.ExitError{Code: 2}
	assert.Same(t, exit, classify(exit))

	plain := errors.New("something else")
	assert.Equal(t, plain, classify(plain))
}
