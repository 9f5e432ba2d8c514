package app

import (
	"errors"

	envkiterrors "envkit/internal/errors"
	"envkit/internal/lock"
	"envkit/internal/manifest"
	"envkit/internal/provisioner"
	"envkit/internal/scaffolder"
	"envkit/pkg/runtime"
)

// classify attaches the failure taxonomy to errors from the lower layers.
// Errors that already carry a type pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var typed *envkiterrors.EnvkitError
	if errors.As(err, &typed) {
		return err
	}
	var exit *envkiterrors.ExitError
	if errors.As(err, &exit) {
		return err
	}

	cause := err.Error()
	switch {
	case errors.Is(err, scaffolder.ErrSourceNotFound):
		return envkiterrors.NewSourceError("Application source could not be loaded", cause,
			"Check spec.source in the recipe; for git sources make sure GITLAB_PRIVATE_TOKEN can read the repository", err)
	case errors.Is(err, scaffolder.ErrEntrypointMissing):
		return envkiterrors.NewEntrypointError("Entry-point script is missing", cause,
			"Make sure spec.entrypoint.script names a file in the application source", err)
	case errors.Is(err, manifest.ErrConflictingPins):
		return envkiterrors.NewConflictError("Dependency manifest pins one package to two versions", cause,
			"Keep a single == pin per package", err)
	case errors.Is(err, scaffolder.ErrManifestMissing), errors.Is(err, manifest.ErrInvalidRequirement):
		return envkiterrors.NewManifestError("Dependency manifest is invalid", cause,
			"Check spec.manifest.path and the requirement lines it contains", err)
	case errors.Is(err, scaffolder.ErrDestinationInUse):
		return envkiterrors.NewFileSystemError("Build context directory is in use", cause,
			"Pass --context with an empty directory, or remove the existing one", err)
	case errors.Is(err, scaffolder.ErrNoContext), errors.Is(err, provisioner.ErrImageNotFound):
		return envkiterrors.NewBuildError("Image has not been built", cause,
			"Run 'envkit build' first", err)
	case errors.Is(err, provisioner.ErrBaseImage):
		return envkiterrors.NewNetworkError("Base image could not be pulled", cause,
			"Check spec.base.image and your registry access", err)
	case errors.Is(err, provisioner.ErrOSPackages):
		return envkiterrors.NewOSPackageError("OS package installation failed", cause,
			"Check spec.os.packages for names the base image's repositories do not provide", err)
	case errors.Is(err, provisioner.ErrDependencyInstall):
		return envkiterrors.NewManifestError("Dependency manifest could not be resolved", cause,
			"Check the manifest for missing packages or incompatible versions", err)
	case errors.Is(err, runtime.ErrBuildFailed):
		return envkiterrors.NewBuildError("Image build failed", cause, "", err)
	case errors.Is(err, provisioner.ErrVerifyFailed):
		return envkiterrors.NewVerifyError("Image does not match its recipe", cause,
			"Rebuild with --force-rebuild", err)
	case errors.Is(err, provisioner.ErrFreezeFailed), errors.Is(err, lock.ErrUnsupportedVersion):
		return envkiterrors.NewLockError("Lock file could not be produced", cause, "", err)
	case errors.Is(err, provisioner.ErrMissingEnv):
		return envkiterrors.NewRuntimeError("Container cannot start", cause,
			"Export the variables listed in spec.runtime.requiredEnv", err)
	}
	return err
}
