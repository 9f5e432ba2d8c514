package provisioner

import (
	"context"
	"errors"
	"io"

	"envkit/internal/lock"
	"envkit/internal/plan"
)

var (
	ErrBaseImage         = errors.New("base image unavailable")
	ErrOSPackages        = errors.New("OS package installation failed")
	ErrDependencyInstall = errors.New("dependency installation failed")
	ErrImageNotFound     = errors.New("image not found")
	ErrVerifyFailed      = errors.New("image verification failed")
	ErrFreezeFailed      = errors.New("package freeze failed")
	ErrMissingEnv        = errors.New("required environment variables are not set")
)

// Provisioner defines the operations that turn a build context into a runnable image.
type Provisioner interface {
	Build(ctx context.Context, req BuildRequest) (*BuildResult, error)
	Verify(ctx context.Context, image string, p *plan.Plan) error
	Freeze(ctx context.Context, image string, p *plan.Plan) ([]lock.Package, error)
	// Run starts the image's declared command and returns its exit code.
	Run(ctx context.Context, req RunRequest) (int, error)
}

// BuildRequest describes one image build.
type BuildRequest struct {
	Image      string
	ContextDir string
	Plan       *plan.Plan
	Labels     map[string]string
	// ForceRebuild builds even when Image already exists locally.
	ForceRebuild bool
	NoCache      bool
	Output       io.Writer
}

// BuildResult reports the image a build produced or reused.
type BuildResult struct {
	Image  string
	ID     string
	Cached bool
}

// RunRequest describes a container start from a built image.
type RunRequest struct {
	Image       string
	RequiredEnv []string
	// LookupEnv resolves required variables; nil means os.LookupEnv.
	LookupEnv func(string) (string, bool)
	Stdout    io.Writer
	Stderr    io.Writer
}
