// Located in pkg/runtime/runtime.go
package runtime

import (
	"context"
	"errors"
	"io"
)

// ErrBuildFailed wraps errors the engine reports while executing a Dockerfile.
var ErrBuildFailed = errors.New("image build failed")

// BuildOptions defines the parameters for building an image from a context directory.
type BuildOptions struct {
	ContextDir string
	Dockerfile string
	Tags       []string
	Labels     map[string]string
	NoCache    bool
	// Output receives the daemon's build progress. Nil discards it.
	Output io.Writer
}

// RunOptions defines the parameters for running a container.
type RunOptions struct {
	Image      string
	Command    []string
	Entrypoint []string
	EnvVars    map[string]string
	WorkingDir string
	Stdout     io.Writer
	Stderr     io.Writer
}

// ImageConfig is the subset of an image's configuration envkit inspects.
type ImageConfig struct {
	ID         string
	Env        []string
	Cmd        []string
	Entrypoint []string
	WorkingDir string
	Labels     map[string]string
}

// ContainerRuntime defines the contract for container operations.
type ContainerRuntime interface {
	PullImage(ctx context.Context, image string) error
	BuildImage(ctx context.Context, opts BuildOptions) error
	ImageExists(ctx context.Context, image string) (bool, error)
	InspectImage(ctx context.Context, image string) (*ImageConfig, error)
	// RunContainer runs to completion and returns the container's exit code.
	RunContainer(ctx context.Context, opts RunOptions) (int, error)
}
