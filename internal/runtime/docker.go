package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/moby/patternmatcher/ignorefile"

	"envkit/pkg/runtime"
)

const pingTimeout = 5 * time.Second

// DockerRuntime implements the ContainerRuntime interface using Docker client.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a new DockerRuntime instance using client.FromEnv.
func NewDockerRuntime(ctx context.Context) (*DockerRuntime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := dockerClient.Ping(pingCtx); err != nil {
		_ = dockerClient.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	return &DockerRuntime{
		client: dockerClient,
	}, nil
}

// Close releases the underlying client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// PullImage pulls a Docker image.
func (d *DockerRuntime) PullImage(ctx context.Context, imageName string) error {
	slog.Info("Pulling Docker image", "image", imageName)

	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Pull progress is noise; errors still surface through the stream.
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}

	slog.Info("Successfully pulled Docker image", "image", imageName)
	return nil
}

// BuildImage sends the context directory to the daemon and builds it.
// Failures reported mid-stream by the daemon wrap runtime.ErrBuildFailed.
func (d *DockerRuntime) BuildImage(ctx context.Context, opts runtime.BuildOptions) error {
	slog.Info("Building image", "context", opts.ContextDir, "tags", opts.Tags)

	excludes, err := buildExcludes(opts.ContextDir, opts.Dockerfile)
	if err != nil {
		return err
	}

	buildContext, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return fmt.Errorf("failed to archive build context %s: %w", opts.ContextDir, err)
	}
	defer buildContext.Close()

	resp, err := d.client.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Dockerfile:  opts.Dockerfile,
		Tags:        opts.Tags,
		Labels:      opts.Labels,
		NoCache:     opts.NoCache,
		Remove:      true,
		ForceRemove: true,
		PullParent:  false,
	})
	if err != nil {
		return fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil); err != nil {
		var jsonErr *jsonmessage.JSONError
		if errors.As(err, &jsonErr) {
			return fmt.Errorf("%w: %s", runtime.ErrBuildFailed, jsonErr.Message)
		}
		return fmt.Errorf("failed to read build output: %w", err)
	}

	slog.Info("Image built", "tags", opts.Tags)
	return nil
}

// ImageExists reports whether the image is present in the local store.
func (d *DockerRuntime) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, _, err := d.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image %s: %w", imageName, err)
}

// InspectImage returns the configuration baked into the image.
func (d *DockerRuntime) InspectImage(ctx context.Context, imageName string) (*runtime.ImageConfig, error) {
	inspect, _, err := d.client.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image %s: %w", imageName, err)
	}

	cfg := &runtime.ImageConfig{ID: inspect.ID}
	if inspect.Config != nil {
		cfg.Env = inspect.Config.Env
		cfg.Cmd = inspect.Config.Cmd
		cfg.Entrypoint = inspect.Config.Entrypoint
		cfg.WorkingDir = inspect.Config.WorkingDir
		cfg.Labels = inspect.Config.Labels
	}
	return cfg, nil
}

// RunContainer runs a container to completion, streaming its output, and
// returns the exit code. The container is removed afterwards.
func (d *DockerRuntime) RunContainer(ctx context.Context, opts runtime.RunOptions) (int, error) {
	slog.Info("Running container", "image", opts.Image, "command", opts.Command)

	containerConfig := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Entrypoint: opts.Entrypoint,
		Env:        envList(opts.EnvVars),
		WorkingDir: opts.WorkingDir,
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID
	defer d.removeContainer(containerID)

	// Register the wait before starting so a fast exit is not missed.
	waitCh, waitErrCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer logs.Close()

	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return -1, fmt.Errorf("failed to stream container output: %w", err)
	}

	select {
	case status := <-waitCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container wait failed: %s", status.Error.Message)
		}
		slog.Debug("Container exited", "containerID", containerID, "status", status.StatusCode)
		return int(status.StatusCode), nil
	case err := <-waitErrCh:
		return -1, fmt.Errorf("failed to wait for container: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *DockerRuntime) removeContainer(containerID string) {
	// The caller's context may already be cancelled; removal still has to happen.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Error("Failed to remove container", "containerID", containerID, "error", err)
	}
}

// buildExcludes reads the context's .dockerignore. The Dockerfile and the
// ignore file are always sent since the daemon needs them.
func buildExcludes(contextDir, dockerfile string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextDir, ".dockerignore"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open .dockerignore: %w", err)
	}
	defer f.Close()

	excludes, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read .dockerignore: %w", err)
	}
	if len(excludes) == 0 {
		return nil, nil
	}
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	return append(excludes, "!"+dockerfile, "!.dockerignore"), nil
}

// envList converts env vars to the KEY=VALUE form in a stable order.
func envList(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

var _ runtime.ContainerRuntime = (*DockerRuntime)(nil)
