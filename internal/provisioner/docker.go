package provisioner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"regexp"
	"slices"
	"sort"
	"strings"

	"envkit/internal/lock"
	"envkit/internal/plan"
	"envkit/pkg/runtime"
)

// Probe exit codes. 0 means every check passed.
const (
	probeSymlink       = 3
	probeScriptMissing = 4
	probeFlagsMissing  = 5
)

// probeScript runs under the environment's own interpreter with the entry-point
// script as its only argument.
const probeScript = `import os, sys
exe = os.path.join(os.environ.get("VIRTUAL_ENV", ""), "bin", "python")
if os.path.islink(exe):
    sys.exit(3)
if not os.path.isfile(sys.argv[1]):
    sys.exit(4)
if os.environ.get("PYTHONDONTWRITEBYTECODE") != "1" or os.environ.get("PYTHONUNBUFFERED") != "1":
    sys.exit(5)
`

// DockerProvisioner implements Provisioner on top of a container runtime.
type DockerProvisioner struct {
	containerRuntime runtime.ContainerRuntime
}

// NewDockerProvisioner creates a new DockerProvisioner.
func NewDockerProvisioner(containerRuntime runtime.ContainerRuntime) *DockerProvisioner {
	return &DockerProvisioner{
		containerRuntime: containerRuntime,
	}
}

// Build produces req.Image from the build context. An image that already exists
// under the tag is reused unless ForceRebuild is set.
func (p *DockerProvisioner) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	if req.Plan == nil {
		return nil, fmt.Errorf("no provisioning plan given")
	}
	if _, err := os.Stat(req.ContextDir); err != nil {
		return nil, fmt.Errorf("build context does not exist: %s", req.ContextDir)
	}

	if !req.ForceRebuild {
		exists, err := p.containerRuntime.ImageExists(ctx, req.Image)
		if err != nil {
			return nil, err
		}
		if exists {
			slog.Info("Image up to date, skipping build", "image", req.Image)
			return p.result(ctx, req.Image, true)
		}
	}

	slog.Info("Starting image build", "image", req.Image, "base", req.Plan.BaseImage)

	if err := p.containerRuntime.PullImage(ctx, req.Plan.BaseImage); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBaseImage, err)
	}

	err := p.containerRuntime.BuildImage(ctx, runtime.BuildOptions{
		ContextDir: req.ContextDir,
		Dockerfile: "Dockerfile",
		Tags:       []string{req.Image},
		Labels:     req.Labels,
		NoCache:    req.NoCache,
		Output:     req.Output,
	})
	if err != nil {
		return nil, classifyBuildError(err, req.Plan)
	}

	slog.Info("Image build completed successfully", "image", req.Image)
	return p.result(ctx, req.Image, false)
}

func (p *DockerProvisioner) result(ctx context.Context, image string, cached bool) (*BuildResult, error) {
	cfg, err := p.containerRuntime.InspectImage(ctx, image)
	if err != nil {
		return nil, err
	}
	return &BuildResult{Image: image, ID: cfg.ID, Cached: cached}, nil
}

// classifyBuildError attributes a failed build to the step whose command the
// daemon reported.
func classifyBuildError(err error, p *plan.Plan) error {
	if !errors.Is(err, runtime.ErrBuildFailed) {
		return err
	}
	msg := err.Error()
	if step, ok := p.Step(plan.StepOSPackages); ok && !step.Skipped && strings.Contains(msg, "apt-get") {
		return fmt.Errorf("%w: %w", ErrOSPackages, err)
	}
	if strings.Contains(msg, path.Join(p.VenvPath, "bin", "pip")) {
		return fmt.Errorf("%w: %w", ErrDependencyInstall, err)
	}
	return err
}

// Verify checks the built image against the plan: process environment, startup
// command, and a probe run inside the environment.
func (p *DockerProvisioner) Verify(ctx context.Context, image string, pl *plan.Plan) error {
	cfg, err := p.inspect(ctx, image)
	if err != nil {
		return err
	}

	problems := checkImageConfig(cfg, pl)
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrVerifyFailed, strings.Join(problems, "; "))
	}

	script, _ := pl.Step(plan.StepEntrypoint)
	var stderr bytes.Buffer
	code, err := p.containerRuntime.RunContainer(ctx, runtime.RunOptions{
		Image:   image,
		Command: []string{venvPython(pl), "-c", probeScript, script.Cmd[1]},
		Stderr:  &stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to run verification probe: %w", err)
	}

	switch code {
	case 0:
	case probeSymlink:
		return fmt.Errorf("%w: %s is a symlink, the environment was not created with copies", ErrVerifyFailed, venvPython(pl))
	case probeScriptMissing:
		return fmt.Errorf("%w: entry-point script %s is missing from %s", ErrVerifyFailed, script.Cmd[1], pl.Workdir)
	case probeFlagsMissing:
		return fmt.Errorf("%w: interpreter flags are not visible to container processes", ErrVerifyFailed)
	default:
		return fmt.Errorf("%w: probe exited with status %d: %s", ErrVerifyFailed, code, lastLine(stderr.String()))
	}

	slog.Info("Image verified", "image", image)
	return nil
}

func checkImageConfig(cfg *runtime.ImageConfig, pl *plan.Plan) []string {
	var problems []string

	env := envMap(cfg.Env)
	required := pl.RequiredEnv()
	for _, name := range sortedNames(required) {
		got, ok := env[name]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("env %s is not set", name))
		case got != required[name]:
			problems = append(problems, fmt.Sprintf("env %s is %q, want %q", name, got, required[name]))
		}
	}
	bin := path.Join(pl.VenvPath, "bin")
	if first, _, _ := strings.Cut(env["PATH"], ":"); first != bin {
		problems = append(problems, fmt.Sprintf("PATH does not start with %s", bin))
	}

	if want := pl.Command(); !slices.Equal(cfg.Cmd, want) {
		problems = append(problems, fmt.Sprintf("CMD is %v, want %v", cfg.Cmd, want))
	}
	if len(cfg.Entrypoint) > 0 {
		problems = append(problems, fmt.Sprintf("ENTRYPOINT is %v, want none", cfg.Entrypoint))
	}
	if cfg.WorkingDir != pl.Workdir {
		problems = append(problems, fmt.Sprintf("working directory is %q, want %q", cfg.WorkingDir, pl.Workdir))
	}
	return problems
}

// Freeze lists the packages installed in the image's environment.
func (p *DockerProvisioner) Freeze(ctx context.Context, image string, pl *plan.Plan) ([]lock.Package, error) {
	if _, err := p.inspect(ctx, image); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	code, err := p.containerRuntime.RunContainer(ctx, runtime.RunOptions{
		Image:   image,
		Command: []string{path.Join(pl.VenvPath, "bin", "pip"), "freeze"},
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run pip freeze: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("%w: pip freeze exited with status %d: %s", ErrFreezeFailed, code, lastLine(stderr.String()))
	}

	var cleaned strings.Builder
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		if line := cleanOutputLine(scanner.Text()); line != "" {
			cleaned.WriteString(line)
			cleaned.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading pip freeze output: %w", err)
	}

	pkgs, err := lock.ParseFreeze(strings.NewReader(cleaned.String()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFreezeFailed, err)
	}
	slog.Info("Environment frozen", "image", image, "packages", len(pkgs))
	return pkgs, nil
}

// Run starts a container with the image's declared command after checking the
// required variables are present. Their values are passed through.
func (p *DockerProvisioner) Run(ctx context.Context, req RunRequest) (int, error) {
	lookup := req.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	env := make(map[string]string, len(req.RequiredEnv))
	var missing []string
	for _, name := range req.RequiredEnv {
		value, ok := lookup(name)
		if !ok || value == "" {
			missing = append(missing, name)
			continue
		}
		env[name] = value
	}
	if len(missing) > 0 {
		return -1, fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}

	if _, err := p.inspect(ctx, req.Image); err != nil {
		return -1, err
	}

	code, err := p.containerRuntime.RunContainer(ctx, runtime.RunOptions{
		Image:   req.Image,
		EnvVars: env,
		Stdout:  req.Stdout,
		Stderr:  req.Stderr,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to run container: %w", err)
	}
	slog.Info("Container exited", "image", req.Image, "status", code)
	return code, nil
}

// inspect returns the image configuration, or ErrImageNotFound when the image
// has not been built.
func (p *DockerProvisioner) inspect(ctx context.Context, image string) (*runtime.ImageConfig, error) {
	exists, err := p.containerRuntime.ImageExists(ctx, image)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, image)
	}
	return p.containerRuntime.InspectImage(ctx, image)
}

func venvPython(pl *plan.Plan) string {
	return path.Join(pl.VenvPath, "bin", "python")
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

func sortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := cleanOutputLine(lines[i]); line != "" {
			return line
		}
	}
	return "no output"
}

// ansiRegex is a compiled regex for ANSI escape sequences
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// cleanOutputLine removes ANSI escape sequences and control characters from one
// line of container output.
func cleanOutputLine(line string) string {
	line = ansiRegex.ReplaceAllString(line, "")
	line = strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' {
			return -1
		}
		return r
	}, line)
	return strings.TrimSpace(line)
}
