// Package plan turns a recipe into the ordered provisioning steps and renders them
// as a Dockerfile.
//
// The step order is fixed: OS packages, environment creation, activation,
// dependency installation, source copy, startup command. Later steps rely on
// filesystem state produced by earlier ones, so Validate rejects any other order.
package plan

import (
	"fmt"
	"path"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"envkit/pkg/recipe"
)

// StepKind identifies one stage of the provisioning sequence.
type StepKind string

const (
	StepOSPackages  StepKind = "os-packages"
	StepCreateVenv  StepKind = "create-venv"
	StepActivate    StepKind = "activate-venv"
	StepInstallDeps StepKind = "install-deps"
	StepCopySource  StepKind = "copy-source"
	StepEntrypoint  StepKind = "entrypoint"
)

// Order is the only valid sequence of steps.
var Order = []StepKind{
	StepOSPackages,
	StepCreateVenv,
	StepActivate,
	StepInstallDeps,
	StepCopySource,
	StepEntrypoint,
}

// Interpreter flags every process spawned from the image inherits.
const (
	EnvNoBytecode = "PYTHONDONTWRITEBYTECODE"
	EnvUnbuffered = "PYTHONUNBUFFERED"
	EnvVirtualEnv = "VIRTUAL_ENV"
)

// Option adjusts how a plan is built.
type Option func(*options)

type options struct {
	manifestIncludes []string
}

// WithManifestIncludes adds files the manifest references through -r or -c.
// Paths are relative to the manifest's directory; remote includes are ignored.
func WithManifestIncludes(files []string) Option {
	return func(o *options) {
		o.manifestIncludes = append(o.manifestIncludes, files...)
	}
}

// Step is one provisioning stage. Commands are shell command lines for RUN
// instructions; Env and Copy carry ENV and COPY content.
type Step struct {
	Kind        StepKind          `yaml:"kind"`
	Description string            `yaml:"description"`
	Commands    []string          `yaml:"commands,omitempty"`
	Env         []EnvVar          `yaml:"env,omitempty"`
	Copy        []CopyOp          `yaml:"copy,omitempty"`
	Cmd         []string          `yaml:"cmd,omitempty"`
	Skipped     bool              `yaml:"skipped,omitempty"`
	Meta        map[string]string `yaml:"meta,omitempty"`
}

// EnvVar is a single ENV assignment. Only values with Expand set may
// reference earlier variables; anything else is rendered literally.
type EnvVar struct {
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
	Expand bool   `yaml:"expand,omitempty"`
}

// CopyOp copies Src from the build context to Dest in the image.
type CopyOp struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
}

// Plan is the complete provisioning sequence for one recipe.
type Plan struct {
	Name      string   `yaml:"name"`
	BaseImage string   `yaml:"baseImage"`
	Workdir   string   `yaml:"workdir"`
	VenvPath  string   `yaml:"venvPath"`
	Env       []EnvVar `yaml:"env"`
	Labels    []EnvVar `yaml:"labels,omitempty"`
	Steps     []Step   `yaml:"steps"`
}

// Build derives the plan for rc. The recipe must already have its defaults applied.
func Build(rc *recipe.Recipe, opts ...Option) (*Plan, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	spec := &rc.Spec
	p := &Plan{
		Name:      rc.Metadata.Name,
		BaseImage: spec.Base.Image,
		Workdir:   spec.Workdir,
		VenvPath:  spec.Python.VenvPath,
		Env: []EnvVar{
			{Name: EnvNoBytecode, Value: "1"},
			{Name: EnvUnbuffered, Value: "1"},
		},
	}

	extra := spec.EnvMap()
	for _, key := range recipe.SortedEnvKeys(extra) {
		switch key {
		case EnvNoBytecode, EnvUnbuffered, EnvVirtualEnv, "PATH":
			return nil, fmt.Errorf("env %s is managed by the provisioner and cannot be overridden", key)
		}
		if strings.ContainsAny(extra[key], "\r\n") {
			return nil, fmt.Errorf("env %s spans several lines", key)
		}
		p.Env = append(p.Env, EnvVar{Name: key, Value: extra[key]})
	}
	labels := rc.Metadata.LabelMap()
	for _, key := range sortedKeys(labels) {
		if strings.ContainsAny(key+labels[key], "\r\n") {
			return nil, fmt.Errorf("label %s spans several lines", key)
		}
		p.Labels = append(p.Labels, EnvVar{Name: key, Value: labels[key]})
	}

	osStep, err := osPackagesStep(spec)
	if err != nil {
		return nil, err
	}
	venvStep, err := createVenvStep(spec)
	if err != nil {
		return nil, err
	}
	depsStep, err := installDepsStep(spec, o.manifestIncludes)
	if err != nil {
		return nil, err
	}

	p.Steps = []Step{
		osStep,
		venvStep,
		{
			Kind:        StepActivate,
			Description: "Activate the isolated environment for every later instruction",
			Env: []EnvVar{
				{Name: EnvVirtualEnv, Value: spec.Python.VenvPath},
				{Name: "PATH", Value: spec.VenvBin() + ":$PATH", Expand: true},
			},
		},
		depsStep,
		{
			Kind:        StepCopySource,
			Description: "Copy application source",
			Copy:        []CopyOp{{Src: ".", Dest: "."}},
		},
		{
			Kind:        StepEntrypoint,
			Description: "Declare the startup command",
			Cmd:         spec.Command(),
		},
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func osPackagesStep(spec *recipe.Spec) (Step, error) {
	step := Step{
		Kind:        StepOSPackages,
		Description: "Install OS packages",
	}
	if len(spec.OS.Packages) == 0 {
		step.Skipped = true
		step.Description = "No OS packages requested"
		return step, nil
	}

	install := []string{"apt-get", "install", "-y"}
	if recipe.BoolValue(spec.OS.NoInstallRecommends) {
		install = append(install, "--no-install-recommends")
	}
	install = append(install, spec.OS.Packages...)

	line, err := joinCommands(
		[]string{"apt-get", "update"},
		install,
		[]string{"rm", "-rf", "/var/lib/apt/lists/*"},
	)
	if err != nil {
		return Step{}, err
	}
	step.Commands = []string{line}
	step.Meta = map[string]string{"packages": strings.Join(spec.OS.Packages, " ")}
	return step, nil
}

func createVenvStep(spec *recipe.Spec) (Step, error) {
	line, err := quoteWords(spec.Python.Interpreter, "-m", "venv", "--copies", spec.Python.VenvPath)
	if err != nil {
		return Step{}, err
	}
	return Step{
		Kind:        StepCreateVenv,
		Description: "Create the isolated environment with copied interpreter binaries",
		Commands:    []string{line},
	}, nil
}

func installDepsStep(spec *recipe.Spec, includes []string) (Step, error) {
	manifestPath := path.Clean(spec.Manifest.Path)
	pip := path.Join(spec.VenvBin(), "pip")
	var cmds [][]string
	if recipe.BoolValue(spec.Python.UpgradeInstaller) {
		cmds = append(cmds, []string{pip, "install", "--no-cache-dir", "--upgrade", "pip"})
	}
	cmds = append(cmds, []string{pip, "install", "--no-cache-dir", "-r", manifestPath})

	line, err := joinCommands(cmds...)
	if err != nil {
		return Step{}, err
	}

	copies := []CopyOp{copyInPlace(manifestPath)}
	seen := map[string]bool{manifestPath: true}
	for _, inc := range includes {
		if strings.Contains(inc, "://") {
			continue
		}
		p := path.Join(path.Dir(manifestPath), inc)
		if seen[p] || path.IsAbs(inc) || strings.HasPrefix(p, "../") {
			continue
		}
		seen[p] = true
		copies = append(copies, copyInPlace(p))
	}

	return Step{
		Kind:        StepInstallDeps,
		Description: "Upgrade the installer and install the dependency manifest",
		Copy:        copies,
		Commands:    []string{line},
		Meta:        map[string]string{"manifest": manifestPath},
	}, nil
}

// copyInPlace copies a context file to the same relative path under the workdir.
func copyInPlace(p string) CopyOp {
	return CopyOp{Src: p, Dest: "./" + p}
}

// Validate checks that the steps follow Order exactly and that every shell
// command parses.
func (p *Plan) Validate() error {
	if p.BaseImage == "" {
		return fmt.Errorf("plan has no base image")
	}
	if len(p.Steps) != len(Order) {
		return fmt.Errorf("plan has %d steps, want %d", len(p.Steps), len(Order))
	}
	for i, step := range p.Steps {
		if step.Kind != Order[i] {
			return fmt.Errorf("step %d is %s, want %s: steps must run in order %v", i+1, step.Kind, Order[i], Order)
		}
		for _, cmd := range step.Commands {
			if err := checkShell(cmd); err != nil {
				return fmt.Errorf("step %s: %w", step.Kind, err)
			}
		}
	}
	last := p.Steps[len(p.Steps)-1]
	if len(last.Cmd) != 2 {
		return fmt.Errorf("startup command must be interpreter plus script, got %v", last.Cmd)
	}
	return nil
}

// Step returns the step of the given kind.
func (p *Plan) Step(kind StepKind) (Step, bool) {
	for _, s := range p.Steps {
		if s.Kind == kind {
			return s, true
		}
	}
	return Step{}, false
}

// RequiredEnv lists the variables every container process must see, with the values
// the image must carry.
func (p *Plan) RequiredEnv() map[string]string {
	return map[string]string{
		EnvNoBytecode: "1",
		EnvUnbuffered: "1",
		EnvVirtualEnv: p.VenvPath,
	}
}

// Command returns the declared startup command.
func (p *Plan) Command() []string {
	s, _ := p.Step(StepEntrypoint)
	return s.Cmd
}

// checkShell parses a command line with a POSIX shell parser.
func checkShell(cmd string) error {
	if _, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(strings.NewReader(cmd), ""); err != nil {
		return fmt.Errorf("shell syntax error in %q: %w", cmd, err)
	}
	return nil
}

// quoteWords shell-quotes each word and joins them into one command.
func quoteWords(words ...string) (string, error) {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		if strings.HasSuffix(w, "/*") && !strings.ContainsAny(strings.TrimSuffix(w, "/*"), "*?[] \t'\"$`\\") {
			// trailing glob stays unquoted so the shell expands it
			quoted = append(quoted, w)
			continue
		}
		q, err := syntax.Quote(w, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("cannot quote %q: %w", w, err)
		}
		quoted = append(quoted, q)
	}
	return strings.Join(quoted, " "), nil
}

// joinCommands chains commands with && so the first failure aborts the step.
func joinCommands(cmds ...[]string) (string, error) {
	parts := make([]string, 0, len(cmds))
	for _, c := range cmds {
		q, err := quoteWords(c...)
		if err != nil {
			return "", err
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " && "), nil
}

func sortedKeys(m map[string]string) []string {
	return recipe.SortedEnvKeys(m)
}
