package recipe

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Default values applied by the parser when a recipe leaves a field empty.
const (
	DefaultVenvPath     = "/opt/venv"
	DefaultInterpreter  = "python"
	DefaultManifestPath = "requirements.txt"
	DefaultWorkdir      = "/app"
	DefaultRepository   = "envkit"
)

// Recipe is the root object describing one provisioned runtime environment.
// It's populated by parsing the user's envkit.yaml file.
type Recipe struct {
	APIVersion string   `mapstructure:"apiVersion" yaml:"apiVersion" validate:"required"`
	Kind       string   `mapstructure:"kind" yaml:"kind" validate:"required,eq=Recipe"`
	Metadata   Metadata `mapstructure:"metadata" yaml:"metadata" validate:"required"`
	Spec       Spec     `mapstructure:"spec" yaml:"spec" validate:"required"`
}

// Metadata contains recipe-level metadata.
type Metadata struct {
	Name        string            `mapstructure:"name" yaml:"name" validate:"required,recipename"`
	Description string            `mapstructure:"description" yaml:"description,omitempty"`
	// Labels are KEY=VALUE pairs, kept as a list for the same reason as Spec.Env.
	Labels []string `mapstructure:"labels" yaml:"labels,omitempty" validate:"dive,labelpair"`
}

// Spec contains the provisioning inputs.
type Spec struct {
	Base       Base       `mapstructure:"base" yaml:"base" validate:"required"`
	OS         OSPackages `mapstructure:"os" yaml:"os"`
	Python     Python     `mapstructure:"python" yaml:"python"`
	Manifest   Manifest   `mapstructure:"manifest" yaml:"manifest"`
	Source     Source     `mapstructure:"source" yaml:"source" validate:"required"`
	Entrypoint Entrypoint `mapstructure:"entrypoint" yaml:"entrypoint" validate:"required"`
	Workdir    string     `mapstructure:"workdir" yaml:"workdir" validate:"omitempty,abspath"`
	// Env holds extra image environment as KEY=VALUE pairs. A list keeps key case
	// intact through viper, which lowercases map keys.
	Env        []string   `mapstructure:"env" yaml:"env,omitempty" validate:"dive,envpair"`
	Runtime    Runtime    `mapstructure:"runtime" yaml:"runtime,omitempty"`
	Image      Image      `mapstructure:"image" yaml:"image,omitempty"`
}

// Base names the runtime image the environment is built on.
type Base struct {
	Image string `mapstructure:"image" yaml:"image" validate:"required,imageref"`
}

// OSPackages lists distribution packages installed before the interpreter setup.
type OSPackages struct {
	Packages []string `mapstructure:"packages" yaml:"packages,omitempty" validate:"dive,ospkg"`
	// NoInstallRecommends is a pointer so an omitted value can default to true.
	NoInstallRecommends *bool `mapstructure:"noInstallRecommends" yaml:"noInstallRecommends,omitempty"`
}

// Python configures the isolated environment.
type Python struct {
	VenvPath         string `mapstructure:"venvPath" yaml:"venvPath" validate:"omitempty,abspath"`
	Interpreter      string `mapstructure:"interpreter" yaml:"interpreter" validate:"omitempty,nospace"`
	Copies           *bool  `mapstructure:"copies" yaml:"copies,omitempty"`
	UpgradeInstaller *bool  `mapstructure:"upgradeInstaller" yaml:"upgradeInstaller,omitempty"`
}

// Manifest locates the dependency manifest inside the application source.
type Manifest struct {
	Path string `mapstructure:"path" yaml:"path" validate:"omitempty,relpath"`
}

// Source says where the application source comes from: a local directory or a git remote.
type Source struct {
	Path string     `mapstructure:"path" yaml:"path,omitempty" validate:"required_without=Git,excluded_with=Git"`
	Git  *GitSource `mapstructure:"git" yaml:"git,omitempty" validate:"required_without=Path,omitempty"`
}

// GitSource describes a remote repository holding the application source.
type GitSource struct {
	URL           string `mapstructure:"url" yaml:"url,omitempty" validate:"required_without=GitLabProject,omitempty,url"`
	Ref           string `mapstructure:"ref" yaml:"ref,omitempty"`
	GitLabProject string `mapstructure:"gitlabProject" yaml:"gitlabProject,omitempty" validate:"required_without=URL,omitempty,contains=/"`
	GitLabURL     string `mapstructure:"gitlabUrl" yaml:"gitlabUrl,omitempty" validate:"omitempty,url"`
}

// Entrypoint is the script the container runs under the provisioned interpreter.
type Entrypoint struct {
	Script string `mapstructure:"script" yaml:"script" validate:"required,relpath"`
}

// Runtime describes what the entry-point process expects at container start.
type Runtime struct {
	RequiredEnv []string `mapstructure:"requiredEnv" yaml:"requiredEnv,omitempty" validate:"dive,envname"`
}

// Image controls the name of the produced image.
type Image struct {
	Repository string `mapstructure:"repository" yaml:"repository,omitempty"`
	Tag        string `mapstructure:"tag" yaml:"tag,omitempty"`
}

// ApplyDefaults fills every optional field that was left empty.
func (r *Recipe) ApplyDefaults() {
	s := &r.Spec
	if s.Python.VenvPath == "" {
		s.Python.VenvPath = DefaultVenvPath
	}
	s.Python.VenvPath = path.Clean(s.Python.VenvPath)
	if s.Python.Interpreter == "" {
		s.Python.Interpreter = DefaultInterpreter
	}
	if s.Python.Copies == nil {
		s.Python.Copies = boolPtr(true)
	}
	if s.Python.UpgradeInstaller == nil {
		s.Python.UpgradeInstaller = boolPtr(true)
	}
	if s.OS.NoInstallRecommends == nil {
		s.OS.NoInstallRecommends = boolPtr(true)
	}
	if s.Manifest.Path == "" {
		s.Manifest.Path = DefaultManifestPath
	}
	if s.Workdir == "" {
		s.Workdir = DefaultWorkdir
	}
	if s.Image.Repository == "" {
		s.Image.Repository = DefaultRepository + "/" + r.Metadata.Name
	}
}

// ImageRef returns repository:tag, using tag when the recipe doesn't pin one.
func (s *Spec) ImageRef(tag string) string {
	if s.Image.Tag != "" {
		tag = s.Image.Tag
	}
	return fmt.Sprintf("%s:%s", s.Image.Repository, tag)
}

// Command is the exec-form startup command: interpreter plus script, no arguments.
func (s *Spec) Command() []string {
	return []string{s.Python.Interpreter, s.Entrypoint.Script}
}

// VenvBin returns the directory that must lead PATH once the environment is active.
func (s *Spec) VenvBin() string {
	return path.Join(s.Python.VenvPath, "bin")
}

// IsGitSource reports whether the application source is fetched from a remote.
func (s *Source) IsGitSource() bool {
	return s.Git != nil && (s.Git.URL != "" || s.Git.GitLabProject != "")
}

// Describe returns a short human-readable form of the source location.
func (s *Source) Describe() string {
	if !s.IsGitSource() {
		return s.Path
	}
	loc := s.Git.URL
	if loc == "" {
		loc = "gitlab:" + s.Git.GitLabProject
	}
	if s.Git.Ref != "" {
		loc += "@" + s.Git.Ref
	}
	return loc
}

// BoolValue dereferences an optional flag, treating nil as false.
func BoolValue(b *bool) bool {
	return b != nil && *b
}

func boolPtr(b bool) *bool {
	return &b
}

// EnvMap splits the KEY=VALUE pairs of Env. Later duplicates win.
func (s *Spec) EnvMap() map[string]string {
	return pairMap(s.Env)
}

// LabelMap splits the KEY=VALUE pairs of Labels. Later duplicates win.
func (m *Metadata) LabelMap() map[string]string {
	return pairMap(m.Labels)
}

func pairMap(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		out[key] = value
	}
	return out
}

// SortedEnvKeys returns the keys of env in lexical order so rendered output is stable.
func SortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
