package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envkit/pkg/recipe"
)

const validRecipe = `apiVersion: v1
kind: Recipe
metadata:
  name: telegram-bot
  description: Moderation bot runtime
  labels:
    - team=bots
    - Org.Acme.Owner=moderation
spec:
  base:
    image: python:3.11-slim
  os:
    packages:
      - tesseract-ocr
      - build-essential
  manifest:
    path: requirements.txt
  source:
    path: ./app
  entrypoint:
    script: bot.py
  env:
    - TZ=UTC
  runtime:
    requiredEnv:
      - BOT_TOKEN
`

func writeRecipe(t *testing.T, name, content string) string {
	t.Helper()
	filePath := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(filePath, []byte(content), 0644))
	return filePath
}

func TestParse_ValidRecipe(t *testing.T) {
	filePath := writeRecipe(t, "envkit.yaml", validRecipe)

	rc, err := Parse(filePath)
	require.NoError(t, err)

	assert.Equal(t, "v1", rc.APIVersion)
	assert.Equal(t, "Recipe", rc.Kind)
	assert.Equal(t, "telegram-bot", rc.Metadata.Name)
	assert.Equal(t, "python:3.11-slim", rc.Spec.Base.Image)
	assert.Equal(t, []string{"tesseract-ocr", "build-essential"}, rc.Spec.OS.Packages)
	assert.Equal(t, []string{"TZ=UTC"}, rc.Spec.Env)
	assert.Equal(t, map[string]string{"team": "bots", "Org.Acme.Owner": "moderation"}, rc.Metadata.LabelMap())
	assert.Equal(t, []string{"BOT_TOKEN"}, rc.Spec.Runtime.RequiredEnv)
	assert.Equal(t, filepath.Join(filepath.Dir(filePath), "app"), rc.Spec.Source.Path)
}

func TestParse_AppliesDefaults(t *testing.T) {
	filePath := writeRecipe(t, "envkit.yaml", `apiVersion: v1
kind: Recipe
metadata:
  name: minimal
spec:
  base:
    image: python:3.12-slim
  source:
    path: /srv/app
  entrypoint:
    script: main.py
`)

	rc, err := Parse(filePath)
	require.NoError(t, err)

	assert.Equal(t, recipe.DefaultVenvPath, rc.Spec.Python.VenvPath)
	assert.Equal(t, recipe.DefaultInterpreter, rc.Spec.Python.Interpreter)
	assert.Equal(t, recipe.DefaultManifestPath, rc.Spec.Manifest.Path)
	assert.Equal(t, recipe.DefaultWorkdir, rc.Spec.Workdir)
	assert.Equal(t, "envkit/minimal", rc.Spec.Image.Repository)
	assert.True(t, recipe.BoolValue(rc.Spec.Python.Copies))
	assert.True(t, recipe.BoolValue(rc.Spec.Python.UpgradeInstaller))
	assert.True(t, recipe.BoolValue(rc.Spec.OS.NoInstallRecommends))
	assert.Empty(t, rc.Spec.OS.Packages)
	assert.Equal(t, "/srv/app", rc.Spec.Source.Path, "absolute source paths stay untouched")
	assert.Equal(t, []string{"python", "main.py"}, rc.Spec.Command())
}

func TestParse_GitSource(t *testing.T) {
	filePath := writeRecipe(t, "envkit.yaml", `apiVersion: v1
kind: Recipe
metadata:
  name: remote-bot
spec:
  base:
    image: python:3.11-slim
  source:
    git:
      gitlabProject: acme/bot
      ref: main
  entrypoint:
    script: bot.py
`)

	rc, err := Parse(filePath)
	require.NoError(t, err)
	require.True(t, rc.Spec.Source.IsGitSource())
	assert.Equal(t, "acme/bot", rc.Spec.Source.Git.GitLabProject)
	assert.Equal(t, "gitlab:acme/bot@main", rc.Spec.Source.Describe())
}

func TestParse_JSONCRecipe(t *testing.T) {
	filePath := writeRecipe(t, "envkit.jsonc", `{
  // comments are allowed in .jsonc recipes
  "apiVersion": "v1",
  "kind": "Recipe",
  "metadata": {"name": "jsonc-bot"},
  "spec": {
    "base": {"image": "python:3.11-slim"},
    "source": {"path": "/srv/app"},
    "entrypoint": {"script": "bot.py"}, // trailing comma below
  },
}`)

	rc, err := Parse(filePath)
	require.NoError(t, err)
	assert.Equal(t, "jsonc-bot", rc.Metadata.Name)
}

func TestParse_TOMLRecipe(t *testing.T) {
	filePath := writeRecipe(t, "envkit.toml", `apiVersion = "v1"
kind = "Recipe"

[metadata]
name = "toml-bot"

[spec.base]
image = "python:3.11-slim"

[spec.os]
packages = ["tesseract-ocr"]

[spec.source]
path = "/srv/app"

[spec.entrypoint]
script = "main.py"
`)

	rc, err := Parse(filePath)
	require.NoError(t, err)
	assert.Equal(t, "toml-bot", rc.Metadata.Name)
	assert.Equal(t, []string{"tesseract-ocr"}, rc.Spec.OS.Packages)
}

func TestParse_FileNotFound(t *testing.T) {
	_, err := Parse("nonexistent-file.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipe file not found")
}

func TestParse_MalformedYAML(t *testing.T) {
	filePath := writeRecipe(t, "malformed.yaml", `apiVersion: v1
kind: Recipe
metadata:
  name: test
  description: "unclosed quote
spec:
  invalid yaml structure
`)

	_, err := Parse(filePath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read recipe file")
}

func TestParse_ValidationErrors(t *testing.T) {
	base := func(spec string) string {
		return "apiVersion: v1\nkind: Recipe\nmetadata:\n  name: test\nspec:\n" + spec
	}

	tests := []struct {
		name          string
		yaml          string
		expectedError string
	}{
		{
			name: "missing apiVersion",
			yaml: `kind: Recipe
metadata:
  name: test
spec:
  base:
    image: python:3.11-slim
  source:
    path: ./app
  entrypoint:
    script: bot.py
`,
			expectedError: "field 'APIVersion' is required but missing",
		},
		{
			name: "label without value separator",
			yaml: `apiVersion: v1
kind: Recipe
metadata:
  name: test
  labels:
    - team
spec:
  base:
    image: python:3.11-slim
  source:
    path: ./app
  entrypoint:
    script: bot.py
`,
			expectedError: "must be a KEY=VALUE label",
		},
		{
			name: "wrong kind value",
			yaml: `apiVersion: v1
kind: Deployment
metadata:
  name: test
spec:
  base:
    image: python:3.11-slim
  source:
    path: ./app
  entrypoint:
    script: bot.py
`,
			expectedError: "field 'Kind' must be 'Recipe'",
		},
		{
			name: "uppercase recipe name",
			yaml: `apiVersion: v1
kind: Recipe
metadata:
  name: Telegram_Bot
spec:
  base:
    image: python:3.11-slim
  source:
    path: ./app
  entrypoint:
    script: bot.py
`,
			expectedError: "field 'Name' must be lowercase",
		},
		{
			name: "missing base image",
			yaml: base(`  source:
    path: ./app
  entrypoint:
    script: bot.py
`),
			expectedError: "field 'Image' is required but missing",
		},
		{
			name: "invalid base image",
			yaml: base(`  base:
    image: "Python 3.11"
  source:
    path: ./app
  entrypoint:
    script: bot.py
`),
			expectedError: "must be an image reference",
		},
		{
			name: "invalid os package",
			yaml: base(`  base:
    image: python:3.11-slim
  os:
    packages: ["tesseract ocr"]
  source:
    path: ./app
  entrypoint:
    script: bot.py
`),
			expectedError: "invalid OS package name",
		},
		{
			name: "missing entrypoint script",
			yaml: base(`  base:
    image: python:3.11-slim
  source:
    path: ./app
`),
			expectedError: "field 'Script' is required but missing",
		},
		{
			name: "script escapes source",
			yaml: base(`  base:
    image: python:3.11-slim
  source:
    path: ./app
  entrypoint:
    script: ../bot.py
`),
			expectedError: "field 'Script' must be a path relative",
		},
		{
			name: "source path and git together",
			yaml: base(`  base:
    image: python:3.11-slim
  source:
    path: ./app
    git:
      url: https://gitlab.com/acme/bot.git
  entrypoint:
    script: bot.py
`),
			expectedError: "field 'Path' cannot be combined with 'Git'",
		},
		{
			name: "no source at all",
			yaml: base(`  base:
    image: python:3.11-slim
  entrypoint:
    script: bot.py
`),
			expectedError: "field 'Path' is required when 'Git' is not set",
		},
		{
			name: "relative venv path",
			yaml: base(`  base:
    image: python:3.11-slim
  python:
    venvPath: venv
  source:
    path: ./app
  entrypoint:
    script: bot.py
`),
			expectedError: "field 'VenvPath' must be an absolute path",
		},
		{
			name: "symlinked environment",
			yaml: base(`  base:
    image: python:3.11-slim
  python:
    copies: false
  source:
    path: ./app
  entrypoint:
    script: bot.py
`),
			expectedError: "field 'copies' must be true",
		},
		{
			name: "workdir inside venv",
			yaml: base(`  base:
    image: python:3.11-slim
  workdir: /opt/venv/app
  source:
    path: ./app
  entrypoint:
    script: bot.py
`),
			expectedError: "must not live inside venvPath",
		},
		{
			name: "invalid env pair",
			yaml: base(`  base:
    image: python:3.11-slim
  env: ["1BAD=x"]
  source:
    path: ./app
  entrypoint:
    script: bot.py
`),
			expectedError: "invalid environment variable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filePath := writeRecipe(t, "test.yaml", tt.yaml)

			_, err := Parse(filePath)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()

	_, err := Locate("", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recipe file found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "envkit.yml"), []byte("kind: Recipe"), 0644))
	found, err := Locate("", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "envkit.yml"), found)

	explicit, err := Locate("other.yaml", dir)
	require.NoError(t, err)
	assert.Equal(t, "other.yaml", explicit)
}
