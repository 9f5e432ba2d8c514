package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"envkit/internal/lock"
	"envkit/internal/plan"
	"envkit/internal/provisioner"
	"envkit/internal/ui"
)

const testRecipe = `apiVersion: v1
kind: Recipe
metadata:
  name: telegram-bot
spec:
  base:
    image: python:3.11-slim
  os:
    packages:
      - tesseract-ocr
  source:
    path: ./app
  entrypoint:
    script: bot.py
  runtime:
    requiredEnv:
      - BOT_TOKEN
`

// MockProvisioner is a mock implementation of the Provisioner interface
type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) Build(ctx context.Context, req provisioner.BuildRequest) (*provisioner.BuildResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*provisioner.BuildResult)
	return result, args.Error(1)
}

func (m *MockProvisioner) Verify(ctx context.Context, image string, p *plan.Plan) error {
	args := m.Called(ctx, image, p)
	return args.Error(0)
}

func (m *MockProvisioner) Freeze(ctx context.Context, image string, p *plan.Plan) ([]lock.Package, error) {
	args := m.Called(ctx, image, p)
	pkgs, _ := args.Get(0).([]lock.Package)
	return pkgs, args.Error(1)
}

func (m *MockProvisioner) Run(ctx context.Context, req provisioner.RunRequest) (int, error) {
	args := m.Called(ctx, req)
	return args.Int(0), args.Error(1)
}

// project is a recipe next to its application source.
type project struct {
	dir        string
	recipePath string
	stateFile  string
	out        *bytes.Buffer
}

func newProject(t *testing.T) *project {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"envkit.yaml":          testRecipe,
		"app/bot.py":           "print('hello')\n",
		"app/requirements.txt": "requests==2.31.0\npython-telegram-bot==20.7\n",
	}
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
	return &project{
		dir:        dir,
		recipePath: filepath.Join(dir, "envkit.yaml"),
		stateFile:  filepath.Join(dir, StateFileName),
		out:        &bytes.Buffer{},
	}
}

func (p *project) options(prov provisioner.Provisioner) Options {
	return Options{
		RecipePath: p.recipePath,
		StateFile:  p.stateFile,
		Out:        p.out,
		ErrOut:     p.out,
		Console:    ui.NewConsoleWithWriters(p.out, p.out),
		Factory:    NewProviderFactory().WithProvisioner(prov),
	}
}

func (p *project) contextDir() string {
	return filepath.Join(p.dir, ".envkit", "context")
}

var frozen = []lock.Package{
	{Name: "python-telegram-bot", Version: "20.7"},
	{Name: "requests", Version: "2.31.0"},
}

func isPlan(p *plan.Plan) bool {
	return p != nil && p.VenvPath == "/opt/venv" && len(p.Command()) == 2
}
