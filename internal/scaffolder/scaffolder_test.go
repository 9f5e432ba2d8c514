package scaffolder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envkit/internal/manifest"
	"envkit/internal/scm"
	"envkit/pkg/recipe"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func botSource(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"bot.py":                     "print('hello')\n",
		"requirements.txt":           "aiogram==3.4.1\npytesseract==0.3.10\n",
		"handlers/ocr.py":            "import pytesseract\n",
		"handlers/__pycache__/x.pyc": "junk",
		".git/HEAD":                  "ref: refs/heads/main\n",
		"Dockerfile":                 "FROM scratch\n",
		"venv/bin/python":            "not copied",
	})
	return src
}

func botRecipe(src string) *recipe.Recipe {
	rc := &recipe.Recipe{
		APIVersion: "v1",
		Kind:       "Recipe",
		Metadata:   recipe.Metadata{Name: "telegram-bot"},
		Spec: recipe.Spec{
			Base:       recipe.Base{Image: "python:3.11-slim"},
			OS:         recipe.OSPackages{Packages: []string{"tesseract-ocr"}},
			Source:     recipe.Source{Path: src},
			Entrypoint: recipe.Entrypoint{Script: "bot.py"},
		},
	}
	rc.ApplyDefaults()
	return rc
}

func TestScaffold_ValidSource(t *testing.T) {
	src := botSource(t)
	dest := filepath.Join(t.TempDir(), "context")

	result, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: dest})
	require.NoError(t, err)

	assert.Equal(t, []string{"bot.py", "handlers/ocr.py", "requirements.txt"}, result.Files)
	assert.Len(t, result.ContentHash, 64)
	assert.Len(t, result.Tag(), 12)

	for _, name := range []string{"bot.py", "requirements.txt", "handlers/ocr.py", DockerfileName, DockerignoreName, markerName} {
		assert.FileExists(t, filepath.Join(dest, filepath.FromSlash(name)))
	}
	for _, name := range []string{".git", "venv", "handlers/__pycache__"} {
		assert.NoDirExists(t, filepath.Join(dest, filepath.FromSlash(name)))
	}

	dockerfile, err := os.ReadFile(filepath.Join(dest, DockerfileName))
	require.NoError(t, err)
	assert.Equal(t, result.Dockerfile, string(dockerfile))
	assert.Contains(t, string(dockerfile), "FROM python:3.11-slim")
	assert.NotContains(t, string(dockerfile), "FROM scratch", "the source's own Dockerfile is replaced")
}

func TestScaffold_MissingEntrypoint(t *testing.T) {
	src := botSource(t)
	require.NoError(t, os.Remove(filepath.Join(src, "bot.py")))
	dest := filepath.Join(t.TempDir(), "context")

	_, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: dest})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntrypointMissing)
	assert.NoDirExists(t, dest, "nothing is written when validation fails")
}

func TestScaffold_EntrypointIsDirectory(t *testing.T) {
	src := botSource(t)
	rc := botRecipe(src)
	rc.Spec.Entrypoint.Script = "handlers"

	_, err := Scaffold(context.Background(), Options{Recipe: rc, Destination: t.TempDir()})
	assert.ErrorIs(t, err, ErrEntrypointMissing)
}

func TestScaffold_EntrypointExcludedByDockerignore(t *testing.T) {
	src := botSource(t)
	writeFiles(t, src, map[string]string{".dockerignore": "bot.py\n"})

	_, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: filepath.Join(t.TempDir(), "c")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntrypointMissing)
	assert.Contains(t, err.Error(), "excluded")
}

func TestScaffold_SourceDockerignoreHonoured(t *testing.T) {
	src := botSource(t)
	writeFiles(t, src, map[string]string{
		".dockerignore": "handlers\nsecrets.env\n",
		"secrets.env":   "BOT_TOKEN=x\n",
	})

	result, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: filepath.Join(t.TempDir(), "c")})
	require.NoError(t, err)
	assert.Equal(t, []string{"bot.py", "requirements.txt"}, result.Files)
}

func TestScaffold_MissingManifest(t *testing.T) {
	src := botSource(t)
	require.NoError(t, os.Remove(filepath.Join(src, "requirements.txt")))

	_, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: filepath.Join(t.TempDir(), "c")})
	assert.ErrorIs(t, err, ErrManifestMissing)
}

func TestScaffold_MissingManifestInclude(t *testing.T) {
	src := botSource(t)
	writeFiles(t, src, map[string]string{"requirements.txt": "-r base.txt\naiogram==3.4.1\n"})

	_, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: filepath.Join(t.TempDir(), "c")})
	require.ErrorIs(t, err, ErrManifestMissing)
	assert.Contains(t, err.Error(), "base.txt")
}

func TestScaffold_ManifestIncludesCopied(t *testing.T) {
	src := botSource(t)
	writeFiles(t, src, map[string]string{
		"requirements.txt": "-r base.txt\naiogram==3.4.1\n",
		"base.txt":         "requests==2.31.0\n",
	})

	result, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: filepath.Join(t.TempDir(), "c")})
	require.NoError(t, err)
	assert.Contains(t, result.Dockerfile, `COPY ["base.txt","./base.txt"]`)
}

func TestScaffold_ConflictingPins(t *testing.T) {
	src := botSource(t)
	writeFiles(t, src, map[string]string{"requirements.txt": "requests==2.31.0\nRequests==2.32.0\n"})

	_, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: filepath.Join(t.TempDir(), "c")})
	assert.ErrorIs(t, err, manifest.ErrConflictingPins)
}

func TestScaffold_SourceNotFound(t *testing.T) {
	_, err := Scaffold(context.Background(), Options{
		Recipe:      botRecipe("/nonexistent/source/path"),
		Destination: t.TempDir(),
	})
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestScaffold_NilRecipe(t *testing.T) {
	_, err := Scaffold(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipe cannot be nil")
}

func TestScaffold_DryRun(t *testing.T) {
	src := botSource(t)
	dest := filepath.Join(t.TempDir(), "context")
	var out bytes.Buffer

	result, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: dest, DryRun: true, Out: &out})
	require.NoError(t, err)

	assert.NoDirExists(t, dest)
	assert.Contains(t, out.String(), "DRY RUN: Would copy file: "+filepath.Join(dest, "bot.py"))
	assert.Contains(t, out.String(), "DRY RUN: Would create file: "+filepath.Join(dest, DockerfileName))
	assert.Contains(t, out.String(), "FROM python:3.11-slim")

	real, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: dest})
	require.NoError(t, err)
	assert.Equal(t, result.ContentHash, real.ContentHash, "dry run predicts the real content hash")
}

func TestScaffold_RefusesForeignDestination(t *testing.T) {
	src := botSource(t)
	dest := t.TempDir()
	writeFiles(t, dest, map[string]string{"important.txt": "keep me"})

	_, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: dest})
	assert.ErrorIs(t, err, ErrDestinationInUse)
	assert.FileExists(t, filepath.Join(dest, "important.txt"))
}

func TestScaffold_ReplacesPreviousContext(t *testing.T) {
	src := botSource(t)
	dest := filepath.Join(t.TempDir(), "context")

	_, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: dest})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(src, "handlers", "ocr.py")))

	_, err = Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: dest})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dest, "handlers", "ocr.py"))
}

func TestScaffold_DestinationInsideSource(t *testing.T) {
	src := botSource(t)
	dest := filepath.Join(src, "build", "context")

	result, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: dest})
	require.NoError(t, err)
	for _, f := range result.Files {
		assert.False(t, strings.HasPrefix(f, "build/"), "context must not contain itself: %s", f)
	}
}

func TestScaffold_ContentHashTracksInputs(t *testing.T) {
	src := botSource(t)
	hash := func(rc *recipe.Recipe) string {
		t.Helper()
		r, err := Scaffold(context.Background(), Options{Recipe: rc, Destination: filepath.Join(t.TempDir(), "c"), DryRun: true, Out: &bytes.Buffer{}})
		require.NoError(t, err)
		return r.ContentHash
	}

	base := hash(botRecipe(src))
	assert.Equal(t, base, hash(botRecipe(src)), "unchanged inputs hash the same")

	rc := botRecipe(src)
	rc.Spec.OS.Packages = append(rc.Spec.OS.Packages, "libgl1")
	assert.NotEqual(t, base, hash(rc), "OS packages change the Dockerfile")

	writeFiles(t, src, map[string]string{"bot.py": "print('changed')\n"})
	assert.NotEqual(t, base, hash(botRecipe(src)), "source edits change the hash")
}

func TestScaffold_GitSource(t *testing.T) {
	src := botSource(t)
	rc := botRecipe("")
	rc.Spec.Source = recipe.Source{Git: &recipe.GitSource{URL: "https://gitlab.com/acme/bot.git", Ref: "main"}}
	fetcher := &copyFetcher{from: src, revision: "0123456789abcdef0123456789abcdef01234567"}

	result, err := Scaffold(context.Background(), Options{Recipe: rc, Destination: filepath.Join(t.TempDir(), "c"), Fetcher: fetcher})
	require.NoError(t, err)
	assert.Equal(t, fetcher.revision, result.SourceRevision)
	assert.Contains(t, result.Files, "bot.py")
	assert.NoDirExists(t, fetcher.dest, "clone directory is removed afterwards")
}

func TestScaffold_GitSourceFetchFails(t *testing.T) {
	rc := botRecipe("")
	rc.Spec.Source = recipe.Source{Git: &recipe.GitSource{URL: "https://gitlab.com/acme/bot.git"}}

	_, err := Scaffold(context.Background(), Options{
		Recipe:      rc,
		Destination: t.TempDir(),
		Fetcher:     &copyFetcher{err: errors.New("authentication required")},
	})
	require.ErrorIs(t, err, ErrSourceNotFound)
	assert.Contains(t, err.Error(), "authentication required")
}

func TestScaffold_GitSourceDryRunDoesNotClone(t *testing.T) {
	rc := botRecipe("")
	rc.Spec.Source = recipe.Source{Git: &recipe.GitSource{GitLabProject: "acme/bot"}}
	fetcher := &copyFetcher{err: errors.New("must not be called")}
	var out bytes.Buffer

	_, err := Scaffold(context.Background(), Options{Recipe: rc, Destination: t.TempDir(), Fetcher: fetcher, DryRun: true, Out: &out})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "DRY RUN: Would clone gitlab:acme/bot")
	assert.False(t, fetcher.called)
}

func TestCalculateFileHash(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o644))

	sum, err := CalculateFileHash(p)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}

// copyFetcher stands in for a git clone by copying a local tree.
type copyFetcher struct {
	from     string
	revision string
	err      error
	called   bool
	dest     string
}

func (f *copyFetcher) Fetch(_ context.Context, _ *recipe.GitSource, dest string) (*scm.Checkout, error) {
	f.called = true
	f.dest = dest
	if f.err != nil {
		return nil, f.err
	}
	ex, err := newExcluder(f.from, dest)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}
	if err := copyDirectory(f.from, dest, ex); err != nil {
		return nil, err
	}
	return &scm.Checkout{Dir: dest, Revision: f.revision}, nil
}

func TestReadContext(t *testing.T) {
	src := botSource(t)
	dest := filepath.Join(t.TempDir(), "context")

	result, err := Scaffold(context.Background(), Options{Recipe: botRecipe(src), Destination: dest})
	require.NoError(t, err)

	info, err := ReadContext(dest)
	require.NoError(t, err)
	assert.Equal(t, result.ContentHash, info.ContentHash)
	assert.Equal(t, result.Manifest.Digest, info.ManifestDigest)
	assert.Equal(t, "telegram-bot", info.Recipe)
	assert.Equal(t, result.Tag(), info.Tag())

	_, err = ReadContext(t.TempDir())
	assert.ErrorIs(t, err, ErrNoContext)
}
