package scm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envkit/pkg/recipe"
)

// newSourceRepo creates a repository with two commits and returns it with
// the hash of the first commit.
func newSourceRepo(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	worktree, err := repo.Worktree()
	require.NoError(t, err)

	commit := func(name, content, msg string) string {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
		_, err := worktree.Add(name)
		require.NoError(t, err)
		hash, err := worktree.Commit(msg, &git.CommitOptions{
			Author: &object.Signature{Name: "envkit", Email: "test@envkit.dev", When: time.Unix(1700000000, 0)},
		})
		require.NoError(t, err)
		return hash.String()
	}

	first := commit("bot.py", "print('v1')\n", "first")
	commit("bot.py", "print('v2')\n", "second")
	return dir, first
}

func TestGitFetcher_FetchDefaultBranch(t *testing.T) {
	srcDir, _ := newSourceRepo(t)
	dest := filepath.Join(t.TempDir(), "src")

	checkout, err := NewGitFetcher("").Fetch(context.Background(), &recipe.GitSource{URL: srcDir}, dest)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dest, "bot.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('v2')\n", string(content))
	assert.Len(t, checkout.Revision, 40)
	assert.Equal(t, dest, checkout.Dir)
}

func TestGitFetcher_FetchCommit(t *testing.T) {
	srcDir, first := newSourceRepo(t)
	dest := filepath.Join(t.TempDir(), "src")

	checkout, err := NewGitFetcher("").Fetch(context.Background(), &recipe.GitSource{URL: srcDir, Ref: first}, dest)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dest, "bot.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('v1')\n", string(content))
	assert.Equal(t, first, checkout.Revision)
}

func TestGitFetcher_ResolvesGitLabProject(t *testing.T) {
	srcDir, _ := newSourceRepo(t)
	dest := filepath.Join(t.TempDir(), "src")

	var resolvedFrom string
	fetcher := NewGitFetcher("").WithResolver(func(baseURL string) (ProjectResolver, error) {
		resolvedFrom = baseURL
		return stubResolver{project: &Project{HTTPURL: srcDir, DefaultBranch: ""}}, nil
	})

	checkout, err := fetcher.Fetch(context.Background(), &recipe.GitSource{
		GitLabProject: "acme/bot",
		GitLabURL:     "https://git.example.com",
	}, dest)
	require.NoError(t, err)
	assert.Equal(t, "https://git.example.com", resolvedFrom)
	assert.Equal(t, srcDir, checkout.URL)
}

func TestGitFetcher_ResolverError(t *testing.T) {
	fetcher := NewGitFetcher("").WithResolver(func(string) (ProjectResolver, error) {
		return stubResolver{err: errors.New("boom")}, nil
	})

	_, err := fetcher.Fetch(context.Background(), &recipe.GitSource{GitLabProject: "acme/bot"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestGitFetcher_MissingURL(t *testing.T) {
	_, err := NewGitFetcher("").Fetch(context.Background(), &recipe.GitSource{}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no URL")
}

func TestGitFetcher_Auth(t *testing.T) {
	assert.Nil(t, NewGitFetcher("").auth("https://gitlab.com/acme/bot.git"))
	assert.Nil(t, NewGitFetcher("tok").auth("/local/path"))

	auth := NewGitFetcher("tok").auth("https://gitlab.com/acme/bot.git")
	require.IsType(t, &http.BasicAuth{}, auth)
	assert.Equal(t, "oauth2", auth.(*http.BasicAuth).Username)
	assert.Equal(t, "tok", auth.(*http.BasicAuth).Password)
}

func TestIsMissingRef(t *testing.T) {
	assert.True(t, isMissingRef(plumbing.ErrReferenceNotFound))
	assert.False(t, isMissingRef(errors.New("network unreachable")))
}

type stubResolver struct {
	project *Project
	err     error
}

func (s stubResolver) ResolveProject(context.Context, string) (*Project, error) {
	return s.project, s.err
}
