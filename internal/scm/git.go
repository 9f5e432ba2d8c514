package scm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"envkit/pkg/recipe"
)

// ResolverFunc builds a ProjectResolver for a GitLab base URL.
type ResolverFunc func(baseURL string) (ProjectResolver, error)

// GitFetcher implements SourceFetcher with go-git.
type GitFetcher struct {
	token       string
	newResolver ResolverFunc
}

// NewGitFetcher creates a fetcher that authenticates HTTPS clones with token
// when it is set. GitLab projects are resolved through the GitLab API.
func NewGitFetcher(token string) *GitFetcher {
	return &GitFetcher{
		token: token,
		newResolver: func(baseURL string) (ProjectResolver, error) {
			return NewGitLabResolver(baseURL, token)
		},
	}
}

// WithResolver replaces how GitLab projects are resolved.
func (f *GitFetcher) WithResolver(fn ResolverFunc) *GitFetcher {
	f.newResolver = fn
	return f
}

// Fetch clones the source and checks out the requested ref or commit.
func (f *GitFetcher) Fetch(ctx context.Context, src *recipe.GitSource, dest string) (*Checkout, error) {
	if src == nil {
		return nil, errors.New("no git source configured")
	}

	url, ref := src.URL, src.Ref
	if src.GitLabProject != "" {
		resolver, err := f.newResolver(src.GitLabURL)
		if err != nil {
			return nil, err
		}
		project, err := resolver.ResolveProject(ctx, src.GitLabProject)
		if err != nil {
			return nil, err
		}
		if url == "" {
			url = project.HTTPURL
		}
		if ref == "" {
			ref = project.DefaultBranch
		}
	}
	if url == "" {
		return nil, errors.New("git source has no URL")
	}

	slog.Info("Cloning source", "url", url, "ref", ref, "directory", dest)

	var (
		repo *git.Repository
		err  error
	)
	if plumbing.IsHash(ref) {
		repo, err = f.cloneCommit(ctx, url, ref, dest)
	} else {
		repo, err = f.cloneRef(ctx, url, ref, dest)
	}
	if err != nil {
		return nil, err
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD of %s: %w", url, err)
	}

	slog.Info("Source checked out", "revision", head.Hash().String())
	return &Checkout{
		Dir:      dest,
		URL:      url,
		Ref:      ref,
		Revision: head.Hash().String(),
	}, nil
}

// cloneRef does a single-branch clone of a branch, falling back to a tag.
func (f *GitFetcher) cloneRef(ctx context.Context, url, ref, dest string) (*git.Repository, error) {
	opts := f.cloneOptions(url)
	opts.SingleBranch = true
	if isRemote(url) {
		// the file transport does not negotiate shallow fetches
		opts.Depth = 1
	}

	if ref == "" {
		repo, err := git.PlainCloneContext(ctx, dest, false, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to clone %s: %w", url, err)
		}
		return repo, nil
	}

	opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err == nil {
		return repo, nil
	}
	if !isMissingRef(err) {
		return nil, fmt.Errorf("failed to clone %s at %s: %w", url, ref, err)
	}

	slog.Debug("Branch not found, trying tag", "ref", ref)
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("failed to reset clone directory %s: %w", dest, err)
	}
	opts.ReferenceName = plumbing.NewTagReferenceName(ref)
	repo, err = git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s at %s: %w", url, ref, err)
	}
	return repo, nil
}

// cloneCommit clones the full history and checks out a specific commit.
func (f *GitFetcher) cloneCommit(ctx context.Context, url, hash, dest string) (*git.Repository, error) {
	opts := f.cloneOptions(url)
	opts.NoCheckout = true

	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", url, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(hash), Force: true}); err != nil {
		return nil, fmt.Errorf("failed to check out commit %s: %w", hash, err)
	}
	return repo, nil
}

func (f *GitFetcher) cloneOptions(url string) *git.CloneOptions {
	return &git.CloneOptions{
		URL:  url,
		Auth: f.auth(url),
	}
}

// auth returns token auth for HTTPS remotes. GitLab accepts any username
// with a token; oauth2 is the documented one.
func (f *GitFetcher) auth(url string) transport.AuthMethod {
	if f.token == "" || !strings.HasPrefix(url, "https://") {
		return nil
	}
	return &http.BasicAuth{
		Username: "oauth2",
		Password: f.token,
	}
}

func isRemote(url string) bool {
	return strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://")
}

func isMissingRef(err error) bool {
	var noMatch git.NoMatchingRefSpecError
	if errors.As(err, &noMatch) {
		return true
	}
	return errors.Is(err, plumbing.ErrReferenceNotFound)
}

var _ SourceFetcher = (*GitFetcher)(nil)
