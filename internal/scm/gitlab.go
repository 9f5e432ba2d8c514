package scm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	gitlab "github.com/xanzy/go-gitlab"
)

const (
	// DefaultGitLabURL is used when a recipe names a project without a host.
	DefaultGitLabURL = "https://gitlab.com"

	// TokenEnvVar holds the token used for both the API and HTTPS clones.
	TokenEnvVar = "GITLAB_PRIVATE_TOKEN"
)

// GitLabResolver implements ProjectResolver for GitLab.
type GitLabResolver struct {
	client *gitlab.Client
}

// NewGitLabResolver creates a resolver for the GitLab instance at baseURL.
// An empty token is allowed; only public projects resolve then.
func NewGitLabResolver(baseURL, token string) (*GitLabResolver, error) {
	if baseURL == "" {
		baseURL = DefaultGitLabURL
	}

	client, err := gitlab.NewClient(token, gitlab.WithBaseURL(apiURL(baseURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create GitLab client: %w", err)
	}

	return &GitLabResolver{client: client}, nil
}

// TokenFromEnv returns the GitLab token from the environment, if any.
func TokenFromEnv() string {
	return os.Getenv(TokenEnvVar)
}

// ResolveProject fetches the project's HTTPS clone URL and default branch.
func (g *GitLabResolver) ResolveProject(ctx context.Context, path string) (*Project, error) {
	slog.Info("Resolving GitLab project", "project", path)

	project, _, err := g.client.Projects.GetProject(path, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve GitLab project %s: %w", path, err)
	}
	if project.HTTPURLToRepo == "" {
		return nil, fmt.Errorf("GitLab project %s has no HTTP clone URL", path)
	}

	slog.Debug("Resolved GitLab project", "id", project.ID, "url", project.HTTPURLToRepo, "defaultBranch", project.DefaultBranch)
	return &Project{
		ID:            project.ID,
		Path:          project.PathWithNamespace,
		HTTPURL:       project.HTTPURLToRepo,
		DefaultBranch: project.DefaultBranch,
	}, nil
}

func apiURL(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(baseURL, "/api/v4") {
		return baseURL
	}
	return baseURL + "/api/v4"
}
