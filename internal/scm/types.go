package scm

import (
	"context"

	"envkit/pkg/recipe"
)

// SourceFetcher materializes a remote application source on local disk.
// Implementations may resolve hosted projects before cloning.
type SourceFetcher interface {
	// Fetch clones src into dest, which must not exist or be empty.
	Fetch(ctx context.Context, src *recipe.GitSource, dest string) (*Checkout, error)
}

// ProjectResolver looks up the clone URL and default branch of a hosted project.
type ProjectResolver interface {
	ResolveProject(ctx context.Context, path string) (*Project, error)
}

// Checkout describes a fetched working tree.
type Checkout struct {
	Dir      string
	URL      string
	Ref      string
	Revision string
}

// Project is the subset of hosted project metadata needed to clone it.
type Project struct {
	ID            int
	Path          string
	HTTPURL       string
	DefaultBranch string
}
