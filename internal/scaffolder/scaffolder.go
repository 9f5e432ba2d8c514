package scaffolder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"

	"envkit/internal/manifest"
	"envkit/internal/plan"
	"envkit/internal/scm"
	"envkit/pkg/recipe"
)

const (
	DockerfileName   = "Dockerfile"
	DockerignoreName = ".dockerignore"

	// markerName identifies a directory as an envkit build context, so it
	// may be wiped and rebuilt.
	markerName = ".envkit-context"
)

// DefaultExcludes never reach the image.
var DefaultExcludes = []string{
	".git",
	".envkit",
	".venv",
	"venv",
	"**/__pycache__",
	"**/*.pyc",
	DockerfileName,
	DockerignoreName,
	markerName,
}

var (
	ErrSourceNotFound    = errors.New("application source not found")
	ErrEntrypointMissing = errors.New("entrypoint script not found")
	ErrManifestMissing   = errors.New("dependency manifest not found")
	ErrDestinationInUse  = errors.New("destination is not an envkit build context")
	ErrNoContext         = errors.New("no build context found")
)

// Options configures a scaffold run.
type Options struct {
	Recipe      *recipe.Recipe
	Destination string
	// Fetcher clones git sources. Required only when the recipe has one.
	Fetcher scm.SourceFetcher
	DryRun  bool
	// Out receives the dry-run listing. Defaults to stdout.
	Out io.Writer
}

// Result describes an assembled (or, in dry-run, planned) build context.
type Result struct {
	ContextDir     string
	Dockerfile     string
	Plan           *plan.Plan
	Manifest       *manifest.Manifest
	ContentHash    string
	SourceRevision string
	Files          []string
}

// Tag returns the short content hash used as the default image tag.
func (r *Result) Tag() string {
	return shortHash(r.ContentHash)
}

// Info returns what the marker file records about the context.
func (r *Result) Info() *ContextInfo {
	info := &ContextInfo{
		ContentHash:    r.ContentHash,
		SourceRevision: r.SourceRevision,
	}
	if r.Plan != nil {
		info.Recipe = r.Plan.Name
	}
	if r.Manifest != nil {
		info.ManifestDigest = r.Manifest.Digest
	}
	return info
}

// ContextInfo is recorded in the marker file of every assembled context so
// later commands can find the image it builds.
type ContextInfo struct {
	Recipe         string `json:"recipe"`
	ContentHash    string `json:"content_hash"`
	ManifestDigest string `json:"manifest_digest"`
	SourceRevision string `json:"source_revision,omitempty"`
}

// Tag returns the default image tag for the context.
func (c *ContextInfo) Tag() string {
	return shortHash(c.ContentHash)
}

// ReadContext loads the marker of a context assembled by Scaffold.
func ReadContext(dir string) (*ContextInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s", ErrNoContext, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read context marker: %w", err)
	}
	var info ContextInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse context marker in %s: %w", dir, err)
	}
	if info.ContentHash == "" {
		return nil, fmt.Errorf("context marker in %s has no content hash", dir)
	}
	return &info, nil
}

func shortHash(h string) string {
	if len(h) < 12 {
		return h
	}
	return h[:12]
}

// Scaffold validates the application source and writes a build context:
// the filtered source tree, the generated Dockerfile and a .dockerignore.
// The entrypoint script and manifest must exist before anything is written.
func Scaffold(ctx context.Context, opts Options) (*Result, error) {
	if opts.Recipe == nil {
		return nil, fmt.Errorf("recipe cannot be nil")
	}
	rc := opts.Recipe
	spec := &rc.Spec
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	destPath, err := filepath.Abs(opts.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination %s: %w", opts.Destination, err)
	}

	if spec.Source.IsGitSource() && opts.DryRun {
		return performRemoteDryRun(rc, destPath, out)
	}

	sourcePath, revision, cleanup, err := resolveSource(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	excluder, err := newExcluder(sourcePath, destPath)
	if err != nil {
		return nil, err
	}

	if err := checkEntrypoint(sourcePath, spec.Entrypoint.Script, excluder); err != nil {
		return nil, err
	}
	m, err := loadManifest(sourcePath, spec.Manifest.Path, excluder)
	if err != nil {
		return nil, err
	}

	p, err := plan.Build(rc, plan.WithManifestIncludes(m.Includes()))
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	dockerfile, err := p.Dockerfile()
	if err != nil {
		return nil, err
	}

	files, treeHash, err := hashTree(sourcePath, excluder)
	if err != nil {
		return nil, fmt.Errorf("failed to hash source tree: %w", err)
	}

	result := &Result{
		ContextDir:     destPath,
		Dockerfile:     dockerfile,
		Plan:           p,
		Manifest:       m,
		ContentHash:    contentHash(dockerfile, m.Digest, treeHash),
		SourceRevision: revision,
		Files:          files,
	}

	if opts.DryRun {
		performDryRun(result, sourcePath, out)
		return result, nil
	}

	if err := prepareDestination(destPath); err != nil {
		return nil, err
	}

	slog.Info("Assembling build context", "source", sourcePath, "destination", destPath, "files", len(files))
	if err := copyDirectory(sourcePath, destPath, excluder); err != nil {
		return nil, fmt.Errorf("failed to copy source directory: %w", err)
	}
	if err := writeContextFiles(destPath, dockerfile, result.Info()); err != nil {
		return nil, err
	}

	return result, nil
}

// resolveSource returns the directory holding the application source. Git
// sources are cloned to a temporary directory removed by cleanup.
func resolveSource(ctx context.Context, opts Options) (string, string, func(), error) {
	noop := func() {}
	src := &opts.Recipe.Spec.Source

	if !src.IsGitSource() {
		info, err := os.Stat(src.Path)
		if err != nil || !info.IsDir() {
			return "", "", noop, fmt.Errorf("%w: %s", ErrSourceNotFound, src.Path)
		}
		abs, err := filepath.Abs(src.Path)
		if err != nil {
			return "", "", noop, fmt.Errorf("failed to resolve source path %s: %w", src.Path, err)
		}
		return abs, "", noop, nil
	}

	if opts.Fetcher == nil {
		return "", "", noop, fmt.Errorf("no fetcher configured for git source %s", src.Describe())
	}

	tmpDir, err := os.MkdirTemp("", "envkit-src-*")
	if err != nil {
		return "", "", noop, fmt.Errorf("failed to create clone directory: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			slog.Warn("Failed to remove clone directory", "path", tmpDir, "error", err)
		}
	}

	checkout, err := opts.Fetcher.Fetch(ctx, src.Git, filepath.Join(tmpDir, "src"))
	if err != nil {
		cleanup()
		return "", "", noop, fmt.Errorf("%w: %s: %w", ErrSourceNotFound, src.Describe(), err)
	}
	return checkout.Dir, checkout.Revision, cleanup, nil
}

func checkEntrypoint(sourcePath, script string, ex *excluder) error {
	rel := filepath.FromSlash(script)
	info, err := os.Stat(filepath.Join(sourcePath, rel))
	if err != nil {
		return fmt.Errorf("%w: %s does not exist in %s", ErrEntrypointMissing, script, sourcePath)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrEntrypointMissing, script)
	}
	if ex.excluded(rel) {
		return fmt.Errorf("%w: %s is excluded from the build context", ErrEntrypointMissing, script)
	}
	return nil
}

func loadManifest(sourcePath, manifestPath string, ex *excluder) (*manifest.Manifest, error) {
	rel := filepath.FromSlash(manifestPath)
	full := filepath.Join(sourcePath, rel)
	if _, err := os.Stat(full); err != nil {
		return nil, fmt.Errorf("%w: %s does not exist in %s", ErrManifestMissing, manifestPath, sourcePath)
	}
	if ex.excluded(rel) {
		return nil, fmt.Errorf("%w: %s is excluded from the build context", ErrManifestMissing, manifestPath)
	}

	m, err := manifest.ParseFile(full)
	if err != nil {
		return nil, err
	}

	for _, inc := range m.Includes() {
		if strings.Contains(inc, "://") {
			continue
		}
		incPath := filepath.Join(filepath.Dir(full), filepath.FromSlash(inc))
		if _, err := os.Stat(incPath); err != nil {
			return nil, fmt.Errorf("%w: %s includes %s which does not exist", ErrManifestMissing, manifestPath, inc)
		}
	}
	return m, nil
}

// prepareDestination empties destPath. A non-empty directory is only
// reused when an earlier scaffold created it.
func prepareDestination(destPath string) error {
	entries, err := os.ReadDir(destPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("failed to read destination %s: %w", destPath, err)
	case len(entries) > 0:
		if _, err := os.Stat(filepath.Join(destPath, markerName)); err != nil {
			return fmt.Errorf("%w: %s", ErrDestinationInUse, destPath)
		}
		if err := os.RemoveAll(destPath); err != nil {
			return fmt.Errorf("failed to clear destination %s: %w", destPath, err)
		}
	}

	if err := os.MkdirAll(destPath, 0750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	return nil
}

func writeContextFiles(destPath, dockerfile string, info *ContextInfo) error {
	marker, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode context marker: %w", err)
	}
	files := []struct {
		name    string
		content string
	}{
		{DockerfileName, dockerfile},
		{DockerignoreName, strings.Join(DefaultExcludes, "\n") + "\n"},
		{markerName, string(marker) + "\n"},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(destPath, f.name), []byte(f.content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	return nil
}

// performDryRun prints what would be written without touching the destination.
func performDryRun(result *Result, sourcePath string, out io.Writer) {
	fmt.Fprintf(out, "DRY RUN: Would copy directory from %s to %s\n", sourcePath, result.ContextDir)
	for _, f := range result.Files {
		fmt.Fprintf(out, "DRY RUN: Would copy file: %s\n", filepath.Join(result.ContextDir, f))
	}
	fmt.Fprintf(out, "DRY RUN: Would create file: %s\n", filepath.Join(result.ContextDir, DockerfileName))
	fmt.Fprintf(out, "DRY RUN: Would create file: %s\n", filepath.Join(result.ContextDir, DockerignoreName))
	fmt.Fprintf(out, "DRY RUN: Content hash would be %s\n", result.ContentHash)
	fmt.Fprintln(out, "DRY RUN: Dockerfile content would be:")
	fmt.Fprint(out, result.Dockerfile)
}

// performRemoteDryRun reports the clone without fetching, so nothing about
// the remote tree can be validated.
func performRemoteDryRun(rc *recipe.Recipe, destPath string, out io.Writer) (*Result, error) {
	p, err := plan.Build(rc)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	dockerfile, err := p.Dockerfile()
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "DRY RUN: Would clone %s\n", rc.Spec.Source.Describe())
	fmt.Fprintf(out, "DRY RUN: Would copy the checkout to %s\n", destPath)
	fmt.Fprintf(out, "DRY RUN: Would create file: %s\n", filepath.Join(destPath, DockerfileName))
	fmt.Fprintln(out, "DRY RUN: Dockerfile content would be:")
	fmt.Fprint(out, dockerfile)

	return &Result{ContextDir: destPath, Dockerfile: dockerfile, Plan: p}, nil
}

// excluder decides which source paths stay out of the build context.
type excluder struct {
	matcher *patternmatcher.PatternMatcher
	// skip holds relative directories skipped outright, such as a
	// destination nested inside the source.
	skip []string
}

func newExcluder(sourcePath, destPath string) (*excluder, error) {
	patterns := append([]string(nil), DefaultExcludes...)

	if f, err := os.Open(filepath.Join(sourcePath, DockerignoreName)); err == nil {
		extra, readErr := ignorefile.ReadAll(f)
		f.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read %s: %w", DockerignoreName, readErr)
		}
		patterns = append(patterns, extra...)
	}

	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}

	ex := &excluder{matcher: matcher}
	if rel, err := filepath.Rel(sourcePath, destPath); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		ex.skip = append(ex.skip, rel)
	}
	return ex, nil
}

func (e *excluder) excluded(rel string) bool {
	for _, s := range e.skip {
		if rel == s || strings.HasPrefix(rel, s+string(filepath.Separator)) {
			return true
		}
	}
	matched, err := e.matcher.MatchesOrParentMatches(rel)
	return err == nil && matched
}

// walkSource visits every non-excluded entry under root in lexical order.
func walkSource(root string, ex *excluder, fn func(path, rel string, d fs.DirEntry) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		if ex.excluded(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(path, relPath, d)
	})
}

// copyDirectory recursively copies the non-excluded part of src to dst.
func copyDirectory(src, dst string, ex *excluder) error {
	return walkSource(src, ex, func(path, relPath string, d fs.DirEntry) error {
		destPath := filepath.Join(dst, relPath)

		switch {
		case d.IsDir():
			return os.MkdirAll(destPath, 0750)
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
			return os.Symlink(target, destPath)
		case d.Type().IsRegular():
			return copyFile(path, destPath)
		default:
			slog.Debug("Skipping special file", "path", path)
			return nil
		}
	})
}

// copyFile copies a single file from src to dst, keeping its permissions.
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to get source file info: %w", err)
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dst, err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := dstFile.Close(); err != nil {
		return fmt.Errorf("failed to close destination file %s: %w", dst, err)
	}

	return os.Chmod(dst, srcInfo.Mode().Perm())
}
