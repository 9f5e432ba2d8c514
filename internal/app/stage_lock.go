package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	envkiterrors "envkit/internal/errors"
	"envkit/internal/lock"
)

// LockStage implements the Stage interface for the lock file stage
type LockStage struct {
	session *session
	now     func() time.Time
}

// NewLockStage creates a new lock stage instance
func NewLockStage(s *session) *LockStage {
	return &LockStage{session: s, now: time.Now}
}

// Name returns the name of the stage
func (s *LockStage) Name() ExecutionStage {
	return StageLock
}

// Execute freezes the packages installed in state.Image. With CheckLock the
// result is compared against the existing lock file, which is left as is.
func (s *LockStage) Execute(ctx context.Context, state *ExecutionState) error {
	opts := s.session.opts
	rc := s.session.recipe

	if opts.DryRun {
		if opts.CheckLock {
			fmt.Fprintf(opts.Out, "DRY RUN: Would compare installed packages of %s with %s\n", state.Image, opts.LockFile)
		} else {
			fmt.Fprintf(opts.Out, "DRY RUN: Would write installed packages of %s to %s\n", state.Image, opts.LockFile)
		}
		return nil
	}

	p, err := s.session.plan()
	if err != nil {
		return err
	}
	prov, err := s.session.factory.GetProvisioner(ctx)
	if err != nil {
		return err
	}
	pkgs, err := prov.Freeze(ctx, state.Image, p)
	if err != nil {
		return err
	}

	current := &lock.File{
		Version:        lock.Version,
		Recipe:         rc.Metadata.Name,
		BaseImage:      rc.Spec.Base.Image,
		ManifestDigest: state.ManifestDigest,
		Image:          state.Image,
		SourceRevision: state.SourceRevision,
		GeneratedAt:    s.now().UTC().Truncate(time.Second),
		Packages:       pkgs,
	}

	if opts.CheckLock {
		return s.check(current)
	}

	if err := lock.Write(opts.LockFile, current); err != nil {
		return envkiterrors.NewFileSystemError("Failed to write lock file", err.Error(), "", err)
	}
	s.session.console.PrintSuccess(fmt.Sprintf("Locked %d packages to %s", len(pkgs), opts.LockFile))
	slog.Info("Lock stage completed successfully", "lockFile", opts.LockFile, "packages", len(pkgs))
	return nil
}

func (s *LockStage) check(current *lock.File) error {
	path := s.session.opts.LockFile
	previous, err := lock.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return envkiterrors.NewLockError(fmt.Sprintf("Lock file %s does not exist", path), "",
			"Run 'envkit lock' without --check to create it", err)
	}
	if err != nil {
		return envkiterrors.NewLockError(fmt.Sprintf("Lock file %s is invalid", path), err.Error(), "", err)
	}

	diff := lock.Compare(previous, current)
	if !diff.Empty() {
		return envkiterrors.NewLockError(
			fmt.Sprintf("Installed packages differ from %s", path), diff.String(),
			"Rebuild from an unchanged manifest, or run 'envkit lock' to accept the new set",
			fmt.Errorf("%w: %s", envkiterrors.ErrLockMismatch, path))
	}

	s.session.console.PrintSuccess(fmt.Sprintf("Installed packages match %s", path))
	slog.Info("Lock check passed", "lockFile", path, "packages", len(current.Packages))
	return nil
}
