package app

import (
	"context"
	"fmt"
	"log/slog"

	"envkit/internal/scaffolder"
)

// ScaffoldStage implements the Stage interface for the scaffolding stage
type ScaffoldStage struct {
	session *session
	result  *scaffolder.Result
}

// NewScaffoldStage creates a new scaffold stage instance
func NewScaffoldStage(s *session) *ScaffoldStage {
	return &ScaffoldStage{session: s}
}

// Name returns the name of the stage
func (s *ScaffoldStage) Name() ExecutionStage {
	return StageScaffold
}

// Execute assembles the build context and records the image it will produce.
func (s *ScaffoldStage) Execute(ctx context.Context, state *ExecutionState) error {
	opts := s.session.opts
	rc := s.session.recipe

	result, err := scaffolder.Scaffold(ctx, scaffolder.Options{
		Recipe:      rc,
		Destination: opts.ContextDir,
		Fetcher:     s.session.factory.GetFetcher(),
		DryRun:      opts.DryRun,
		Out:         opts.Out,
	})
	if err != nil {
		return fmt.Errorf("scaffolding failed: %w", err)
	}
	s.result = result

	state.ContextDir = result.ContextDir
	state.ContentHash = result.ContentHash
	state.SourceRevision = result.SourceRevision
	if result.Manifest != nil {
		state.ManifestDigest = result.Manifest.Digest
	}
	tag := result.Tag()
	if tag == "" {
		// a git source in dry-run is never fetched, so there is no hash yet
		tag = "<content-hash>"
	}
	state.Image = rc.Spec.ImageRef(tag)

	if opts.DryRun {
		s.session.console.PrintSuccess("Scaffolding simulation completed successfully")
	} else {
		s.session.console.PrintSuccess(fmt.Sprintf("Build context written to: %s", result.ContextDir))
	}
	slog.Info("Scaffolding completed successfully", "destination", result.ContextDir, "hash", result.ContentHash, "dryRun", opts.DryRun)
	return nil
}
