package app

import (
	"context"
	"fmt"
	"log/slog"

	"envkit/internal/provisioner"
)

// RunIDLabel records which apply run built an image.
const RunIDLabel = "io.envkit.run-id"

// BuildStage implements the Stage interface for the image build stage
type BuildStage struct {
	session *session
}

// NewBuildStage creates a new build stage instance
func NewBuildStage(s *session) *BuildStage {
	return &BuildStage{session: s}
}

// Name returns the name of the stage
func (s *BuildStage) Name() ExecutionStage {
	return StageBuild
}

// Execute builds state.Image from state.ContextDir.
func (s *BuildStage) Execute(ctx context.Context, state *ExecutionState) error {
	opts := s.session.opts
	rc := s.session.recipe

	if opts.DryRun {
		fmt.Fprintf(opts.Out, "DRY RUN: Would pull base image %s\n", rc.Spec.Base.Image)
		fmt.Fprintf(opts.Out, "DRY RUN: Would build image %s from %s\n", state.Image, state.ContextDir)
		s.session.console.PrintSuccess("Build simulation completed successfully")
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

	var labels map[string]string
	if state.RunID != "" {
		labels = map[string]string{RunIDLabel: state.RunID}
	}

	result, err := prov.Build(ctx, provisioner.BuildRequest{
		Image:        state.Image,
		ContextDir:   state.ContextDir,
		Plan:         p,
		Labels:       labels,
		ForceRebuild: opts.ForceRebuild,
		NoCache:      opts.NoCache,
		Output:       opts.Out,
	})
	if err != nil {
		return fmt.Errorf("image build failed: %w", err)
	}
	state.ImageID = result.ID

	if result.Cached {
		s.session.console.PrintSuccess(fmt.Sprintf("Image %s is up to date", result.Image))
	} else {
		s.session.console.PrintSuccess(fmt.Sprintf("Image built: %s", result.Image))
	}
	slog.Info("Build stage completed successfully", "image", result.Image, "id", result.ID, "cached", result.Cached)
	return nil
}
