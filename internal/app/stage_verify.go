package app

import (
	"context"
	"fmt"
	"log/slog"
)

// VerifyStage implements the Stage interface for the image verification stage
type VerifyStage struct {
	session *session
}

// NewVerifyStage creates a new verify stage instance
func NewVerifyStage(s *session) *VerifyStage {
	return &VerifyStage{session: s}
}

// Name returns the name of the stage
func (s *VerifyStage) Name() ExecutionStage {
	return StageVerify
}

// Execute checks state.Image against the recipe's plan.
func (s *VerifyStage) Execute(ctx context.Context, state *ExecutionState) error {
	opts := s.session.opts
	if opts.DryRun {
		fmt.Fprintf(opts.Out, "DRY RUN: Would verify environment, startup command and interpreter copies in %s\n", state.Image)
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

	if err := prov.Verify(ctx, state.Image, p); err != nil {
		return err
	}

	s.session.console.PrintSuccess(fmt.Sprintf("Image %s verified", state.Image))
	slog.Info("Verify stage completed successfully", "image", state.Image)
	return nil
}
