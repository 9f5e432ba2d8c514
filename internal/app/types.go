package app

import (
	"context"
)

// Stage represents a single stage in the envkit apply workflow.
type Stage interface {
	Name() ExecutionStage
	// Execute runs the stage and records its outputs in state.
	Execute(ctx context.Context, state *ExecutionState) error
}
