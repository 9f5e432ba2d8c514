package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"
)

// ExecutionStage represents the stages of the apply workflow
type ExecutionStage string

const (
	StageScaffold  ExecutionStage = "scaffold"
	StageBuild     ExecutionStage = "build"
	StageVerify    ExecutionStage = "verify"
	StageLock      ExecutionStage = "lock"
	StageCompleted ExecutionStage = "completed"
)

// stageOrder is the sequence apply runs; each stage needs the one before it.
var stageOrder = []ExecutionStage{StageScaffold, StageBuild, StageVerify, StageLock, StageCompleted}

// ExecutionState represents the state of an envkit apply run. Stages record
// what later stages need, so a resumed run can skip completed work.
type ExecutionState struct {
	SchemaVersion       string         `json:"schema_version"`
	RunID               string         `json:"run_id"`
	LastSuccessfulStage ExecutionStage `json:"last_successful_stage"`
	RecipePath          string         `json:"recipe_path"`
	RecipeDigest        string         `json:"recipe_digest"`
	ContextDir          string         `json:"context_dir,omitempty"`
	ContentHash         string         `json:"content_hash,omitempty"`
	ManifestDigest      string         `json:"manifest_digest,omitempty"`
	SourceRevision      string         `json:"source_revision,omitempty"`
	Image               string         `json:"image,omitempty"`
	ImageID             string         `json:"image_id,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	LastUpdatedAt       time.Time      `json:"last_updated_at"`
}

const (
	StateFileName      = ".envkit.state.json"
	StateSchemaVersion = "1.0"
)

// loadState attempts to load the execution state from path.
// Returns nil if the file doesn't exist (fresh start).
func loadState(path string) (*ExecutionState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.SchemaVersion != StateSchemaVersion {
		return nil, fmt.Errorf("state file %s has schema version %q, want %q", path, state.SchemaVersion, StateSchemaVersion)
	}

	return &state, nil
}

// saveState persists the execution state to path.
func saveState(path string, state *ExecutionState) error {
	state.LastUpdatedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// newState creates a new execution state for a fresh run
func newState(recipePath, recipeDigest, runID string) *ExecutionState {
	now := time.Now()
	return &ExecutionState{
		SchemaVersion: StateSchemaVersion,
		RunID:         runID,
		RecipePath:    recipePath,
		RecipeDigest:  recipeDigest,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

// shouldSkipStage reports whether stage already completed in this run.
func (s *ExecutionState) shouldSkipStage(stage ExecutionStage) bool {
	if s == nil || s.LastSuccessfulStage == "" {
		return false
	}
	last := slices.Index(stageOrder, s.LastSuccessfulStage)
	current := slices.Index(stageOrder, stage)
	return last >= 0 && current >= 0 && current <= last
}

// getNextStage returns the next stage to execute based on the current state
func (s *ExecutionState) getNextStage() ExecutionStage {
	if s == nil || s.LastSuccessfulStage == "" {
		return StageScaffold
	}
	i := slices.Index(stageOrder, s.LastSuccessfulStage)
	if i < 0 {
		return StageScaffold
	}
	if i == len(stageOrder)-1 {
		return StageCompleted
	}
	return stageOrder[i+1]
}

// removeStateFile removes the state file after successful completion
func removeStateFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}
