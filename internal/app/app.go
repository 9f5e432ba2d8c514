package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	envkiterrors "envkit/internal/errors"
	"envkit/internal/lock"
	"envkit/internal/parser"
	"envkit/internal/plan"
	"envkit/internal/provisioner"
	"envkit/internal/scaffolder"
	"envkit/internal/ui"
	"envkit/pkg/recipe"
)

// DefaultContextDir is where build contexts are assembled, relative to the recipe.
const DefaultContextDir = ".envkit/context"

// Options configures every envkit operation. Zero values select the defaults.
type Options struct {
	RecipePath string
	// ContextDir defaults to DefaultContextDir next to the recipe.
	ContextDir string
	// StateFile defaults to StateFileName in the working directory.
	StateFile string
	// LockFile defaults to lock.DefaultFile next to the recipe.
	LockFile string

	DryRun       bool
	RetainState  bool
	ForceRebuild bool
	NoCache      bool
	// CheckLock compares against the existing lock file instead of writing it.
	CheckLock bool

	Console *ui.Console
	// Out receives build progress, dry-run listings and container output.
	Out    io.Writer
	ErrOut io.Writer

	Factory *ProviderFactory
}

// session holds one operation's loaded recipe and resolved options.
type session struct {
	opts    Options
	recipe  *recipe.Recipe
	console *ui.Console
	factory *ProviderFactory
}

func newSession(opts Options) (*session, error) {
	if opts.RecipePath == "" {
		return nil, envkiterrors.NewConfigError("No recipe given", "", "Pass --file with the path to a recipe", nil)
	}
	if _, err := os.Stat(opts.RecipePath); errors.Is(err, fs.ErrNotExist) {
		return nil, envkiterrors.NewRecipeError(
			fmt.Sprintf("Recipe file %s does not exist", opts.RecipePath), "",
			"Pass --file or create envkit.yaml in the current directory", err)
	}

	rc, err := parser.Parse(opts.RecipePath)
	if err != nil {
		return nil, envkiterrors.NewParseError(
			fmt.Sprintf("Recipe %s is invalid", opts.RecipePath), err.Error(),
			"Fix the fields listed above", err)
	}
	slog.Info("Recipe parsed successfully", "name", rc.Metadata.Name, "source", rc.Spec.Source.Describe())

	recipeDir := filepath.Dir(opts.RecipePath)
	if opts.ContextDir == "" {
		opts.ContextDir = filepath.Join(recipeDir, filepath.FromSlash(DefaultContextDir))
	}
	if opts.LockFile == "" {
		opts.LockFile = filepath.Join(recipeDir, lock.DefaultFile)
	}
	if opts.StateFile == "" {
		opts.StateFile = StateFileName
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.ErrOut == nil {
		opts.ErrOut = os.Stderr
	}
	if opts.Console == nil {
		opts.Console = ui.NewConsoleWithWriters(opts.Out, opts.ErrOut)
	}
	if opts.Factory == nil {
		opts.Factory = NewProviderFactory()
	}

	return &session{
		opts:    opts,
		recipe:  rc,
		console: opts.Console,
		factory: opts.Factory,
	}, nil
}

// plan rebuilds the provisioning plan. Manifest includes only change COPY
// lines, so the result is valid for verifying and freezing a built image.
func (s *session) plan() (*plan.Plan, error) {
	return plan.Build(s.recipe)
}

// resolveImage finds the image built from the current context: a pinned tag
// wins, otherwise the content hash recorded when the context was assembled.
func (s *session) resolveImage() (string, *scaffolder.ContextInfo, error) {
	info, err := scaffolder.ReadContext(s.opts.ContextDir)
	if err != nil {
		if s.recipe.Spec.Image.Tag != "" && errors.Is(err, scaffolder.ErrNoContext) {
			return s.recipe.Spec.ImageRef(""), &scaffolder.ContextInfo{Recipe: s.recipe.Metadata.Name}, nil
		}
		return "", nil, err
	}
	return s.recipe.Spec.ImageRef(info.Tag()), info, nil
}

// Render returns the recipe's plan as a Dockerfile ("dockerfile") or YAML ("yaml").
func Render(ctx context.Context, opts Options, format string) (string, error) {
	s, err := newSession(opts)
	if err != nil {
		return "", err
	}
	result, err := scaffolder.Scaffold(ctx, scaffolder.Options{
		Recipe:      s.recipe,
		Destination: s.opts.ContextDir,
		DryRun:      true,
		Out:         io.Discard,
	})
	if err != nil {
		return "", classify(err)
	}

	switch format {
	case "", "dockerfile":
		return result.Dockerfile, nil
	case "yaml":
		out, err := result.Plan.YAML()
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		return "", envkiterrors.NewConfigError(
			fmt.Sprintf("Unknown output format %q", format), "", "Use --output dockerfile or --output yaml", nil)
	}
}

// Scaffold assembles the build context without building it.
func Scaffold(ctx context.Context, opts Options) (*scaffolder.Result, error) {
	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	state := &ExecutionState{}
	stage := NewScaffoldStage(s)
	if err := stage.Execute(ctx, state); err != nil {
		return nil, classify(err)
	}
	return stage.result, nil
}

// Build assembles the context and builds the image from it.
func Build(ctx context.Context, opts Options) (*ExecutionState, error) {
	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	defer s.factory.Close()

	state := &ExecutionState{RecipePath: opts.RecipePath}
	if err := runStages(ctx, state, NewScaffoldStage(s), NewBuildStage(s)); err != nil {
		return nil, err
	}
	return state, nil
}

// Verify checks the image built from the current context.
func Verify(ctx context.Context, opts Options) error {
	s, err := newSession(opts)
	if err != nil {
		return err
	}
	defer s.factory.Close()

	state, err := s.builtState()
	if err != nil {
		return classify(err)
	}
	return runStages(ctx, state, NewVerifyStage(s))
}

// Lock freezes the packages of the built image into the lock file, or with
// CheckLock compares them against it.
func Lock(ctx context.Context, opts Options) error {
	s, err := newSession(opts)
	if err != nil {
		return err
	}
	defer s.factory.Close()

	state, err := s.builtState()
	if err != nil {
		return classify(err)
	}
	return runStages(ctx, state, NewLockStage(s))
}

// Run starts the built image's declared command and returns its exit status
// as an ExitError when it is not zero.
func Run(ctx context.Context, opts Options) error {
	s, err := newSession(opts)
	if err != nil {
		return err
	}
	defer s.factory.Close()

	image, _, err := s.resolveImage()
	if err != nil {
		return classify(err)
	}
	if s.opts.DryRun {
		fmt.Fprintf(s.opts.Out, "DRY RUN: Would start %s with %v\n", image, s.recipe.Spec.Command())
		return nil
	}

	prov, err := s.factory.GetProvisioner(ctx)
	if err != nil {
		return err
	}
	code, err := prov.Run(ctx, provisioner.RunRequest{
		Image:       image,
		RequiredEnv: s.recipe.Spec.Runtime.RequiredEnv,
		Stdout:      s.opts.Out,
		Stderr:      s.opts.ErrOut,
	})
	if err != nil {
		return classify(err)
	}
	if code != 0 {
		return &envkiterrors.ExitError{Code: code}
	}
	return nil
}

// builtState describes the image of the current context for stages that run
// after a separate build.
func (s *session) builtState() (*ExecutionState, error) {
	image, info, err := s.resolveImage()
	if err != nil {
		return nil, err
	}
	return &ExecutionState{
		RecipePath:     s.opts.RecipePath,
		ContextDir:     s.opts.ContextDir,
		ContentHash:    info.ContentHash,
		ManifestDigest: info.ManifestDigest,
		SourceRevision: info.SourceRevision,
		Image:          image,
	}, nil
}

func runStages(ctx context.Context, state *ExecutionState, stages ...Stage) error {
	for _, stage := range stages {
		if err := stage.Execute(ctx, state); err != nil {
			return classify(err)
		}
		state.LastSuccessfulStage = stage.Name()
	}
	return nil
}

// reconcileState checks whether the context a saved run built from still
// matches the application source and manifest. A local source is hashed again
// and the state dropped on a mismatch; a git source resumes from scaffold so
// the checkout is fetched again.
func (s *session) reconcileState(ctx context.Context, state *ExecutionState) *ExecutionState {
	if !state.shouldSkipStage(StageScaffold) {
		return state
	}
	if s.recipe.Spec.Source.IsGitSource() {
		slog.Info("Git source is fetched again on resume", "runId", state.RunID)
		state.LastSuccessfulStage = ""
		return state
	}

	result, err := scaffolder.Scaffold(ctx, scaffolder.Options{
		Recipe:      s.recipe,
		Destination: s.opts.ContextDir,
		DryRun:      true,
		Out:         io.Discard,
	})
	if err == nil && result.ContentHash == state.ContentHash {
		return state
	}
	s.console.PrintWarning(fmt.Sprintf("Application source or manifest changed since run %s; starting over", state.RunID))
	slog.Info("Discarding stale state", "runId", state.RunID, "savedHash", state.ContentHash, "error", err)
	return nil
}

// Apply runs scaffold, build, verify and lock as one resumable workflow.
// Progress is kept in the state file; a rerun after a failure skips the
// stages that already succeeded, unless the recipe changed in between.
func Apply(ctx context.Context, opts Options) error {
	s, err := newSession(opts)
	if err != nil {
		return err
	}
	defer s.factory.Close()
	console := s.console
	statePath := s.opts.StateFile

	slog.Info("Starting envkit apply workflow", "recipePath", opts.RecipePath, "dryRun", opts.DryRun)

	recipeDigest, err := scaffolder.CalculateFileHash(opts.RecipePath)
	if err != nil {
		return envkiterrors.NewFileSystemError("Recipe could not be read", err.Error(), "", err)
	}

	state, err := loadState(statePath)
	if err != nil {
		return envkiterrors.NewFileSystemError("Failed to load execution state", err.Error(),
			fmt.Sprintf("Remove %s to start over", statePath), err)
	}
	if state != nil && state.RecipeDigest != recipeDigest {
		console.PrintWarning(fmt.Sprintf("Recipe changed since run %s; starting over", state.RunID))
		slog.Info("Discarding stale state", "runId", state.RunID, "statePath", statePath)
		state = nil
	}
	if state != nil {
		state = s.reconcileState(ctx, state)
	}

	if state == nil {
		runID := uuid.New().String()
		state = newState(opts.RecipePath, recipeDigest, runID)
		slog.Info("Starting new envkit workflow", "runId", runID, "recipePath", opts.RecipePath)
	} else {
		nextStage := state.getNextStage()
		console.PrintInfo(fmt.Sprintf("State file found. Resuming from stage: %s", nextStage))
		slog.Info("Resuming envkit workflow", "runId", state.RunID, "nextStage", nextStage, "lastStage", state.LastSuccessfulStage)
	}

	if opts.DryRun {
		console.PrintWarning("DRY RUN MODE - no image will be built")
	}

	stages := []Stage{
		NewScaffoldStage(s),
		NewBuildStage(s),
		NewVerifyStage(s),
		NewLockStage(s),
	}
	for i, stage := range stages {
		if state.shouldSkipStage(stage.Name()) {
			console.PrintSkipped(string(stage.Name()), "already completed")
			continue
		}
		console.PrintStep(i+1, len(stages), string(stage.Name()), "")

		if err := stage.Execute(ctx, state); err != nil {
			return classify(err)
		}

		state.LastSuccessfulStage = stage.Name()
		if !opts.DryRun {
			if err := saveState(statePath, state); err != nil {
				return envkiterrors.NewFileSystemError(
					fmt.Sprintf("Failed to save state after %s", stage.Name()), err.Error(), "", err)
			}
		}
	}

	state.LastSuccessfulStage = StageCompleted
	if !opts.DryRun {
		if opts.RetainState {
			if err := saveState(statePath, state); err != nil {
				slog.Warn("Failed to save final state", "error", err)
			} else {
				slog.Info("State file retained for auditing", "file", statePath)
			}
		} else if err := removeStateFile(statePath); err != nil {
			slog.Warn("Failed to clean up state file", "error", err)
		}
	}

	if opts.DryRun {
		console.PrintSuccess("DRY RUN COMPLETED - all stages simulated")
	} else {
		console.PrintSuccess(fmt.Sprintf("Environment %s is ready: %s", s.recipe.Metadata.Name, state.Image))
	}
	slog.Info("envkit apply workflow completed successfully", "recipe", s.recipe.Metadata.Name, "image", state.Image, "dryRun", opts.DryRun)
	return nil
}
