package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"envkit/internal/app"
	envkiterrors "envkit/internal/errors"
	"envkit/internal/parser"
)

// version is set at build time via ldflags
var version = "dev"

// config holds settings that may come from ENVKIT_* variables as well as flags.
var config = viper.New()

var rootCmd = &cobra.Command{
	Use:     "envkit",
	Short:   "envkit - reproducible container environments for Python applications",
	Version: version,
	Long: `envkit turns a recipe (base image, OS packages, dependency manifest and
entry-point script) into a container image with an isolated, copied virtual
environment, and checks that the image does what the recipe declares.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if err := setupLogging(os.Stderr, config.GetString("log_level"), verbose); err != nil {
			return envkiterrors.NewConfigError("Invalid log level", err.Error(),
				"Set ENVKIT_LOG_LEVEL to debug, info, warn or error", err)
		}
		return nil
	},
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the Dockerfile or provisioning plan for a recipe",
	Long: `Render validates the recipe and its application source and prints the
generated Dockerfile, or with --output yaml the ordered provisioning steps.
Nothing is written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := commandOptions(cmd)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("output")

		out, err := app.Render(cmd.Context(), opts, format)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var scaffoldCmd = &cobra.Command{
	Use:   "scaffold",
	Short: "Assemble the build context for a recipe",
	Long: `Scaffold copies the application source into the build context directory
and writes the generated Dockerfile and .dockerignore next to it. It fails when
the entry-point script or the dependency manifest is missing from the source.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := commandOptions(cmd)
		if err != nil {
			return err
		}
		_, err = app.Scaffold(cmd.Context(), opts)
		return err
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Scaffold and build the image",
	Long: `Build assembles the build context and builds the image through the Docker
daemon. The tag defaults to a hash of the Dockerfile, manifest and source tree,
so an existing image with the same inputs is reused unless --force-rebuild is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := commandOptions(cmd)
		if err != nil {
			return err
		}
		_, err = app.Build(cmd.Context(), opts)
		return err
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a built image against its recipe",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := commandOptions(cmd)
		if err != nil {
			return err
		}
		return app.Verify(cmd.Context(), opts)
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Record the packages installed in the built image",
	Long: `Lock runs pip freeze inside the built image and writes the result to the
lock file. With --check the lock file is left untouched and any difference
fails the command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := commandOptions(cmd)
		if err != nil {
			return err
		}
		return app.Lock(cmd.Context(), opts)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the built image's declared command",
	Long: `Run checks that every variable in spec.runtime.requiredEnv is set, starts a
container from the built image with those variables, streams its output and
exits with the container's exit status.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := commandOptions(cmd)
		if err != nil {
			return err
		}
		return app.Run(cmd.Context(), opts)
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Scaffold, build, verify and lock in one resumable run",
	Long: `Apply executes the complete envkit workflow. Progress is recorded in a
state file, so rerunning after a failure resumes with the stage that failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := commandOptions(cmd)
		if err != nil {
			return err
		}
		return app.Apply(cmd.Context(), opts)
	},
}

// commandOptions collects the flags every command shares.
func commandOptions(cmd *cobra.Command) (app.Options, error) {
	file, _ := cmd.Flags().GetString("file")
	wd, err := os.Getwd()
	if err != nil {
		return app.Options{}, envkiterrors.NewFileSystemError("Cannot determine working directory", err.Error(), "", err)
	}
	recipePath, err := parser.Locate(file, wd)
	if err != nil {
		return app.Options{}, envkiterrors.NewRecipeError("No recipe found", err.Error(),
			"Pass --file or create envkit.yaml in the current directory", err)
	}

	opts := app.Options{
		RecipePath: recipePath,
		ContextDir: config.GetString("context"),
		StateFile:  config.GetString("state_file"),
		LockFile:   config.GetString("lock_file"),
		Out:        cmd.OutOrStdout(),
		ErrOut:     cmd.ErrOrStderr(),
	}
	opts.DryRun = boolFlag(cmd, "dry-run")
	opts.RetainState = boolFlag(cmd, "retain-state")
	opts.ForceRebuild = boolFlag(cmd, "force-rebuild")
	opts.NoCache = boolFlag(cmd, "no-cache")
	opts.CheckLock = boolFlag(cmd, "check")
	return opts, nil
}

func boolFlag(cmd *cobra.Command, name string) bool {
	if cmd.Flags().Lookup(name) == nil {
		return false
	}
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func init() {
	config.SetEnvPrefix("ENVKIT")
	config.AutomaticEnv()

	rootCmd.PersistentFlags().StringP("file", "f", "", "Path to the recipe (default: envkit.yaml in the current directory)")
	rootCmd.PersistentFlags().String("context", "", "Build context directory (default: .envkit/context next to the recipe)")
	rootCmd.PersistentFlags().String("lock-file", "", "Lock file path (default: envkit.lock next to the recipe)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to stderr")
	bindFlag("context", "context")
	bindFlag("lock_file", "lock-file")

	renderCmd.Flags().StringP("output", "o", "dockerfile", "Output format: dockerfile or yaml")
	rootCmd.AddCommand(renderCmd)

	scaffoldCmd.Flags().Bool("dry-run", false, "Print files that would be created without actually writing them")
	rootCmd.AddCommand(scaffoldCmd)

	buildCmd.Flags().Bool("force-rebuild", false, "Build even when an image with the same content hash exists")
	buildCmd.Flags().Bool("no-cache", false, "Do not use the daemon's layer cache")
	buildCmd.Flags().Bool("dry-run", false, "Print what would be built without contacting Docker")
	rootCmd.AddCommand(buildCmd)

	rootCmd.AddCommand(verifyCmd)

	lockCmd.Flags().Bool("check", false, "Compare against the existing lock file instead of writing it")
	rootCmd.AddCommand(lockCmd)

	runCmd.Flags().Bool("dry-run", false, "Print the command that would start without running it")
	rootCmd.AddCommand(runCmd)

	applyCmd.Flags().Bool("dry-run", false, "Simulate the workflow without making any changes")
	applyCmd.Flags().Bool("retain-state", false, "Keep the state file after successful completion for auditing purposes")
	applyCmd.Flags().Bool("force-rebuild", false, "Build even when an image with the same content hash exists")
	applyCmd.Flags().Bool("no-cache", false, "Do not use the daemon's layer cache")
	applyCmd.Flags().Bool("check", false, "Compare against the existing lock file instead of writing it")
	rootCmd.AddCommand(applyCmd)
}

func bindFlag(key, flag string) {
	if err := config.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		envkiterrors.HandleError(err)
		os.Exit(envkiterrors.ExitCode(err))
	}
}
