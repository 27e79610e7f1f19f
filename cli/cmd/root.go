// Package cmd implements the warp CLI.
//
// The binary embedding this command tree must register its entries (see
// the rules package) before calling Execute, warp itself only manages
// repositories.
package cmd

import (
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"

	"github.com/FollowTheProcess/warp/cli/app"
)

var (
	version = "dev" // warp version, set at compile time by ldflags
	commit  = ""    // warp version's commit hash, set at compile time by ldflags
)

// BuildRootCmd builds and returns the root warp CLI command.
func BuildRootCmd() *cobra.Command {
	warp := app.New(os.Stdout, os.Stderr)

	rootCmd := &cobra.Command{
		Use:           "warp <command>",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Memoising workflow engine for content-addressed task graphs",
		Long: heredoc.Doc(`

		Warp evaluates dynamically constructed graphs of tasks, memoising every
		result durably so that reruns re-execute only the tasks whose inputs
		have changed.

		Rules are plain functions registered in the binary embedding warp;
		the CLI evaluates registered entries against the repository cache.
		`),
		Example: heredoc.Doc(`

		# Initialise a repository in the current directory
		$ warp init

		# Evaluate the entry named 'analysis' with one argument
		$ warp run analysis 5

		# Repeat the last run
		$ warp run

		# Summarise cached tasks, narrowed by a label pattern
		$ warp status -p '/calcs/**'

		# Materialise the outputs of completed tasks
		$ warp checkout --done
		`),
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&warp.Options.Dir, "dir", "", "Path to the warp repository (defaults to $WARP_DIR or .warp).")
	flags.BoolVar(&warp.Options.Verbose, "verbose", false, "Show debug logging.")

	rootCmd.AddCommand(
		buildInitCmd(warp),
		buildRunCmd(warp),
		buildStatusCmd(warp),
		buildGraphCmd(warp),
		buildCheckoutCmd(warp),
		buildListCmd(warp),
		buildResetCmd(warp),
		buildCmdCmd(warp),
	)

	rootCmd.SetVersionTemplate(fmt.Sprintf("warp %s (%s)\n", version, commit))
	return rootCmd
}

// Execute runs the warp CLI, it is the entry point used by embedding
// binaries after registering their entries.
func Execute() {
	if err := BuildRootCmd().Execute(); err != nil {
		os.Stderr.WriteString("error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
