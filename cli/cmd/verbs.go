package cmd

import (
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"

	"github.com/FollowTheProcess/warp/cli/app"
)

func buildInitCmd(warp *app.App) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialise a warp repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return warp.Init()
		},
	}
}

func buildRunCmd(warp *app.App) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [entry] [args...]",
		Short: "Evaluate a registered entry",
		Long: heredoc.Doc(`

		Evaluates the entry registered under the given name, passing the
		remaining arguments through the entry's argument factories. With no
		arguments the previous run is repeated (stored in LAST_ENTRY).
		`),
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entry := ""
			var rest []string
			if len(args) > 0 {
				entry, rest = args[0], args[1:]
			}
			return warp.Run(entry, rest)
		},
	}
	flags := runCmd.Flags()
	flags.IntVar(&warp.Options.NCores, "cores", 0, "Core pool size (defaults to the host core count).")
	flags.StringVar(&warp.Options.Write, "write", "eager", "Cache write mode: eager, on_exit or never.")
	flags.BoolVar(&warp.Options.FullRestore, "full-restore", false, "Reinstate complete task graphs from the cache.")
	return runCmd
}

func buildStatusCmd(warp *app.App) *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Summarise cached tasks by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return warp.Status()
		},
	}
	statusCmd.Flags().StringVarP(&warp.Options.Pattern, "pattern", "p", "", "Only tasks whose label matches this glob pattern.")
	return statusCmd
}

func buildGraphCmd(warp *app.App) *cobra.Command {
	return &cobra.Command{
		Use:   "graph [FILE]",
		Short: "Write the cached task DAG as graphviz DOT",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := ""
			if len(args) == 1 {
				file = args[0]
			}
			return warp.Graph(file)
		},
	}
}

func buildCheckoutCmd(warp *app.App) *cobra.Command {
	checkoutCmd := &cobra.Command{
		Use:   "checkout",
		Short: "Materialise stored files into the working directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return warp.Checkout()
		},
	}
	flags := checkoutCmd.Flags()
	flags.StringVarP(&warp.Options.Pattern, "pattern", "p", "", "Only tasks whose label matches this glob pattern.")
	flags.BoolVar(&warp.Options.Done, "done", false, "Only files reachable from completed tasks, one subtree per label.")
	flags.BoolVarP(&warp.Options.Copy, "copy", "c", false, "Copy files instead of symlinking them.")
	return checkoutCmd
}

func buildListCmd(warp *app.App) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List cached records",
	}
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "List cached tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return warp.ListTasks()
		},
	}
	flags := tasksCmd.Flags()
	flags.StringVarP(&warp.Options.Pattern, "pattern", "p", "", "Only tasks whose label matches this glob pattern.")
	flags.BoolVar(&warp.Options.Hash, "hash", false, "Print hashids only.")
	flags.BoolVar(&warp.Options.Label, "label", false, "Print labels only.")
	listCmd.AddCommand(tasksCmd)
	return listCmd
}

func buildResetCmd(warp *app.App) *cobra.Command {
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Rewind failed cached tasks so they re-execute",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return warp.Reset()
		},
	}
	flags := resetCmd.Flags()
	flags.BoolVar(&warp.Options.Running, "running", false, "Also reset tasks stuck in RUNNING.")
	flags.BoolVar(&warp.Options.OnlyRunning, "only-running", false, "Reset only tasks stuck in RUNNING.")
	return resetCmd
}

func buildCmdCmd(warp *app.App) *cobra.Command {
	return &cobra.Command{
		Use:   "cmd <shell command>",
		Short: "Run a shell command with $WARP_DIR set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return warp.Cmd(args[0])
		},
	}
}
