package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// globalFlags are accepted by every command that needs a context.
type globalFlags struct {
	contextConfig []string
	repos         []string
	target        string
	elevated      bool
	notElevated   bool
	noRun         bool
	output        []string
	vars          []string
	runConfig     []string
	verbose       bool
	logLevel      string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVarP(&g.contextConfig, "context-config", "c", nil, "context profile name, KEY=VAL or inline JSON (repeatable)")
	fs.StringArrayVarP(&g.repos, "repo", "r", nil, "frecklet repository URL[::TYPE] or alias (repeatable)")
	fs.StringVarP(&g.target, "target", "t", "", "target host ([user@][proto://]host[:port])")
	fs.BoolVarP(&g.elevated, "elevated", "e", false, "run tasks with elevated permissions")
	fs.BoolVar(&g.notElevated, "not-elevated", false, "never elevate permissions")
	fs.BoolVar(&g.noRun, "no-run", false, "compile and plan, but do not run any adapter")
	fs.StringSliceVarP(&g.output, "output", "o", nil, "callback output profile (default, silent, json)")
	fs.StringArrayVar(&g.vars, "vars", nil, "vars as JSON/YAML or @file (repeatable, later wins)")
	fs.StringArrayVar(&g.runConfig, "run-config", nil, "run config KEY=VAL (repeatable)")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")
	fs.StringVar(&g.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
}

// Execute runs the freckles root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

// ExecuteFrecklecute runs the frecklecute command as a standalone binary.
func ExecuteFrecklecute(ctx context.Context, version string) error {
	cmd := newFrecklecuteCommand()
	cmd.Use = "frecklecute [global flags] <frecklet> [frecklet flags]"
	cmd.Version = version
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:   "freckles",
		Short: "freckles - composable configuration management",
		Long: `freckles runs frecklets: small, composable recipes that describe
configuration tasks as a tree of other frecklets.

Frecklets are loaded from repositories (local folders, git repositories
or archives), their arguments become command line flags, and their leaf
tasks are dispatched to adapters:
  - shell: commands and scripts, locally or over SSH
  - ansible: modules, roles and tasklists through ansible-playbook
  - nested: frecklets running other frecklets in a sub-context`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	g.register(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newFrecklecuteCommand())
	rootCmd.AddCommand(newListCommand(&g))
	rootCmd.AddCommand(newDescribeCommand(&g))
	rootCmd.AddCommand(newExplodeCommand(&g))
	rootCmd.AddCommand(newContextCommand(&g))
	rootCmd.AddCommand(newRunsCommand(&g))

	return rootCmd
}

func printf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
