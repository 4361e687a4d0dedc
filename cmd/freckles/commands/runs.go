package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/freckles-io/freckles/pkg/config"
	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/stores"
)

func newRunsCommand(g *globalFlags) *cobra.Command {
	var opts stores.ListOptions
	var status string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the run history",
		Long: `Show the adapter batches recorded in the local run history.

Every dispatched batch is recorded with its status, run directory and
the outcome of each task. Secrets are redacted before they are stored.`,
		Example: `  # Show the last 20 batches
  freckles runs

  # Show failed batches of one frecklet
  freckles runs --frecklet user-exists --status failed

  # Show one batch with its tasks
  freckles runs show 2b1f0c1e-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, "runs", func(ctx context.Context, a *app) error {
				history, err := requireHistory(ctx, a)
				if err != nil {
					return err
				}
				if status != "" {
					opts.Status = engine.RunStatus(status)
					if err := opts.Status.Validate(); err != nil {
						return ferr.NewConfigError("invalid --status", err)
					}
				}
				batches, err := history.ListBatches(ctx, opts)
				if err != nil {
					return err
				}
				if len(batches) == 0 {
					printf(a.out, "No runs recorded.\n")
					return nil
				}
				t := newTable(a.out, "RUN ID", "FRECKLET", "ADAPTER", "STATUS", "TASKS", "STARTED", "DURATION")
				for _, b := range batches {
					t.Row(b.RunID, b.Frecklet, b.Adapter, b.Status.String(), fmt.Sprint(b.TaskCount),
						b.StartedAt.Local().Format(time.DateTime), b.Duration().Round(time.Millisecond).String())
				}
				printf(a.out, "%s\n", t.Render())
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of batches (0 for all)")
	cmd.Flags().StringVar(&opts.Frecklet, "frecklet", "", "only show batches of this frecklet")
	cmd.Flags().StringVar(&status, "status", "", "only show batches with this status")

	cmd.AddCommand(newRunsShowCommand(g))
	cmd.AddCommand(newRunsPruneCommand(g))
	cmd.AddCommand(newRunsLogCommand(g))

	return cmd
}

func newRunsShowCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one batch with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, "runs.show", func(ctx context.Context, a *app) error {
				history, err := requireHistory(ctx, a)
				if err != nil {
					return err
				}
				b, err := history.GetBatch(ctx, args[0])
				if errors.Is(err, stores.ErrNotFound) {
					return ferr.NewConfigError(fmt.Sprintf("run '%s' not found", args[0]), err).
						WithSolution("list recorded runs with 'freckles runs'")
				}
				if err != nil {
					return err
				}
				events, err := history.ListTaskEvents(ctx, b.RunID)
				if err != nil {
					return err
				}

				printf(a.out, "Run:      %s\n", b.RunID)
				printf(a.out, "Frecklet: %s\n", b.Frecklet)
				printf(a.out, "Adapter:  %s\n", b.Adapter)
				printf(a.out, "Status:   %s\n", b.Status)
				printf(a.out, "Started:  %s\n", b.StartedAt.Local().Format(time.DateTime))
				if b.FinishedAt != nil {
					printf(a.out, "Duration: %s\n", b.Duration().Round(time.Millisecond))
				}
				if b.EnvDir != "" {
					printf(a.out, "Env:      %s\n", b.EnvDir)
				}
				if b.Exception != nil {
					printf(a.out, "Error:    %s\n", *b.Exception)
				}
				if len(events) == 0 {
					return nil
				}

				t := newTable(a.out, "ID", "TASK", "STATE", "ERRORS")
				for _, e := range events {
					t.Row(fmt.Sprint(e.TaskID), e.Name, string(eventState(e)), strings.Join(e.Errors, "; "))
				}
				printf(a.out, "\n%s\n", t.Render())
				return nil
			})
		},
	}
}

func eventState(e *stores.TaskEvent) engine.TaskState {
	switch {
	case !e.Success:
		return engine.TaskStateFailed
	case e.Skipped:
		return engine.TaskStateSkipped
	case e.Changed:
		return engine.TaskStateChanged
	default:
		return engine.TaskStateOK
	}
}

func newRunsPruneCommand(g *globalFlags) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete old batches from the run history",
		Example: `  freckles runs prune --older-than 168h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, "runs.prune", func(ctx context.Context, a *app) error {
				history, err := requireHistory(ctx, a)
				if err != nil {
					return err
				}
				n, err := history.PruneBefore(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				printf(a.out, "Deleted %d batches.\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete batches started before this age")

	return cmd
}

func newRunsLogCommand(g *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the runs.log lifecycle file",
		Long: `Show the rows of runs.log, the file every run appends a started and a
finished row to. Unlike the run history it is written even when the
history is disabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, "runs.log", func(ctx context.Context, a *app) error {
				entries, err := engine.ReadRunsLog(a.paths.RunsLog())
				if err != nil {
					return err
				}
				if limit > 0 && len(entries) > limit {
					entries = entries[len(entries)-limit:]
				}
				if len(entries) == 0 {
					printf(a.out, "No runs logged.\n")
					return nil
				}
				t := newTable(a.out, "TIME", "RUN ID", "FRECKLET", "ADAPTER", "STATE", "ENV")
				for _, e := range entries {
					t.Row(e.Time.Local().Format(time.DateTime), e.RunID, e.Frecklet, e.Adapter, string(e.State), e.EnvDir)
				}
				printf(a.out, "%s\n", t.Render())
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 40, "show the last n rows (0 for all)")

	return cmd
}

func requireHistory(ctx context.Context, a *app) (stores.Store, error) {
	history := a.openHistory(ctx)
	if history == nil {
		return nil, ferr.NewConfigError("run history is not available", nil).
			WithKeys(config.KeyStoreRunHistory).
			WithSolution("enable it with --context-config %s=true", config.KeyStoreRunHistory)
	}
	return history, nil
}
