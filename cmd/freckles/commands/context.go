package commands

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/ferr"
)

func newContextCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Inspect and unlock the run context",
		Long: `The context is the effective configuration of a run: the default
profile, layered with every --context-config value.`,
	}
	cmd.AddCommand(newContextShowCommand(g))
	cmd.AddCommand(newContextUnlockCommand(g))
	return cmd
}

func newContextShowCommand(g *globalFlags) *cobra.Command {
	var (
		format  string
		changed bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective context configuration",
		Example: `  freckles context show
  freckles -c dev context show --changed
  freckles context show --format yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, "context.show", func(ctx context.Context, a *app) error {
				entries := a.cfg.Entries()
				if changed {
					filtered := entries[:0]
					for _, e := range entries {
						if e.Changed {
							filtered = append(filtered, e)
						}
					}
					entries = filtered
				}

				switch format {
				case "yaml":
					data, err := yaml.Marshal(entries)
					if err != nil {
						return err
					}
					printf(a.out, "%s", data)
				case "table":
					state := "unlocked"
					if a.cfg.Locked() {
						state = "locked"
					}
					printf(a.out, "Context: %s (%s)\n", a.cfg.Name(), state)
					t := newTable(a.out, "KEY", "VALUE", "SOURCE", "SAFE")
					for _, e := range entries {
						value := fmt.Sprint(e.Value)
						if e.Denied {
							value += " (needs unlock)"
						}
						t.Row(e.Key, value, e.Source, fmt.Sprint(e.Safe))
					}
					printf(a.out, "%s\n", t.Render())
				default:
					return ferr.NewConfigError(fmt.Sprintf("unknown format '%s'", format), nil).
						WithSolution("use 'table' or 'yaml'")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "output format (table, yaml)")
	cmd.Flags().BoolVar(&changed, "changed", false, "only show keys that differ from the default")

	return cmd
}

func newContextUnlockCommand(g *globalFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Accept the license and unlock unsafe context keys",
		Long: `A locked context refuses changes to keys that are not marked safe,
such as allow_remote. Unlocking accepts the freckles license and writes
accept_freckles_license: true to the default profile.`,
		Example: `  freckles context unlock
  freckles context unlock --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, "context.unlock", func(ctx context.Context, a *app) error {
				if !a.cfg.Locked() {
					printf(a.out, "Context is already unlocked.\n")
					return nil
				}
				if !yes {
					if !engine.StdinIsTerminal() {
						return ferr.NewUnlockRequired("cannot ask for confirmation without a terminal", nil).
							WithSolution("run 'freckles context unlock --yes'")
					}
					confirmed := false
					field := huh.NewConfirm().
						Title("Accept the freckles license and unlock the context?").
						Affirmative("Accept").
						Negative("Cancel").
						Value(&confirmed)
					if err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx); err != nil {
						return err
					}
					if !confirmed {
						printf(a.out, "Context left locked.\n")
						return nil
					}
				}
				if err := a.cfg.Unlock(); err != nil {
					return err
				}
				printf(a.out, "Context unlocked.\n")
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept without asking")

	return cmd
}
