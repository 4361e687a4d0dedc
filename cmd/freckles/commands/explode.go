package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newExplodeCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explode <frecklet>",
		Short: "Print a frecklet in normalised form",
		Long: `Print a frecklet with every task entry expanded to the full
frecklet/task/vars form. Shortcut and sugared entries are rewritten,
defaults are made explicit.`,
		Example: `  freckles explode user-exists
  freckles explode ./setup.frecklet`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, "explode", func(ctx context.Context, a *app) error {
				store, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				f, err := store.Lookup(args[0])
				if err != nil {
					return err
				}
				data, err := f.ExplodedYAML()
				if err != nil {
					return err
				}
				printf(a.out, "%s", data)
				return nil
			})
		},
	}
	return cmd
}
