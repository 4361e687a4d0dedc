package commands

import (
	"context"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/freckles-io/freckles/pkg/repo"
)

func newListCommand(g *globalFlags) *cobra.Command {
	var (
		tags    []string
		invalid bool
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "list [filter]",
		Short: "List available frecklets",
		Long: `List the frecklets of the configured repositories.

An optional filter matches frecklet names by substring, --tag restricts
the list to frecklets carrying all given tags. Frecklets that failed to
parse are listed with --invalid.`,
		Example: `  # List all frecklets
  freckles list

  # List frecklets tagged 'user'
  freckles list --tag user

  # List frecklets of a local folder and keep watching it
  freckles list -r ./my-frecklets --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) == 1 {
				filter = args[0]
			}
			return withApp(cmd, g, "list", func(ctx context.Context, a *app) error {
				store, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				if invalid {
					printInvalid(a.out, store)
					return nil
				}
				printFrecklets(a.out, store, filter, tags)
				if !watch {
					return nil
				}
				return store.Watch(ctx, func(names []string) {
					printf(a.out, "\n%d frecklets after reload\n", len(names))
					printFrecklets(a.out, store, filter, tags)
				})
			})
		},
	}

	cmd.Flags().StringSliceVar(&tags, "tag", nil, "only list frecklets with these tags")
	cmd.Flags().BoolVar(&invalid, "invalid", false, "list frecklets that failed to parse")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-list whenever a local frecklet changes")

	return cmd
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func newTable(w io.Writer, headers ...string) *table.Table {
	cell := lipgloss.NewRenderer(w).NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderRow(false).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cell
		})
}

func printFrecklets(w io.Writer, store *repo.Store, filter string, tags []string) {
	t := newTable(w, "NAME", "ORIGIN", "DESCRIPTION")
	count := 0
	for _, name := range store.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		f, ok := store.Get(name)
		if !ok {
			continue
		}
		matches := true
		for _, tag := range tags {
			if !f.HasTag(tag) {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		t.Row(name, f.Origin, f.Doc.ShortHelp)
		count++
	}
	if count == 0 {
		printf(w, "No frecklets found.\n")
		return
	}
	printf(w, "%s\n", t.Render())
}

func printInvalid(w io.Writer, store *repo.Store) {
	list := store.Invalid()
	if len(list) == 0 {
		printf(w, "No invalid frecklets.\n")
		return
	}
	t := newTable(w, "NAME", "PATH", "ERROR")
	for _, f := range list {
		t.Row(f.ID, f.Path, f.Err().Error())
	}
	printf(w, "%s\n", t.Render())
}
