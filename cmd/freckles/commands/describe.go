package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/schema"
)

func newDescribeCommand(g *globalFlags) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "describe <frecklet>",
		Short: "Show arguments, documentation and task tree of a frecklet",
		Long: `Show the documentation of a frecklet, the argument schema derived
from its whole task tree, and the task tree itself.

With --dot the task tree is printed in Graphviz DOT format instead.`,
		Example: `  # Describe a frecklet
  freckles describe user-exists

  # Render the task tree
  freckles describe user-exists --dot | dot -Tpng > tree.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, "describe", func(ctx context.Context, a *app) error {
				e, err := a.openEngine(ctx)
				if err != nil {
					return err
				}
				fx, err := e.Load(args[0])
				if err != nil {
					return err
				}
				tree, err := fx.Tree()
				if err != nil {
					return err
				}
				if dot {
					printf(a.out, "%s", tree.ToDOT())
					return nil
				}
				s, err := fx.Schema()
				if err != nil {
					return err
				}
				describe(a.out, fx, s, tree)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the task tree in DOT format")

	return cmd
}

func describe(w io.Writer, fx *engine.Frecklecutable, s *schema.Schema, tree *engine.Tree) {
	f := fx.Frecklet()
	printf(w, "%s\n", f.ID)
	if f.Doc.ShortHelp != "" {
		printf(w, "  %s\n", f.Doc.ShortHelp)
	}
	if f.Doc.Help != "" {
		printf(w, "\n%s\n", indent(strings.TrimSpace(f.Doc.Help), "  "))
	}
	if tags := f.Tags(); len(tags) > 0 {
		printf(w, "\nTags: %s\n", strings.Join(tags, ", "))
	}
	if f.Path != "" {
		printf(w, "Path: %s\n", f.Path)
	}

	printf(w, "\nArguments:\n")
	if s.Len() == 0 {
		printf(w, "  none\n")
	} else {
		t := newTable(w, "KEY", "TYPE", "REQUIRED", "DEFAULT", "DESCRIPTION")
		for _, arg := range s.Args() {
			def := ""
			if arg.HasDefault {
				def = fmt.Sprint(arg.Default)
			}
			if arg.Secret && def != "" {
				def = "(secret)"
			}
			t.Row(arg.Key, string(arg.Type), fmt.Sprint(arg.Required), def, arg.Doc.ShortHelp)
		}
		printf(w, "%s\n", t.Render())
	}

	if len(f.Doc.References) > 0 {
		printf(w, "\nReferences:\n")
		labels := make([]string, 0, len(f.Doc.References))
		for label := range f.Doc.References {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			printf(w, "  %s: %s\n", label, f.Doc.References[label])
		}
	}
	for _, ex := range f.Doc.Examples {
		printf(w, "\nExample: %s\n", ex.Title)
		for _, k := range schema.SortedKeys(ex.Vars) {
			printf(w, "  %s: %v\n", k, ex.Vars[k])
		}
	}

	printf(w, "\nTask tree:\n")
	tree.Walk(func(n *engine.Node) bool {
		label := n.Name()
		if n.IsLeaf() {
			label = fmt.Sprintf("%s (%s)", label, n.Entry.Type())
		}
		printf(w, "%s- %s\n", strings.Repeat("  ", n.Depth+1), label)
		return true
	})
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}
