package engine

import (
	"fmt"
	"strings"

	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/frecklet"
)

// Node is a node of a task tree. The root references the invoked frecklet,
// internal nodes reference child frecklets, leaves are terminal tasks.
type Node struct {
	// ID is the pre-order position of the node, the root is 0.
	ID int

	// Entry is the normalised child entry in the parent frecklet, nil for
	// the root.
	Entry *frecklet.TaskEntry

	// Frecklet is the referenced frecklet for the root and for internal
	// nodes, nil for leaves.
	Frecklet *frecklet.Frecklet

	// Parent is nil for the root.
	Parent *Node

	// Children are the expanded entries of Frecklet in declaration order.
	Children []*Node

	// Depth is 0 for the root.
	Depth int
}

// IsLeaf reports whether the node is a terminal task.
func (n *Node) IsLeaf() bool {
	return n.Frecklet == nil
}

// IsRoot reports whether the node is the tree root.
func (n *Node) IsRoot() bool {
	return n.Parent == nil
}

// Name returns the frecklet or task name of the node.
func (n *Node) Name() string {
	if n.Entry != nil {
		return n.Entry.Name()
	}
	return n.Frecklet.ID
}

// Path returns the names from the root to the node, joined by "/".
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur != nil; cur = cur.Parent {
		parts = append(parts, cur.Name())
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// Ancestors returns the chain from the root down to the node, inclusive.
func (n *Node) Ancestors() []*Node {
	var chain []*Node
	for cur := n; cur != nil; cur = cur.Parent {
		chain = append([]*Node{cur}, chain...)
	}
	return chain
}

// Tree is the expanded task tree of a frecklet.
type Tree struct {
	// Root is node 0.
	Root *Node

	// nodes holds every node indexed by id.
	nodes []*Node
}

// BuildTree expands root by recursively looking up child frecklets. Missing
// children, invalid frecklets and reference cycles fail the build.
func BuildTree(root *frecklet.Frecklet, lookup FreckletLookup) (*Tree, error) {
	if root == nil {
		return nil, ferr.NewBuildError("no frecklet to build", nil)
	}
	if !root.Valid() {
		return nil, root.Err()
	}

	b := &treeBuilder{
		lookup: lookup,
		active: map[string]bool{},
	}
	t := &Tree{}
	rootNode := &Node{ID: 0, Frecklet: root}
	t.Root = rootNode
	t.nodes = append(t.nodes, rootNode)

	b.active[root.ID] = true
	b.chain = []string{root.ID}
	if err := b.expand(t, rootNode); err != nil {
		return nil, err
	}
	return t, nil
}

// treeBuilder tracks the active ancestor chain for cycle detection.
type treeBuilder struct {
	lookup FreckletLookup
	active map[string]bool
	chain  []string
}

func (b *treeBuilder) expand(t *Tree, parent *Node) error {
	for _, entry := range parent.Frecklet.Entries {
		node := &Node{
			ID:     len(t.nodes),
			Entry:  entry,
			Parent: parent,
			Depth:  parent.Depth + 1,
		}
		t.nodes = append(t.nodes, node)
		parent.Children = append(parent.Children, node)

		if entry.IsTerminal() {
			continue
		}

		name := entry.Name()
		if b.active[name] {
			cycle := append(append([]string(nil), b.chain...), name)
			return ferr.NewBuildError(
				fmt.Sprintf("circular frecklet reference: %s", formatCycle(cycle)), nil,
			).WithPath(node.Path()).
				WithSolution("remove the reference to '%s' from '%s'", name, parent.Name())
		}

		child, err := b.resolve(parent, name)
		if err != nil {
			return err
		}
		node.Frecklet = child

		b.active[name] = true
		b.chain = append(b.chain, name)
		if err := b.expand(t, node); err != nil {
			return err
		}
		b.chain = b.chain[:len(b.chain)-1]
		delete(b.active, name)
	}
	return nil
}

func (b *treeBuilder) resolve(parent *Node, name string) (*frecklet.Frecklet, error) {
	var child *frecklet.Frecklet
	if b.lookup != nil {
		child, _ = b.lookup.Get(name)
	}
	if child == nil {
		var repos []string
		if b.lookup != nil {
			repos = b.lookup.RepoNames()
		}
		return nil, ferr.NewBuildError(
			fmt.Sprintf("frecklet '%s' references unknown frecklet '%s'", parent.Frecklet.ID, name), nil,
		).WithPath(parent.Path()).
			WithReason("no configured repository contains a frecklet named '%s'", name).
			WithSolution("add a repository providing '%s' (configured: %s)", name, strings.Join(repos, ", "))
	}
	if !child.Valid() {
		return nil, child.Err()
	}
	return child, nil
}

// Node returns the node with the given id.
func (t *Tree) Node(id int) (*Node, bool) {
	if id < 0 || id >= len(t.nodes) {
		return nil, false
	}
	return t.nodes[id], true
}

// Len returns the number of nodes including the root.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Walk visits every node in pre-order. Returning false from fn skips the
// node's descendants.
func (t *Tree) Walk(fn func(*Node) bool) {
	var walk func(*Node)
	walk = func(n *Node) {
		if !fn(n) {
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.Root)
}

// Leaves returns the terminal nodes in pre-order.
func (t *Tree) Leaves() []*Node {
	var leaves []*Node
	t.Walk(func(n *Node) bool {
		if n.IsLeaf() {
			leaves = append(leaves, n)
		}
		return true
	})
	return leaves
}

// Paths returns, for every leaf, the chain of nodes from the root.
func (t *Tree) Paths() [][]*Node {
	leaves := t.Leaves()
	paths := make([][]*Node, 0, len(leaves))
	for _, l := range leaves {
		paths = append(paths, l.Ancestors())
	}
	return paths
}

// ToDOT generates a DOT representation of the tree for visualization.
// The output can be rendered with Graphviz tools.
func (t *Tree) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph TaskTree {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	t.Walk(func(n *Node) bool {
		label := n.Name()
		color := "lightblue"
		if n.IsLeaf() {
			label = fmt.Sprintf("%s\\n%s", n.Name(), n.Entry.Type())
			color = "lightgreen"
		} else if n.IsRoot() {
			color = "lightgray"
		}
		sb.WriteString(fmt.Sprintf("  \"%d\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
			n.ID, label, color))
		return true
	})
	sb.WriteString("\n")
	t.Walk(func(n *Node) bool {
		for _, c := range n.Children {
			sb.WriteString(fmt.Sprintf("  \"%d\" -> \"%d\";\n", n.ID, c.ID))
		}
		return true
	})

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
