package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/frecklet"
	"github.com/freckles-io/freckles/pkg/schema"
	"github.com/freckles-io/freckles/pkg/tmpl"
)

// Resolution is the argument analysis of a root frecklet.
type Resolution struct {
	// Tree is the expanded task tree.
	Tree *Tree

	// Schema is the user-facing argument schema, required arguments
	// without a default first.
	Schema *schema.Schema

	// VarTree records, per leaf, how every level derives its vars.
	VarTree *VarTree

	// nodeArgs holds the effective descriptors of the keys each frecklet
	// node needs, keyed by node id.
	nodeArgs map[int]*schema.Schema
}

// ArgFor returns the descriptor used to validate key in the scope of the
// frecklet node n: the root schema for the root, the node's declared or
// inherited descriptor otherwise, a placeholder as a last resort.
func (r *Resolution) ArgFor(n *Node, key string) *schema.Arg {
	if n.IsRoot() {
		if a, ok := r.Schema.Get(key); ok {
			return a
		}
	}
	if s, ok := r.nodeArgs[n.ID]; ok {
		if a, ok := s.Get(key); ok {
			return a
		}
	}
	return n.Frecklet.ArgOrPlaceholder(key)
}

// VarTree describes the derivation of variables along every leaf path.
type VarTree struct {
	Paths []*VarPath `json:"paths"`
}

// VarPath is the derivation along one root-to-leaf path.
type VarPath struct {
	// Leaf is the path of the leaf node.
	Leaf string `json:"leaf"`

	// LeafID is the node id of the leaf.
	LeafID int `json:"leaf_id"`

	// Levels runs from the leaf's scope up to the root.
	Levels []*VarLevel `json:"levels"`
}

// VarLevel lists the keys a frecklet node must provide and the bindings
// its parent uses to provide them.
type VarLevel struct {
	NodeID   int                    `json:"node_id"`
	Node     string                 `json:"node"`
	Keys     []string               `json:"keys"`
	Bindings map[string]interface{} `json:"bindings,omitempty"`
}

// Resolver derives argument schemas. Results are memoized per frecklet.
type Resolver struct {
	lookup FreckletLookup

	mu    sync.Mutex
	cache map[*frecklet.Frecklet]*Resolution
}

// NewResolver creates a resolver backed by lookup.
func NewResolver(lookup FreckletLookup) *Resolver {
	return &Resolver{
		lookup: lookup,
		cache:  make(map[*frecklet.Frecklet]*Resolution),
	}
}

// Invalidate drops memoized results, e.g. after the store was reloaded.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[*frecklet.Frecklet]*Resolution)
}

// Resolve builds the task tree of root and derives its argument schema.
func (r *Resolver) Resolve(root *frecklet.Frecklet) (*Resolution, error) {
	r.mu.Lock()
	if res, ok := r.cache[root]; ok {
		r.mu.Unlock()
		return res, nil
	}
	r.mu.Unlock()

	tree, err := BuildTree(root, r.lookup)
	if err != nil {
		return nil, err
	}
	res, err := resolveTree(tree)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[root] = res
	r.mu.Unlock()
	return res, nil
}

// candidate is a root-level descriptor together with the leaf path it was
// derived from.
type candidate struct {
	arg  *schema.Arg
	path string
}

func resolveTree(tree *Tree) (*Resolution, error) {
	res := &Resolution{
		Tree:     tree,
		VarTree:  &VarTree{},
		nodeArgs: make(map[int]*schema.Schema),
	}

	merged := make(map[string]candidate)
	for _, end := range pathEnds(tree) {
		vp, keys, err := resolvePath(end, res.nodeArgs)
		if err != nil {
			return nil, err
		}
		res.VarTree.Paths = append(res.VarTree.Paths, vp)

		for _, a := range keys.Args() {
			incoming := candidate{arg: a, path: end.Path()}
			existing, ok := merged[a.Key]
			if !ok {
				merged[a.Key] = incoming
				continue
			}
			winner, err := pickCandidate(a.Key, existing, incoming)
			if err != nil {
				return nil, err
			}
			merged[a.Key] = winner
		}
	}

	res.Schema = orderSchema(tree.Root.Frecklet, merged)
	return res, nil
}

// pathEnds returns the leaves and the frecklet nodes without children, in
// pre-order.
func pathEnds(tree *Tree) []*Node {
	var ends []*Node
	tree.Walk(func(n *Node) bool {
		if !n.IsRoot() && len(n.Children) == 0 {
			ends = append(ends, n)
		}
		return true
	})
	return ends
}

// pickCandidate collapses two descriptors for the same root key. Identical
// descriptors and auto-generated placeholders never conflict; a declared
// descriptor wins over a placeholder.
func pickCandidate(key string, a, b candidate) (candidate, error) {
	if a.arg.Equivalent(b.arg) {
		return earlier(a, b), nil
	}
	switch {
	case a.arg.AutoGenerated && !b.arg.AutoGenerated:
		return b, nil
	case !a.arg.AutoGenerated && b.arg.AutoGenerated:
		return a, nil
	case a.arg.AutoGenerated && b.arg.AutoGenerated:
		return earlier(a, b), nil
	}

	first, second := a, b
	if second.path < first.path {
		first, second = second, first
	}
	return candidate{}, ferr.NewBuildError(
		fmt.Sprintf("conflicting definitions for argument '%s' in '%s' and '%s'", key, first.path, second.path), nil,
	).WithKeys(key).
		WithReason("'%s' requires %s, '%s' requires %s", first.path, first.arg.Describe(), second.path, second.arg.Describe()).
		WithSolution("declare '%s' in the calling frecklet or bind the children to different arguments", key)
}

func earlier(a, b candidate) candidate {
	if b.path < a.path {
		return b
	}
	return a
}

// resolvePath walks from a path end up to the root, translating the keys
// each level needs into keys of its parent.
func resolvePath(end *Node, nodeArgs map[int]*schema.Schema) (*VarPath, *schema.Schema, error) {
	vp := &VarPath{Leaf: end.Path(), LeafID: end.ID}

	scope := end.Parent
	cur := schema.NewSchema()
	for _, k := range entryKeys(end.Entry) {
		addArg(cur, scope.Frecklet.ArgOrPlaceholder(k).Rekey(k))
	}
	vp.Levels = append(vp.Levels, &VarLevel{
		NodeID:   end.ID,
		Node:     end.Path(),
		Keys:     cur.Keys(),
		Bindings: end.Entry.Vars,
	})

	node := scope
	for {
		mergeNodeArgs(nodeArgs, node.ID, cur)
		if node.IsRoot() {
			break
		}

		next, err := translate(node, cur)
		if err != nil {
			return nil, nil, err
		}
		vp.Levels = append(vp.Levels, &VarLevel{
			NodeID:   node.ID,
			Node:     node.Path(),
			Keys:     cur.Keys(),
			Bindings: node.Entry.Vars,
		})
		cur = next
		node = node.Parent
	}
	return vp, cur, nil
}

// translate maps the keys of node's frecklet onto keys of its parent using
// the bindings of node's entry.
func translate(node *Node, cur *schema.Schema) (*schema.Schema, error) {
	parent := node.Parent
	entry := node.Entry
	next := schema.NewSchema()

	for _, arg := range cur.Args() {
		k := arg.Key
		binding, bound := entry.Vars[k]
		if !bound {
			if arg.IsRequiredWithoutDefault() {
				return nil, ferr.NewBuildError(
					fmt.Sprintf("frecklet '%s' does not forward required var '%s' to child '%s'", parent.Name(), k, node.Name()), nil,
				).WithPath(node.Path()).
					WithKeys(k).
					WithSolution("add '%s' to the vars of '%s' in '%s'", k, node.Name(), parent.Name())
			}
			continue
		}
		bindArgs(next, parent, arg, binding)
	}

	// bindings for keys no leaf needs still require their source keys
	for _, k := range schema.SortedKeys(entry.Vars) {
		if cur.Has(k) {
			continue
		}
		bindArgs(next, parent, node.Frecklet.ArgOrPlaceholder(k).Rekey(k), entry.Vars[k])
	}

	for _, k := range tmpl.ReferencedKeys(map[string]interface{}{
		frecklet.SectionFrecklet: entry.Frecklet,
		frecklet.SectionTask:     entry.Task,
	}) {
		addArg(next, parent.Frecklet.ArgOrPlaceholder(k).Rekey(k))
	}
	return next, nil
}

// bindArgs adds the parent keys referenced by binding. A pass-through or a
// pure rename inherits the child descriptor with its default, a composite
// template inherits it without the default. Declarations of the parent
// frecklet always win.
func bindArgs(next *schema.Schema, parent *Node, child *schema.Arg, binding interface{}) {
	refs := tmpl.ReferencedKeys(binding)
	if len(refs) == 0 {
		return
	}

	pure := false
	if s, ok := binding.(string); ok {
		_, pure = tmpl.IdentityKey(s)
	}

	for _, t := range refs {
		if declared, ok := parent.Frecklet.Arg(t); ok {
			addArg(next, declared.Rekey(t))
			continue
		}
		inherited := child.Rekey(t)
		if !pure {
			inherited.HasDefault = false
			inherited.Default = nil
		}
		if s, ok := binding.(string); ok && !pure {
			if p, isPath := tmpl.PurePath(s); isPath && strings.Contains(p, ".") {
				inherited.Type = schema.TypeAny
				inherited.AutoGenerated = true
			}
		}
		addArg(next, inherited)
	}
}

// addArg inserts a descriptor, replacing an auto-generated one with a
// declared one.
func addArg(s *schema.Schema, a *schema.Arg) {
	existing, ok := s.Get(a.Key)
	if !ok || (existing.AutoGenerated && !a.AutoGenerated) {
		s.Set(a)
	}
}

func mergeNodeArgs(nodeArgs map[int]*schema.Schema, id int, keys *schema.Schema) {
	s, ok := nodeArgs[id]
	if !ok {
		s = schema.NewSchema()
		nodeArgs[id] = s
	}
	for _, a := range keys.Args() {
		addArg(s, a)
	}
}

// entryKeys returns the keys referenced anywhere in an entry.
func entryKeys(e *frecklet.TaskEntry) []string {
	return tmpl.ReferencedKeys(map[string]interface{}{
		frecklet.SectionFrecklet: e.Frecklet,
		frecklet.SectionTask:     e.Task,
		frecklet.SectionVars:     e.Vars,
	})
}

// orderSchema puts the root's declared keys first in declaration order,
// the remaining keys alphabetically, then moves required arguments without
// a default to the front.
func orderSchema(root *frecklet.Frecklet, merged map[string]candidate) *schema.Schema {
	out := schema.NewSchema()
	if root.Args != nil {
		for _, k := range root.Args.Keys() {
			if c, ok := merged[k]; ok {
				out.Set(c.arg)
			}
		}
	}
	rest := make([]string, 0, len(merged))
	for k := range merged {
		if !out.Has(k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		out.Set(merged[k].arg)
	}
	return out.Ordered()
}

// ValidateInventory checks user input against schema(R), collecting every
// failing key. Unknown keys are returned for the caller to log.
func (r *Resolution) ValidateInventory(vars map[string]interface{}) (map[string]interface{}, []string, error) {
	resolved, failures, unknown := r.Schema.Validate(vars)
	if len(failures) == 0 {
		return resolved, unknown, nil
	}

	keys := schema.FailedKeys(failures)
	reasons := make([]string, 0, len(keys))
	for _, k := range keys {
		reasons = append(reasons, fmt.Sprintf("%s: %s", k, failures[k]))
	}
	err := ferr.NewVarValidation(
		fmt.Sprintf("invalid input for frecklet '%s'", r.Tree.Root.Frecklet.ID), nil,
	).WithKeys(keys...).
		WithReason("%s", strings.Join(reasons, "; ")).
		WithSolution("check the values of: %s", strings.Join(keys, ", "))
	for _, k := range keys {
		err = err.WithDetail(k, failures[k])
	}
	return nil, unknown, err
}
