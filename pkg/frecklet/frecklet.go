// Package frecklet holds the frecklet recipe model: parsing of frecklet
// files, normalisation of child task entries and the exploded form.
package frecklet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/schema"
	"github.com/freckles-io/freckles/pkg/tmpl"
)

// FileExtension is the extension of frecklet files in a repository.
const FileExtension = ".frecklet"

// Doc is the documentation block of a frecklet.
type Doc struct {
	ShortHelp  string            `json:"short_help,omitempty" yaml:"short_help,omitempty"`
	Help       string            `json:"help,omitempty" yaml:"help,omitempty"`
	References map[string]string `json:"references,omitempty" yaml:"references,omitempty"`
	Examples   []Example         `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// Example is a worked usage example.
type Example struct {
	Title string                 `json:"title" yaml:"title"`
	Vars  map[string]interface{} `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// Frecklet is a named recipe. Loaded frecklets are immutable and shared by
// reference.
type Frecklet struct {
	// ID is unique within the store.
	ID string

	// Path is the source file, empty for inline and virtual frecklets.
	Path string

	// Origin names where the frecklet came from (repo alias, adapter, dynamic).
	Origin string

	// Doc is the documentation block.
	Doc Doc

	// Meta is free-form metadata, including tags.
	Meta map[string]interface{}

	// Args is the declared argument schema in declaration order.
	Args *schema.Schema

	// Entries are the normalised child task entries.
	Entries []*TaskEntry

	err error
}

// Err returns the stored load error of an invalid frecklet.
func (f *Frecklet) Err() error {
	return f.err
}

// Valid reports whether the frecklet loaded without error.
func (f *Frecklet) Valid() bool {
	return f.err == nil
}

// Tags returns meta.tags as strings.
func (f *Frecklet) Tags() []string {
	raw, ok := f.Meta["tags"].([]interface{})
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		tags = append(tags, fmt.Sprint(t))
	}
	return tags
}

// HasTag reports whether the frecklet carries tag.
func (f *Frecklet) HasTag(tag string) bool {
	for _, t := range f.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// Arg returns the declared argument for key.
func (f *Frecklet) Arg(key string) (*schema.Arg, bool) {
	if f.Args == nil {
		return nil, false
	}
	return f.Args.Get(key)
}

// ArgOrPlaceholder returns the declared argument for key or an
// auto-generated placeholder.
func (f *Frecklet) ArgOrPlaceholder(key string) *schema.Arg {
	if a, ok := f.Arg(key); ok {
		return a
	}
	return schema.Placeholder(key)
}

// NewInvalid returns a frecklet that records a load error.
func NewInvalid(id, path string, err error) *Frecklet {
	return &Frecklet{
		ID:   id,
		Path: path,
		Args: schema.NewSchema(),
		err: ferr.NewInvalidFrecklet(fmt.Sprintf("frecklet '%s' could not be loaded", id), err).
			WithPath(path).
			WithSolution("fix the syntax of the frecklet file"),
	}
}

// Parse reads a frecklet from YAML. Multiple documents are merged in order
// so a front-matter document may carry doc/meta/args ahead of the task list.
func Parse(id string, data []byte) (*Frecklet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	f := &Frecklet{ID: id, Meta: map[string]interface{}{}, Args: schema.NewSchema()}
	var rawEntries []interface{}
	seenEntries := false

	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		if len(node.Content) == 0 {
			continue
		}
		doc := node.Content[0]

		switch doc.Kind {
		case yaml.SequenceNode:
			entries, err := decodeList(doc)
			if err != nil {
				return nil, err
			}
			rawEntries = append(rawEntries, entries...)
			seenEntries = true
		case yaml.MappingNode:
			entries, found, err := f.decodeMapping(doc)
			if err != nil {
				return nil, err
			}
			if found {
				rawEntries = append(rawEntries, entries...)
				seenEntries = true
			}
		case yaml.ScalarNode:
			if doc.Tag == "!!null" {
				continue
			}
			return nil, fmt.Errorf("expected a mapping or list at top level, got scalar")
		default:
			return nil, fmt.Errorf("unsupported yaml document kind")
		}
	}

	if !seenEntries {
		return nil, fmt.Errorf("no 'frecklets' key found")
	}

	for i, raw := range rawEntries {
		e, err := NormalizeEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("task entry %d: %w", i+1, err)
		}
		f.Entries = append(f.Entries, e)
	}
	return f, nil
}

// FromMap builds a frecklet from an already decoded dictionary, e.g. a
// virtual frecklet synthesized by an adapter.
func FromMap(id string, m map[string]interface{}) (*Frecklet, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal frecklet %s: %w", id, err)
	}
	return Parse(id, data)
}

func (f *Frecklet) decodeMapping(doc *yaml.Node) ([]interface{}, bool, error) {
	var entries []interface{}
	found := false

	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		val := doc.Content[i+1]

		switch key {
		case "frecklets", "tasks":
			found = true
			if val.Kind == yaml.ScalarNode && val.Tag == "!!null" {
				continue
			}
			if val.Kind != yaml.SequenceNode {
				return nil, false, fmt.Errorf("'%s' must be a list", key)
			}
			list, err := decodeList(val)
			if err != nil {
				return nil, false, err
			}
			entries = append(entries, list...)
		case "args":
			if err := f.decodeArgs(val); err != nil {
				return nil, false, err
			}
		case "doc":
			var d interface{}
			if err := val.Decode(&d); err != nil {
				return nil, false, fmt.Errorf("decode doc: %w", err)
			}
			f.Doc = parseDoc(tmpl.Normalize(d))
		case "meta":
			var m interface{}
			if err := val.Decode(&m); err != nil {
				return nil, false, fmt.Errorf("decode meta: %w", err)
			}
			if mm, ok := tmpl.Normalize(m).(map[string]interface{}); ok {
				mergeInto(f.Meta, mm)
			}
		default:
			return nil, false, fmt.Errorf("unknown top-level key %q", key)
		}
	}
	return entries, found, nil
}

func (f *Frecklet) decodeArgs(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("'args' must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var raw interface{}
		if err := node.Content[i+1].Decode(&raw); err != nil {
			return fmt.Errorf("decode arg %q: %w", key, err)
		}
		a, err := schema.ParseArg(key, tmpl.Normalize(raw))
		if err != nil {
			return err
		}
		f.Args.Set(a)
	}
	return nil
}

func decodeList(node *yaml.Node) ([]interface{}, error) {
	var list []interface{}
	if err := node.Decode(&list); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	for i := range list {
		list[i] = tmpl.Normalize(list[i])
	}
	return list, nil
}

func parseDoc(v interface{}) Doc {
	var d Doc
	switch val := v.(type) {
	case string:
		d.ShortHelp = val
	case map[string]interface{}:
		d.ShortHelp = stringOf(val["short_help"])
		d.Help = stringOf(val["help"])
		if refs, ok := val["references"].(map[string]interface{}); ok {
			d.References = make(map[string]string, len(refs))
			for k, r := range refs {
				d.References[k] = stringOf(r)
			}
		}
		if examples, ok := val["examples"].([]interface{}); ok {
			for _, ex := range examples {
				em, ok := ex.(map[string]interface{})
				if !ok {
					continue
				}
				e := Example{Title: stringOf(em["title"])}
				if vars, ok := em["vars"].(map[string]interface{}); ok {
					e.Vars = vars
				}
				d.Examples = append(d.Examples, e)
			}
		}
	}
	return d
}

// Exploded returns the fully normalised dictionary form of the frecklet.
func (f *Frecklet) Exploded() map[string]interface{} {
	m := map[string]interface{}{}
	if doc := f.docMap(); len(doc) > 0 {
		m["doc"] = doc
	}
	if len(f.Meta) > 0 {
		m["meta"] = deepCopyMap(f.Meta)
	}
	if f.Args != nil && f.Args.Len() > 0 {
		args := make(map[string]interface{}, f.Args.Len())
		for _, a := range f.Args.Args() {
			args[a.Key] = a.ToMap()
		}
		m["args"] = args
	}
	entries := make([]interface{}, 0, len(f.Entries))
	for _, e := range f.Entries {
		entries = append(entries, e.ToMap())
	}
	m["frecklets"] = entries
	return m
}

// ExplodedYAML renders the exploded form as YAML with args in declaration
// order.
func (f *Frecklet) ExplodedYAML() ([]byte, error) {
	exploded := f.Exploded()
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range []string{"doc", "meta", "args", "frecklets"} {
		v, ok := exploded[key]
		if !ok {
			continue
		}
		var valNode yaml.Node
		if key == "args" {
			valNode = yaml.Node{Kind: yaml.MappingNode}
			for _, a := range f.Args.Args() {
				var argNode yaml.Node
				if err := argNode.Encode(a.ToMap()); err != nil {
					return nil, err
				}
				valNode.Content = append(valNode.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: a.Key}, &argNode)
			}
		} else if err := valNode.Encode(v); err != nil {
			return nil, err
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, &valNode)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Frecklet) docMap() map[string]interface{} {
	m := map[string]interface{}{}
	if f.Doc.ShortHelp != "" {
		m["short_help"] = f.Doc.ShortHelp
	}
	if f.Doc.Help != "" {
		m["help"] = f.Doc.Help
	}
	if len(f.Doc.References) > 0 {
		refs := make(map[string]interface{}, len(f.Doc.References))
		for k, v := range f.Doc.References {
			refs[k] = v
		}
		m["references"] = refs
	}
	if len(f.Doc.Examples) > 0 {
		examples := make([]interface{}, 0, len(f.Doc.Examples))
		for _, ex := range f.Doc.Examples {
			em := map[string]interface{}{"title": ex.Title}
			if len(ex.Vars) > 0 {
				em["vars"] = deepCopyMap(ex.Vars)
			}
			examples = append(examples, em)
		}
		m["examples"] = examples
	}
	return m
}

// IDFromFilename derives a frecklet id from a file name.
func IDFromFilename(name string) string {
	base := name
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	return strings.TrimSuffix(base, FileExtension)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
