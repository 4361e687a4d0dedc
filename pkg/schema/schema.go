package schema

import (
	"errors"
	"sort"
)

// Schema is an ordered collection of argument descriptors.
type Schema struct {
	keys []string
	args map[string]*Arg
}

// NewSchema creates an empty schema.
func NewSchema(args ...*Arg) *Schema {
	s := &Schema{args: make(map[string]*Arg)}
	for _, a := range args {
		s.Set(a)
	}
	return s
}

// Set inserts or replaces an argument, keeping its original position.
func (s *Schema) Set(a *Arg) {
	if _, ok := s.args[a.Key]; !ok {
		s.keys = append(s.keys, a.Key)
	}
	s.args[a.Key] = a
}

// Get returns the descriptor for key.
func (s *Schema) Get(key string) (*Arg, bool) {
	a, ok := s.args[key]
	return a, ok
}

// Has reports whether key is declared.
func (s *Schema) Has(key string) bool {
	_, ok := s.args[key]
	return ok
}

// Keys returns the argument names in order.
func (s *Schema) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Args returns the descriptors in order.
func (s *Schema) Args() []*Arg {
	out := make([]*Arg, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, s.args[k])
	}
	return out
}

// Len returns the number of arguments.
func (s *Schema) Len() int {
	return len(s.keys)
}

// Ordered returns a copy with required, non-defaulted arguments first.
// Relative order inside both groups is preserved.
func (s *Schema) Ordered() *Schema {
	out := NewSchema()
	for _, a := range s.Args() {
		if a.IsRequiredWithoutDefault() {
			out.Set(a)
		}
	}
	for _, a := range s.Args() {
		if !a.IsRequiredWithoutDefault() {
			out.Set(a)
		}
	}
	return out
}

// SecretKeys returns the names of secret arguments.
func (s *Schema) SecretKeys() []string {
	var out []string
	for _, a := range s.Args() {
		if a.Secret {
			out = append(out, a.Key)
		}
	}
	return out
}

// ResolveAliases returns a copy of values with alias keys renamed to their
// canonical argument names. Canonical keys win over aliases.
func (s *Schema) ResolveAliases(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, a := range s.Args() {
		for _, alias := range a.Aliases {
			v, ok := out[alias]
			if !ok {
				continue
			}
			delete(out, alias)
			if _, exists := out[a.Key]; !exists {
				out[a.Key] = v
			}
		}
	}
	return out
}

// Validate resolves every argument against values. It returns the resolved
// values (absent optional arguments omitted) and a per-key reason for every
// failing argument. Keys in values that are not part of the schema are
// returned in unknown.
func (s *Schema) Validate(values map[string]interface{}) (resolved map[string]interface{}, failures map[string]string, unknown []string) {
	values = s.ResolveAliases(values)
	resolved = make(map[string]interface{}, len(s.keys))
	failures = make(map[string]string)

	for _, a := range s.Args() {
		v, present := values[a.Key]
		out, err := a.Resolve(v, present)
		if err != nil {
			failures[a.Key] = err.Error()
			continue
		}
		if out != nil {
			resolved[a.Key] = out
		}
	}

	for k := range values {
		if !s.Has(k) {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return resolved, failures, unknown
}

// FailedKeys returns the keys of a failure map in sorted order.
func FailedKeys(failures map[string]string) []string {
	keys := make([]string, 0, len(failures))
	for k := range failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsMissing reports whether err signals an unbound required value.
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissing) || errors.Is(err, ErrEmpty)
}
