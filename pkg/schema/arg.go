package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Arg describes a single argument: its type, presence rules, default value,
// constraints and presentation hints.
type Arg struct {
	// Key is the argument name.
	Key string `json:"key"`

	// Type is the declared argument type.
	Type Type `json:"type"`

	// Required marks arguments that must be bound (defaults to true).
	Required bool `json:"required"`

	// Empty allows empty strings, lists and dicts as a valid value.
	Empty bool `json:"empty"`

	// Default is used when no value is bound.
	Default interface{} `json:"default,omitempty"`

	// HasDefault distinguishes a nil default from no default.
	HasDefault bool `json:"-"`

	// Coerce converts compatible values (e.g. "8080") to the declared type.
	Coerce bool `json:"coerce"`

	// Aliases are alternative names accepted on input.
	Aliases []string `json:"aliases,omitempty"`

	// CLI holds presentation hints for generated command line flags.
	CLI map[string]interface{} `json:"cli,omitempty"`

	// Doc holds help texts.
	Doc Doc `json:"doc,omitempty"`

	// Secret marks values that must never be logged.
	Secret bool `json:"secret"`

	// AutoGenerated marks placeholders created for undeclared template keys.
	AutoGenerated bool `json:"auto_generated,omitempty"`

	// Min and Max bound numbers, or lengths of strings and lists.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Regex must match string values.
	Regex string `json:"regex,omitempty"`

	// Allowed restricts values to a fixed set.
	Allowed []interface{} `json:"allowed,omitempty"`
}

// Placeholder returns the auto-generated descriptor for an undeclared key.
func Placeholder(key string) *Arg {
	return &Arg{
		Key:           key,
		Type:          TypeAny,
		Required:      true,
		Coerce:        true,
		AutoGenerated: true,
		Doc:           Doc{ShortHelp: "n/a"},
	}
}

// ParseArg builds an Arg from a decoded frecklet `args` entry.
func ParseArg(key string, raw interface{}) (*Arg, error) {
	a := &Arg{Key: key, Required: true, Coerce: true}
	if raw == nil {
		a.Type = TypeString
		return a, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("arg %q: expected a mapping, got %T", key, raw)
	}

	if v, ok := m["default"]; ok {
		a.Default = v
		a.HasDefault = true
	}

	if v, ok := m["type"]; ok {
		t, err := ParseType(fmt.Sprint(v))
		if err != nil {
			return nil, fmt.Errorf("arg %q: %w", key, err)
		}
		a.Type = t
	} else if a.HasDefault {
		a.Type = InferType(a.Default)
	} else {
		a.Type = TypeString
	}

	var err error
	if a.Required, err = boolField(m, "required", true); err != nil {
		return nil, fmt.Errorf("arg %q: %w", key, err)
	}
	if a.Empty, err = boolField(m, "empty", false); err != nil {
		return nil, fmt.Errorf("arg %q: %w", key, err)
	}
	if a.Coerce, err = boolField(m, "coerce", true); err != nil {
		return nil, fmt.Errorf("arg %q: %w", key, err)
	}
	if a.Secret, err = boolField(m, "secret", false); err != nil {
		return nil, fmt.Errorf("arg %q: %w", key, err)
	}
	if a.Type == TypePassword {
		a.Secret = true
	}

	switch v := m["aliases"].(type) {
	case nil:
	case string:
		a.Aliases = []string{v}
	case []interface{}:
		for _, item := range v {
			a.Aliases = append(a.Aliases, fmt.Sprint(item))
		}
	default:
		return nil, fmt.Errorf("arg %q: aliases must be a string or list", key)
	}

	if cli, ok := m["cli"].(map[string]interface{}); ok {
		a.CLI = cli
	}

	switch d := m["doc"].(type) {
	case string:
		a.Doc.ShortHelp = d
	case map[string]interface{}:
		a.Doc.ShortHelp = stringField(d, "short_help")
		a.Doc.Help = stringField(d, "help")
	}
	if a.Doc.ShortHelp == "" {
		a.Doc.ShortHelp = stringField(m, "short_help")
	}

	if a.Min, err = numberField(m, "min"); err != nil {
		return nil, fmt.Errorf("arg %q: %w", key, err)
	}
	if a.Max, err = numberField(m, "max"); err != nil {
		return nil, fmt.Errorf("arg %q: %w", key, err)
	}
	a.Regex = stringField(m, "regex")
	if allowed, ok := m["allowed"].([]interface{}); ok {
		a.Allowed = allowed
	}

	return a, nil
}

// Clone returns a deep copy of a.
func (a *Arg) Clone() *Arg {
	c := *a
	c.Aliases = append([]string(nil), a.Aliases...)
	c.Allowed = append([]interface{}(nil), a.Allowed...)
	if a.CLI != nil {
		c.CLI = make(map[string]interface{}, len(a.CLI))
		for k, v := range a.CLI {
			c.CLI[k] = v
		}
	}
	return &c
}

// Rekey returns a copy of a under a different key.
func (a *Arg) Rekey(key string) *Arg {
	c := a.Clone()
	c.Key = key
	return c
}

// IsRequiredWithoutDefault reports whether a value must be supplied.
func (a *Arg) IsRequiredWithoutDefault() bool {
	return a.Required && !a.HasDefault
}

// Equivalent reports whether two descriptors impose the same rules.
// Help texts and presentation hints are ignored.
func (a *Arg) Equivalent(b *Arg) bool {
	if a.Type != b.Type || a.Required != b.Required || a.Empty != b.Empty || a.HasDefault != b.HasDefault {
		return false
	}
	if a.HasDefault && !jsonEqual(a.Default, b.Default) {
		return false
	}
	if a.Regex != b.Regex || !floatPtrEqual(a.Min, b.Min) || !floatPtrEqual(a.Max, b.Max) {
		return false
	}
	return jsonEqual(a.Allowed, b.Allowed)
}

// Describe returns a short one-line summary used in conflict messages.
func (a *Arg) Describe() string {
	parts := []string{"type=" + string(a.Type), fmt.Sprintf("required=%v", a.Required)}
	if a.HasDefault {
		parts = append(parts, fmt.Sprintf("default=%v", a.Default))
	}
	if a.Empty {
		parts = append(parts, "empty=true")
	}
	return strings.Join(parts, ", ")
}

// IsFlag reports whether the argument is presented as --flag/--no-flag.
func (a *Arg) IsFlag() bool {
	return a.Type == TypeBoolean
}

// ToMap returns the descriptor in frecklet file form.
func (a *Arg) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"type": string(a.Type),
	}
	if !a.Required {
		m["required"] = false
	}
	if a.Empty {
		m["empty"] = true
	}
	if a.HasDefault {
		m["default"] = a.Default
	}
	if !a.Coerce {
		m["coerce"] = false
	}
	if a.Secret && a.Type != TypePassword {
		m["secret"] = true
	}
	if len(a.Aliases) > 0 {
		aliases := make([]interface{}, len(a.Aliases))
		for i, al := range a.Aliases {
			aliases[i] = al
		}
		m["aliases"] = aliases
	}
	if len(a.CLI) > 0 {
		m["cli"] = a.CLI
	}
	doc := map[string]interface{}{}
	if a.Doc.ShortHelp != "" {
		doc["short_help"] = a.Doc.ShortHelp
	}
	if a.Doc.Help != "" {
		doc["help"] = a.Doc.Help
	}
	if len(doc) > 0 {
		m["doc"] = doc
	}
	if a.Min != nil {
		m["min"] = *a.Min
	}
	if a.Max != nil {
		m["max"] = *a.Max
	}
	if a.Regex != "" {
		m["regex"] = a.Regex
	}
	if len(a.Allowed) > 0 {
		m["allowed"] = a.Allowed
	}
	return m
}

func boolField(m map[string]interface{}, key string, def bool) (bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	b, err := toBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func numberField(m map[string]interface{}, key string) (*float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &f, nil
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func jsonEqual(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ab) == string(bb)
}

// SortedKeys returns the keys of m in sorted order.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
