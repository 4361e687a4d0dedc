// Package tmpl renders the two template dialects used by freckles.
//
// Frecklet contents reference arguments with `{{:: name ::}}` (and
// `{%:: ... ::%}` for statements); literal `{{ ... }}` text inside a frecklet
// is left untouched so it can be handed to an adapter that understands it.
// Run configuration values use the plain `{{ name }}` delimiters.
//
// Rendering is native-typed: a value consisting of exactly one variable
// reference resolves to the referenced value itself (list, map, bool, ...),
// and a single expression that renders to a literal is parsed back into it.
package tmpl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/flosch/pongo2/v6"
	"gopkg.in/yaml.v3"
)

const (
	varOpen    = "{{::"
	varClose   = "::}}"
	blockOpen  = "{%::"
	blockClose = "::%}"
)

// private-use runes standing in for literal delimiters during rendering
var literalMarkers = []struct {
	literal  string
	sentinel string
}{
	{"{{", "\uE000"},
	{"}}", "\uE001"},
	{"{%", "\uE002"},
	{"%}", "\uE003"},
	{"{#", "\uE004"},
	{"#}", "\uE005"},
}

var (
	purePathRe = regexp.MustCompile(`^\{\{::\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*::\}\}$`)
	singleExpr = regexp.MustCompile(`^\{\{::(.*?)::\}\}$`)
	plainPath  = regexp.MustCompile(`^\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}\}$`)
)

func init() {
	pongo2.SetAutoescape(false)
	// registration only fails on duplicate names
	_ = pongo2.RegisterFilter("tojson", filterToJSON)
	_ = pongo2.RegisterFilter("shquote", filterShellQuote)
}

// IsTemplate reports whether s contains frecklet template markers.
func IsTemplate(s string) bool {
	return strings.Contains(s, varOpen) || strings.Contains(s, blockOpen)
}

// IdentityKey returns k if s is exactly the template `{{:: k ::}}` for a
// top-level key k.
func IdentityKey(s string) (string, bool) {
	path, ok := PurePath(s)
	if !ok || strings.Contains(path, ".") {
		return "", false
	}
	return path, true
}

// PurePath returns the dotted variable path if s is exactly one variable
// reference with no filters or expressions.
func PurePath(s string) (string, bool) {
	m := purePathRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Render renders every string inside v against vars. Maps and lists are
// walked recursively; map entries that resolve to nil are dropped.
func Render(v interface{}, vars map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return RenderString(val, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for _, k := range sortedKeys(val) {
			key := k
			if IsTemplate(k) {
				rk, err := RenderString(k, vars)
				if err != nil {
					return nil, err
				}
				if rk == nil {
					continue
				}
				key = fmt.Sprint(rk)
			}
			rv, err := Render(val[k], vars)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			if rv == nil {
				continue
			}
			out[key] = rv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for i, item := range val {
			rv, err := Render(item, vars)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out = append(out, rv)
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderMap renders a map, returning an empty map for nil input.
func RenderMap(m map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return map[string]interface{}{}, nil
	}
	out, err := Render(m, vars)
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

// RenderString renders a single frecklet template string.
func RenderString(s string, vars map[string]interface{}) (interface{}, error) {
	if !IsTemplate(s) {
		return s, nil
	}
	if path, ok := PurePath(s); ok {
		return lookupPath(vars, path), nil
	}

	rendered, err := execute(toPongo(s), vars)
	if err != nil {
		return nil, err
	}
	rendered = restoreLiterals(rendered)

	if singleExpr.MatchString(strings.TrimSpace(s)) && strings.Count(s, varOpen) == 1 && !strings.Contains(s, blockOpen) {
		return parseLiteral(rendered), nil
	}
	return rendered, nil
}

// RenderRunConfig renders a run-config value using plain `{{ }}` delimiters.
func RenderRunConfig(v interface{}, vars map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") && !strings.Contains(val, "{%") {
			return val, nil
		}
		if m := plainPath.FindStringSubmatch(strings.TrimSpace(val)); m != nil {
			return lookupPath(vars, m[1]), nil
		}
		return execute(val, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			rv, err := RenderRunConfig(item, vars)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = rv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			rv, err := RenderRunConfig(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderPlain renders a plain `{{ }}` template to a string. Adapters use it
// for command lines and script templates.
func RenderPlain(s string, vars map[string]interface{}) (string, error) {
	return execute(s, vars)
}

// ConvertMarkers rewrites frecklet markers into plain Jinja delimiters.
func ConvertMarkers(s string) string {
	r := strings.NewReplacer(varOpen, "{{", varClose, "}}", blockOpen, "{%", blockClose, "%}")
	return r.Replace(s)
}

func execute(src string, vars map[string]interface{}) (string, error) {
	tpl, err := pongo2.FromString(src)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	out, err := tpl.Execute(pongo2.Context(vars))
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// toPongo protects literal delimiters and turns frecklet markers into
// regular ones.
func toPongo(s string) string {
	s = strings.NewReplacer(varOpen, "\uE010", varClose, "\uE011", blockOpen, "\uE012", blockClose, "\uE013").Replace(s)
	for _, m := range literalMarkers {
		s = strings.ReplaceAll(s, m.literal, m.sentinel)
	}
	return strings.NewReplacer("\uE010", "{{", "\uE011", "}}", "\uE012", "{%", "\uE013", "%}").Replace(s)
}

func restoreLiterals(s string) string {
	for _, m := range literalMarkers {
		s = strings.ReplaceAll(s, m.sentinel, m.literal)
	}
	return s
}

// lookupPath resolves a dotted path through nested maps and lists.
func lookupPath(vars map[string]interface{}, path string) interface{} {
	var cur interface{} = vars
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[part]
			if !ok {
				return nil
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			cur = node[idx]
		default:
			return nil
		}
	}
	return cur
}

func parseLiteral(s string) interface{} {
	trimmed := strings.TrimSpace(s)
	switch trimmed {
	case "True", "true":
		return true
	case "False", "false":
		return false
	case "None":
		return nil
	}
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && strings.ContainsAny(trimmed, ".eE") {
		return f
	}
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		var v interface{}
		if err := yaml.Unmarshal([]byte(trimmed), &v); err == nil {
			return Normalize(v)
		}
	}
	return s
}

// Normalize converts yaml-decoded values into map[string]interface{} trees.
func Normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func filterToJSON(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	b, err := json.Marshal(in.Interface())
	if err != nil {
		return nil, &pongo2.Error{OrigError: err}
	}
	return pongo2.AsValue(string(b)), nil
}

func filterShellQuote(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	return pongo2.AsValue(ShellQuote(in.String())), nil
}

// ShellQuote quotes s for POSIX shells.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
