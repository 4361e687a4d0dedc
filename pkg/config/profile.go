package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/tmpl"
)

// DefaultProfile is the name of the profile that is always loaded first.
const DefaultProfile = "default"

// Profile is one layer of context configuration.
type Profile struct {
	// Name identifies the layer in messages: a profile name, a file path,
	// or the literal KEY=VAL / JSON string.
	Name string

	// Values are the keys the profile sets.
	Values map[string]interface{}
}

// LoadProfile resolves a profile spec: a profile name looked up in the
// config dir, a path to a profile file, a KEY=VAL pair, or an inline JSON
// or YAML mapping.
func LoadProfile(paths Paths, spec string) (*Profile, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return nil, ferr.NewConfigError("empty context profile", nil)

	case strings.HasPrefix(spec, "{"):
		values, err := parseMapping([]byte(spec))
		if err != nil {
			return nil, ferr.NewConfigError("invalid inline context profile", err).
				WithReason("could not parse %q as a mapping", spec)
		}
		return &Profile{Name: spec, Values: values}, nil

	case isKeyValue(spec):
		key, raw, _ := strings.Cut(spec, "=")
		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		return &Profile{Name: spec, Values: map[string]interface{}{strings.TrimSpace(key): tmpl.Normalize(value)}}, nil
	}

	path := spec
	if !strings.ContainsRune(spec, os.PathSeparator) && !strings.HasSuffix(spec, ProfileExtension) {
		path = paths.Profile(spec)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if spec == DefaultProfile {
			return &Profile{Name: DefaultProfile, Values: map[string]interface{}{}}, nil
		}
		return nil, ferr.NewConfigError(fmt.Sprintf("context profile '%s' not found", spec), err).
			WithPath(path).
			WithSolution("create %s, or pass KEY=VAL pairs or inline JSON instead", path)
	}
	if err != nil {
		return nil, ferr.NewConfigError(fmt.Sprintf("cannot read context profile '%s'", spec), err).WithPath(path)
	}
	values, err := parseMapping(data)
	if err != nil {
		return nil, ferr.NewConfigError(fmt.Sprintf("invalid context profile '%s'", spec), err).WithPath(path)
	}
	return &Profile{Name: spec, Values: values}, nil
}

func isKeyValue(spec string) bool {
	key, _, ok := strings.Cut(spec, "=")
	return ok && key != "" && !strings.ContainsAny(key, " /{")
}

func parseMapping(data []byte) (map[string]interface{}, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := tmpl.Normalize(raw).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a mapping, got %T", raw)
	}
	return m, nil
}

// Layer merges profiles in order. Later profiles override earlier ones,
// nested mappings are merged, and the repos lists are concatenated.
func Layer(profiles ...*Profile) (map[string]interface{}, error) {
	merged := map[string]interface{}{}
	var repos []interface{}
	hasRepos := false

	for _, p := range profiles {
		for key, value := range p.Values {
			if key == KeyRepos {
				hasRepos = true
				repos = append(repos, asList(value)...)
				continue
			}
			existing, ok := merged[key].(map[string]interface{})
			incoming, isMap := value.(map[string]interface{})
			if ok && isMap {
				combined := copyMap(existing)
				if err := mergo.Merge(&combined, incoming, mergo.WithOverride); err != nil {
					return nil, ferr.NewConfigError(fmt.Sprintf("cannot merge key '%s' of profile '%s'", key, p.Name), err)
				}
				merged[key] = combined
				continue
			}
			merged[key] = value
		}
	}

	if hasRepos {
		merged[KeyRepos] = dedupList(repos)
	}
	return merged, nil
}

func asList(v interface{}) []interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return val
	case string:
		var out []interface{}
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	default:
		return []interface{}{val}
	}
}

func dedupList(list []interface{}) []interface{} {
	seen := make(map[string]bool, len(list))
	out := make([]interface{}, 0, len(list))
	for _, item := range list {
		key := fmt.Sprint(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// writeProfile stores values as a profile file.
func writeProfile(path string, values map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(values)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
