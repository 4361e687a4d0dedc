package ansible

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/freckles-io/freckles/pkg/schema"
)

// ExtraFrecklets returns one frecklet per role and tasklist found in the
// resource folders. Role defaults become optional args. The first folder
// providing a name wins.
func (a *Adapter) ExtraFrecklets(resources map[string][]string) (map[string]map[string]interface{}, error) {
	out := map[string]map[string]interface{}{}
	var errs []string

	for _, dir := range resources[ResourceRoles] {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if _, exists := out[e.Name()]; exists {
				continue
			}
			roleDir := filepath.Join(dir, e.Name())
			if !isRole(roleDir) {
				continue
			}
			doc, err := roleFrecklet(e.Name(), roleDir)
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			out[e.Name()] = doc
		}
	}

	for _, dir := range resources[ResourceTasklists] {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ext)
			if _, exists := out[name]; exists {
				continue
			}
			out[name] = tasklistFrecklet(name, e.Name())
		}
	}

	if len(errs) > 0 {
		return out, fmt.Errorf("cannot read ansible resources: %s", strings.Join(errs, "; "))
	}
	return out, nil
}

func isRole(dir string) bool {
	for _, sub := range []string{"tasks", "meta", "defaults"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err == nil && info.IsDir() {
			return true
		}
	}
	return false
}

func roleFrecklet(name, dir string) (map[string]interface{}, error) {
	defaults := map[string]interface{}{}
	for _, file := range []string{"main.yml", "main.yaml"} {
		data, err := os.ReadFile(filepath.Join(dir, "defaults", file))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &defaults); err != nil {
			return nil, fmt.Errorf("role %s: invalid defaults: %w", name, err)
		}
		break
	}

	args := map[string]interface{}{}
	vars := map[string]interface{}{}
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		typ := schema.TypeAny
		if defaults[k] != nil {
			typ = schema.InferType(defaults[k])
		}
		args[k] = map[string]interface{}{
			"type":     string(typ),
			"required": false,
			"doc":      fmt.Sprintf("role default '%s'", k),
		}
		vars[k] = fmt.Sprintf("{{:: %s ::}}", k)
	}

	return map[string]interface{}{
		"doc": map[string]interface{}{
			"short_help": fmt.Sprintf("Ansible role '%s'.", name),
		},
		"meta": map[string]interface{}{
			"tags": []interface{}{"ansible-role"},
		},
		"args": args,
		"frecklets": []interface{}{
			map[string]interface{}{
				"frecklet": map[string]interface{}{
					"name": name,
					"type": TypeRole,
				},
				"task": map[string]interface{}{
					"command": name,
				},
				"vars": vars,
			},
		},
	}, nil
}

func tasklistFrecklet(name, file string) map[string]interface{} {
	return map[string]interface{}{
		"doc": map[string]interface{}{
			"short_help": fmt.Sprintf("Ansible tasklist '%s'.", file),
		},
		"meta": map[string]interface{}{
			"tags": []interface{}{"ansible-tasklist"},
		},
		"frecklets": []interface{}{
			map[string]interface{}{
				"frecklet": map[string]interface{}{
					"name": name,
					"type": TypeTasklist,
				},
				"task": map[string]interface{}{
					"command": file,
				},
			},
		},
	}
}
