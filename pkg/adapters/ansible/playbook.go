package ansible

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/target"
	"github.com/freckles-io/freckles/pkg/tmpl"
)

// Files written to the run directory.
const (
	InventoryFile = "inventory.yml"
	PlaybookFile  = "playbook.yml"
	ConfigFile    = "ansible.cfg"
	SecretsFile   = "secrets.json"
	tasklistDir   = "tasklists"
)

// freeFormKey holds the free form argument of modules like command.
const freeFormKey = "free_form"

var taskIDMarker = regexp.MustCompile(`\[_task_id=(\d+)\]`)

// project is the rendered set of files for one ansible-playbook call.
type project struct {
	inventory map[string]interface{}
	plays     []map[string]interface{}
	config    string

	// secrets are passed as extra vars from a file removed after the run.
	secrets map[string]interface{}

	// tasklists maps run directory paths to their content.
	tasklists map[string]string
}

// builder turns a batch into a project.
type builder struct {
	req      *engine.RunRequest
	convert  bool
	hosts    map[string]string
	hostVars map[string]interface{}
}

func newBuilder(req *engine.RunRequest, convertMarkers bool) *builder {
	return &builder{
		req:      req,
		convert:  convertMarkers,
		hosts:    map[string]string{},
		hostVars: map[string]interface{}{},
	}
}

func (b *builder) build(ctx context.Context) (*project, error) {
	p := &project{
		secrets:   map[string]interface{}{},
		tasklists: map[string]string{},
	}
	rc := b.runConfig()

	var current map[string]interface{}
	currentHost := ""
	for _, t := range b.req.Tasks {
		host, err := b.host(ctx, t.Target, rc)
		if err != nil {
			return nil, err
		}
		if current == nil || host != currentHost {
			current = map[string]interface{}{
				"name":         fmt.Sprintf("freckles run %s", b.req.RunID),
				"hosts":        host,
				"gather_facts": false,
				"tasks":        []interface{}{},
			}
			p.plays = append(p.plays, current)
			currentHost = host
		}
		entry, err := b.task(t, p)
		if err != nil {
			return nil, err
		}
		current["tasks"] = append(current["tasks"].([]interface{}), entry)
	}

	p.inventory = map[string]interface{}{
		"all": map[string]interface{}{"hosts": b.hostVars},
	}
	if pass := stringOf(b.req.Secrets["ssh_pass"]); pass != "" {
		p.secrets["ansible_password"] = pass
	}
	if pass := stringOf(b.req.Secrets["become_pass"]); pass != "" {
		p.secrets["ansible_become_password"] = pass
	}
	p.config = b.config(rc)
	return p, nil
}

func (b *builder) runConfig() *engine.RunConfig {
	if b.req.RunConfig == nil {
		return engine.DefaultRunConfig()
	}
	return b.req.RunConfig
}

// host returns the inventory alias of a target spec, adding it to the
// inventory on first use.
func (b *builder) host(ctx context.Context, spec string, rc *engine.RunConfig) (string, error) {
	tgt, err := rc.ResolveTargetSpec(ctx, spec)
	if err != nil {
		return "", err
	}
	key := tgt.String()
	if alias, ok := b.hosts[key]; ok {
		return alias, nil
	}

	alias := tgt.Host
	if alias == "" {
		alias = "localhost"
	}
	for i := 2; b.aliasTaken(alias); i++ {
		alias = fmt.Sprintf("%s_%d", tgt.Host, i)
	}
	b.hosts[key] = alias

	vars := map[string]interface{}{}
	switch tgt.ConnectionType {
	case target.ConnectionLocal:
		vars["ansible_connection"] = "local"
		vars["ansible_python_interpreter"] = "{{ ansible_playbook_python }}"
	case target.ConnectionLXD:
		vars["ansible_connection"] = "lxd"
		vars["ansible_host"] = tgt.Host
	default:
		vars["ansible_connection"] = "ssh"
		vars["ansible_host"] = tgt.Host
		if tgt.Port != 0 {
			vars["ansible_port"] = tgt.Port
		}
		if tgt.IdentityFile != "" {
			vars["ansible_ssh_private_key_file"] = tgt.IdentityFile
		}
	}
	if tgt.User != "" {
		vars["ansible_user"] = tgt.User
	}
	b.hostVars[alias] = vars
	return alias, nil
}

func (b *builder) aliasTaken(alias string) bool {
	_, ok := b.hostVars[alias]
	return ok
}

// task renders the playbook entry of t. Secret vars are replaced by
// references into the secrets file.
func (b *builder) task(t *engine.Task, p *project) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(t.Vars))
	for k, v := range t.Vars {
		if t.IsSecret(k) {
			ref := fmt.Sprintf("__freckles_secret_%d_%s", t.ID, k)
			p.secrets[ref] = v
			v = fmt.Sprintf("{{ %s }}", ref)
		}
		vars[k] = v
	}

	entry := map[string]interface{}{
		"name": fmt.Sprintf("%s [_task_id=%d]", t.Title(), t.ID),
	}
	if t.Become {
		entry["become"] = true
	}
	if t.IgnoreErrors() {
		entry["ignore_errors"] = true
	}

	switch t.Type() {
	case TypeModule:
		if ff, ok := vars[freeFormKey]; ok {
			delete(vars, freeFormKey)
			entry[t.Command()] = ff
			if len(vars) > 0 {
				entry["args"] = vars
			}
		} else {
			entry[t.Command()] = vars
		}

	case TypeRole:
		entry["include_role"] = map[string]interface{}{"name": t.Command()}
		if len(vars) > 0 {
			entry["vars"] = vars
		}

	case TypeTasklist:
		src, err := b.findTasklist(t.Command())
		if err != nil {
			return nil, err
		}
		content, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("cannot read tasklist: %w", err)
		}
		text := string(content)
		if b.convert {
			text = tmpl.ConvertMarkers(text)
		}
		dest := filepath.Join(tasklistDir, fmt.Sprintf("%d_%s", t.ID, filepath.Base(src)))
		p.tasklists[dest] = text
		entry["include_tasks"] = dest
		if len(vars) > 0 {
			entry["vars"] = vars
		}

	default:
		return nil, fmt.Errorf("unsupported task type '%s'", t.Type())
	}
	return entry, nil
}

func (b *builder) findTasklist(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	for _, dir := range b.req.Resources[ResourceTasklists] {
		for _, candidate := range []string{name, name + ".yml", name + ".yaml"} {
			p := filepath.Join(dir, candidate)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p, nil
			}
		}
	}
	return "", ferr.NewBuildError(fmt.Sprintf("tasklist '%s' not found", name), nil).
		WithSolution("add a repository with a '%s' folder containing '%s'", ResourceTasklists, name)
}

func (b *builder) config(rc *engine.RunConfig) string {
	var cfg strings.Builder
	cfg.WriteString("[defaults]\n")
	cfg.WriteString("inventory = " + InventoryFile + "\n")
	cfg.WriteString("stdout_callback = json\n")
	cfg.WriteString("retry_files_enabled = False\n")
	fmt.Fprintf(&cfg, "host_key_checking = %s\n", pyBool(rc.HostKeyChecking))
	if roles := b.req.Resources[ResourceRoles]; len(roles) > 0 {
		cfg.WriteString("roles_path = " + strings.Join(roles, ":") + "\n")
	}
	cfg.WriteString("\n[privilege_escalation]\n")
	cfg.WriteString("become_method = sudo\n")
	return cfg.String()
}

// write stores the project in dir.
func (p *project) write(dir string) error {
	files := map[string]interface{}{
		InventoryFile: p.inventory,
		PlaybookFile:  p.plays,
	}
	for name, content := range files {
		data, err := yaml.Marshal(content)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(p.config), 0o644); err != nil {
		return err
	}
	for rel, content := range p.tasklists {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
