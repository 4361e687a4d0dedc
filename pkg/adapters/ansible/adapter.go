// Package ansible runs ansible modules, roles and tasklists through
// ansible-playbook.
package ansible

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/schema"
)

// Name is the adapter name.
const Name = "ansible"

// Task types served by the adapter.
const (
	TypeModule   = "ansible-module"
	TypeRole     = "ansible-role"
	TypeTasklist = "ansible-tasklist"
)

// Resource types used by the adapter.
const (
	ResourceRoles     = "roles"
	ResourceTasklists = "tasklists"
)

// Adapter config keys.
const (
	ConfigExecutable     = "ansible_playbook"
	ConfigConvertMarkers = "convert_ansible_template_markers"
)

// Run config keys.
const (
	RunConfigVerbosity = "ansible_verbosity"
	RunConfigCheck     = "ansible_check"
)

const defaultExecutable = "ansible-playbook"

// Adapter implements engine.Adapter on top of ansible-playbook.
type Adapter struct {
	executable string
	folders    map[string][]string
}

var _ engine.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithExecutable sets the ansible-playbook binary.
func WithExecutable(path string) Option {
	return func(a *Adapter) { a.executable = path }
}

// WithAliasFolders sets the repository folders returned for well-known
// aliases, e.g. a checkout of community roles.
func WithAliasFolders(folders map[string][]string) Option {
	return func(a *Adapter) { a.folders = folders }
}

// New creates an ansible adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{executable: defaultExecutable}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements engine.Adapter.
func (a *Adapter) Name() string { return Name }

// ConfigSchema implements engine.Adapter.
func (a *Adapter) ConfigSchema() *schema.Schema {
	return schema.NewSchema(
		&schema.Arg{
			Key:        ConfigExecutable,
			Type:       schema.TypeString,
			Default:    defaultExecutable,
			HasDefault: true,
			Coerce:     true,
			Doc:        schema.Doc{ShortHelp: "ansible-playbook executable"},
		},
		&schema.Arg{
			Key:        ConfigConvertMarkers,
			Type:       schema.TypeBoolean,
			Default:    true,
			HasDefault: true,
			Coerce:     true,
			Doc:        schema.Doc{ShortHelp: "convert '{{::' markers in tasklists to ansible templates"},
		},
	)
}

// RunConfigSchema implements engine.Adapter.
func (a *Adapter) RunConfigSchema() *schema.Schema {
	zero, four := 0.0, 4.0
	return schema.NewSchema(
		&schema.Arg{
			Key:        RunConfigVerbosity,
			Type:       schema.TypeInteger,
			Default:    0,
			HasDefault: true,
			Coerce:     true,
			Min:        &zero,
			Max:        &four,
			Doc:        schema.Doc{ShortHelp: "ansible-playbook verbosity (0-4)"},
		},
		&schema.Arg{
			Key:        RunConfigCheck,
			Type:       schema.TypeBoolean,
			Default:    false,
			HasDefault: true,
			Coerce:     true,
			Doc:        schema.Doc{ShortHelp: "run ansible-playbook in check mode"},
		},
	)
}

// SupportedTaskTypes implements engine.Adapter.
func (a *Adapter) SupportedTaskTypes() []string {
	return []string{TypeModule, TypeRole, TypeTasklist}
}

// SupportedResourceTypes implements engine.Adapter.
func (a *Adapter) SupportedResourceTypes() []string {
	return []string{ResourceRoles, ResourceTasklists}
}

// FoldersForAlias implements engine.Adapter.
func (a *Adapter) FoldersForAlias(alias string) []string {
	return a.folders[alias]
}

// PrepareExecutionRequirements checks that ansible-playbook can be found.
func (a *Adapter) PrepareExecutionRequirements(ctx context.Context, cfg *engine.RunConfig, parent *callback.Task) error {
	path, err := exec.LookPath(a.executable)
	if err != nil {
		return ferr.NewConfigError(fmt.Sprintf("'%s' not found", a.executable), err).
			WithKeys(ConfigExecutable).
			WithSolution("install ansible or set '%s' in the context", ConfigExecutable).
			WithReference("ansible installation", "https://docs.ansible.com/ansible/latest/installation_guide/")
	}
	parent.AddMessage("using " + path)
	return nil
}

// Run writes the playbook project to the run directory, executes it and
// maps the per-task results to callback nodes.
func (a *Adapter) Run(ctx context.Context, req *engine.RunRequest) (*engine.AdapterResult, error) {
	if req.Env == nil {
		return nil, fmt.Errorf("ansible adapter needs a run directory")
	}
	logger := req.Logger.With().Str("adapter", Name).Logger()

	convert := true
	if v, ok := req.Config[ConfigConvertMarkers]; ok {
		convert = schema.Truthy(v)
	}
	p, err := newBuilder(req, convert).build(ctx)
	if err != nil {
		req.Parent.AddError(err.Error())
		return &engine.AdapterResult{ExitCode: 1}, ferr.NewAdapterFailure("cannot create playbook", 1, err)
	}
	if err := p.write(req.Env.Dir); err != nil {
		return nil, fmt.Errorf("write playbook: %w", err)
	}

	args := []string{"-i", InventoryFile}
	if len(p.secrets) > 0 {
		secretsPath := req.Env.Path(SecretsFile)
		data, err := json.Marshal(p.secrets)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(secretsPath, data, 0o600); err != nil {
			return nil, err
		}
		defer func() {
			if err := os.Remove(secretsPath); err != nil && !os.IsNotExist(err) {
				logger.Warn().Err(err).Msg("Failed to remove secrets file")
			}
		}()
		args = append(args, "-e", "@"+SecretsFile)
	}
	if rc := req.RunConfig; rc != nil {
		if n := intOf(rc.Extra[RunConfigVerbosity]); n > 0 {
			args = append(args, "-"+strings.Repeat("v", n))
		}
		if schema.Truthy(rc.Extra[RunConfigCheck]) {
			args = append(args, "--check")
		}
	}
	args = append(args, PlaybookFile)

	executable := a.executable
	if v := stringOf(req.Config[ConfigExecutable]); v != "" {
		executable = v
	}

	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Dir = req.Env.Dir
	cmd.Env = append(os.Environ(),
		"ANSIBLE_CONFIG="+filepath.Join(req.Env.Dir, ConfigFile),
		"ANSIBLE_STDOUT_CALLBACK=json",
		"ANSIBLE_NOCOLOR=1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug().Strs("args", args).Str("dir", req.Env.Dir).Msg("Running ansible-playbook")
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to execute %s: %w", executable, runErr)
		}
		exitCode = exitErr.ExitCode()
	}
	if err := os.WriteFile(req.Env.Path("ansible.log"), []byte(redact(req.Parent, stderr.String())), 0o644); err != nil {
		logger.Warn().Err(err).Msg("Failed to write ansible log")
	}

	out, parseErr := parseOutput(stdout.Bytes())
	if parseErr != nil {
		reason := lastLine(stderr.String())
		if reason == "" {
			reason = parseErr.Error()
		}
		if exitCode == 0 {
			exitCode = 1
		}
		req.Parent.AddError(redact(req.Parent, reason))
		return &engine.AdapterResult{ExitCode: exitCode}, ferr.NewAdapterFailure(
			fmt.Sprintf("ansible-playbook exited with code %d", exitCode), exitCode, parseErr).
			WithReason("%s", redact(req.Parent, reason))
	}

	rep := newReporter(req.Parent, req.Tasks)
	for _, res := range out.results() {
		rep.add(res)
	}
	failed := rep.finish()

	props := map[string]interface{}{"stats": out.Stats}
	if hosts := out.unreachable(); len(hosts) > 0 {
		props["unreachable"] = hosts
	}
	if len(failed) > 0 || exitCode != 0 {
		if exitCode == 0 {
			exitCode = 2
		}
		msg := fmt.Sprintf("ansible-playbook exited with code %d", exitCode)
		if len(failed) > 0 {
			msg = fmt.Sprintf("ansible task '%s' failed", rep.tasks[failed[0]].Name())
		}
		return &engine.AdapterResult{Properties: props, ExitCode: exitCode}, ferr.NewAdapterFailure(msg, exitCode, nil)
	}
	return &engine.AdapterResult{Properties: props}, nil
}

func redact(parent *callback.Task, s string) string {
	if parent.Manager() == nil {
		return s
	}
	return parent.Manager().Redactor().Redact(s)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func intOf(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func stringOf(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
