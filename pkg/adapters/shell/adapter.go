// Package shell runs shell commands and scripts locally, over SSH or in
// LXD containers.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/schema"
	"github.com/freckles-io/freckles/pkg/target"
	"github.com/freckles-io/freckles/pkg/tmpl"
	"github.com/freckles-io/freckles/pkg/transports/ssh"
)

// Name is the adapter name.
const Name = "shell"

// Task types served by the adapter.
const (
	TypeShellCommand       = "shell-command"
	TypeScriptling         = "scriptling"
	TypeScriptlingTemplate = "scriptling-template"
)

// Keys of the task section understood by the adapter.
const (
	// KeyCreates names a path whose existence marks the task as done.
	KeyCreates = "creates"

	// KeyChdir is the working directory of the command.
	KeyChdir = "chdir"

	// KeyRaw disables `{{ var }}` rendering of the command line.
	KeyRaw = "raw"
)

const (
	configRemoteScriptDir  = "remote_script_dir"
	defaultRemoteScriptDir = "/tmp"
	resourceScriptlings    = "scriptlings"
)

// Dialer opens an SSH transport. It is replaced in tests.
type Dialer func(ctx context.Context, cfg *ssh.Config, logger zerolog.Logger) (ssh.Transport, error)

// DialSSH connects a new ssh.Client.
func DialSSH(ctx context.Context, cfg *ssh.Config, logger zerolog.Logger) (ssh.Transport, error) {
	client, err := ssh.NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Adapter implements engine.Adapter for shell task types.
type Adapter struct {
	dial Dialer
}

var _ engine.Adapter = (*Adapter)(nil)

// New creates a shell adapter.
func New() *Adapter {
	return &Adapter{dial: DialSSH}
}

// NewWithDialer creates a shell adapter using dial for remote targets.
func NewWithDialer(dial Dialer) *Adapter {
	return &Adapter{dial: dial}
}

// Name implements engine.Adapter.
func (a *Adapter) Name() string { return Name }

// ConfigSchema implements engine.Adapter.
func (a *Adapter) ConfigSchema() *schema.Schema {
	return schema.NewSchema(&schema.Arg{
		Key:        configRemoteScriptDir,
		Type:       schema.TypeString,
		Default:    defaultRemoteScriptDir,
		HasDefault: true,
		Coerce:     true,
		Doc:        schema.Doc{ShortHelp: "parent folder for scripts copied to remote targets"},
	})
}

// RunConfigSchema implements engine.Adapter.
func (a *Adapter) RunConfigSchema() *schema.Schema { return schema.NewSchema() }

// SupportedTaskTypes implements engine.Adapter.
func (a *Adapter) SupportedTaskTypes() []string {
	return []string{TypeShellCommand, TypeScriptling, TypeScriptlingTemplate}
}

// SupportedResourceTypes implements engine.Adapter.
func (a *Adapter) SupportedResourceTypes() []string { return []string{resourceScriptlings} }

// FoldersForAlias implements engine.Adapter.
func (a *Adapter) FoldersForAlias(string) []string { return nil }

// PrepareExecutionRequirements checks that a POSIX shell is available.
func (a *Adapter) PrepareExecutionRequirements(ctx context.Context, cfg *engine.RunConfig, parent *callback.Task) error {
	if _, err := exec.LookPath("sh"); err != nil {
		return fmt.Errorf("no 'sh' executable in PATH: %w", err)
	}
	parent.AddMessage("found sh")
	return nil
}

// Run executes the tasks of a batch in order. The first failed task that
// does not ignore errors ends the batch.
func (a *Adapter) Run(ctx context.Context, req *engine.RunRequest) (*engine.AdapterResult, error) {
	b := &batch{
		adapter: a,
		req:     req,
		logger:  req.Logger.With().Str("adapter", Name).Logger(),
		runners: map[string]runner{},
	}
	defer b.close()

	changed := 0
	for _, t := range req.Tasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := t.StartCallback(req.Parent)
		out, err := b.runTask(ctx, t, node)
		if err != nil {
			node.Fail(b.redact(err.Error()))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &engine.AdapterResult{ExitCode: 1}, ferr.NewAdapterFailure(
				fmt.Sprintf("task '%s' could not be run", t.Name()), 1, err)
		}
		if out.changed {
			changed++
		}
		if out.exitCode != 0 && !t.IgnoreErrors() {
			return &engine.AdapterResult{ExitCode: out.exitCode}, ferr.NewAdapterFailure(
				fmt.Sprintf("task '%s' failed with exit code %d", t.Name(), out.exitCode), out.exitCode, nil).
				WithReason("%s", b.redact(lastLine(out.stderr)))
		}
	}
	return &engine.AdapterResult{Properties: map[string]interface{}{
		"tasks":   len(req.Tasks),
		"changed": changed,
	}}, nil
}

// batch holds the per-run state of Run.
type batch struct {
	adapter *Adapter
	req     *engine.RunRequest
	logger  zerolog.Logger
	runners map[string]runner
}

type taskOutcome struct {
	exitCode int
	changed  bool
	stderr   string
}

func (b *batch) close() {
	for key, r := range b.runners {
		if err := r.Close(); err != nil {
			b.logger.Warn().Err(err).Str("target", key).Msg("Failed to close connection")
		}
	}
}

func (b *batch) redact(s string) string {
	if b.req.Parent != nil && b.req.Parent.Manager() != nil {
		return b.req.Parent.Manager().Redactor().Redact(s)
	}
	return s
}

func (b *batch) runTask(ctx context.Context, t *engine.Task, node *callback.Task) (*taskOutcome, error) {
	rc := b.req.RunConfig
	if rc == nil {
		rc = engine.DefaultRunConfig()
	}
	tgt, err := rc.ResolveTargetSpec(ctx, t.Target)
	if err != nil {
		return nil, err
	}
	r, err := b.runnerFor(ctx, tgt, rc)
	if err != nil {
		return nil, err
	}

	if creates := stringOf(t.Task[KeyCreates]); creates != "" {
		exists, err := r.Exists(ctx, creates)
		if err != nil {
			return nil, fmt.Errorf("cannot check '%s': %w", creates, err)
		}
		if exists {
			node.SetResult(map[string]interface{}{"rc": 0, "stdout": "", "stderr": ""})
			node.Finish(true, false, false, fmt.Sprintf("'%s' exists", creates), "")
			return &taskOutcome{}, nil
		}
	}

	cmd, err := b.command(ctx, t, r)
	if err != nil {
		return nil, err
	}
	cmd.Dir = stringOf(t.Task[KeyChdir])
	cmd.Sudo = t.Become
	if cmd.Sudo {
		cmd.SudoPassword = stringOf(b.req.Secrets["become_pass"])
	}

	b.logger.Debug().Int("task_id", t.ID).Str("type", t.Type()).Str("target", tgt.String()).Msg("Running task")
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	node.SetResult(map[string]interface{}{
		"rc":     res.ExitCode,
		"stdout": strings.TrimRight(res.Stdout, "\n"),
		"stderr": strings.TrimRight(res.Stderr, "\n"),
	})
	if res.ExitCode != 0 {
		node.Finish(false, true, false, "", b.redact(fmt.Sprintf("exit code %d: %s", res.ExitCode, lastLine(res.Stderr))))
		return &taskOutcome{exitCode: res.ExitCode, stderr: res.Stderr}, nil
	}
	node.Finish(true, true, false, "", "")
	return &taskOutcome{changed: true}, nil
}

// command builds the command line of a task. Scripts are written to the
// runner's script directory first.
func (b *batch) command(ctx context.Context, t *engine.Task, r runner) (*ssh.Command, error) {
	env := envVars(t)

	switch t.Type() {
	case TypeShellCommand:
		line := t.Command()
		if !schema.Truthy(t.Task[KeyRaw]) && strings.Contains(line, "{{") {
			rendered, err := tmpl.RenderPlain(line, quotedVars(t.Vars))
			if err != nil {
				return nil, ferr.NewRenderError(fmt.Sprintf("cannot render command of task '%s'", t.Name()), err).
					WithPath(t.Path)
			}
			line = rendered
		}
		return &ssh.Command{Line: line, Env: env}, nil

	case TypeScriptling, TypeScriptlingTemplate:
		src, err := b.findScript(t.Command())
		if err != nil {
			return nil, err
		}
		content, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("cannot read scriptling: %w", err)
		}
		if t.Type() == TypeScriptlingTemplate {
			rendered, err := tmpl.RenderPlain(string(content), t.Vars)
			if err != nil {
				return nil, ferr.NewRenderError(fmt.Sprintf("cannot render scriptling '%s'", t.Command()), err).
					WithPath(src)
			}
			content = []byte(rendered)
		}

		dest := path.Join(r.ScriptDir(), fmt.Sprintf("%d_%s", t.ID, filepath.Base(src)))
		if err := r.Upload(ctx, strings.NewReader(string(content)), dest, 0o700); err != nil {
			return nil, fmt.Errorf("cannot copy scriptling: %w", err)
		}
		return &ssh.Command{Line: quote(dest), Env: env}, nil
	}
	return nil, fmt.Errorf("unsupported task type '%s'", t.Type())
}

// findScript resolves a scriptling name against the scriptling folders of
// the configured repositories. Absolute paths are used as is.
func (b *batch) findScript(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	for _, dir := range b.req.Resources[resourceScriptlings] {
		for _, candidate := range []string{name, name + ".sh"} {
			p := filepath.Join(dir, candidate)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p, nil
			}
		}
	}
	return "", ferr.NewBuildError(fmt.Sprintf("scriptling '%s' not found", name), nil).
		WithSolution("add a repository with a '%s' folder containing '%s'", resourceScriptlings, name)
}

// runnerFor returns the cached runner for a target.
func (b *batch) runnerFor(ctx context.Context, tgt *target.Target, rc *engine.RunConfig) (runner, error) {
	key := tgt.String()
	if r, ok := b.runners[key]; ok {
		return r, nil
	}

	var r runner
	switch tgt.ConnectionType {
	case target.ConnectionLocal:
		r = &localRunner{scriptDir: b.localScriptDir()}
	case target.ConnectionLXD:
		r = &localRunner{
			prefix:    []string{"lxc", "exec", tgt.Host, "--"},
			scriptDir: b.remoteScriptDir(),
		}
	default:
		cfg := ssh.ConfigFromTarget(tgt, stringOf(b.req.Secrets["ssh_pass"]), rc.HostKeyChecking)
		transport, err := b.adapter.dial(ctx, cfg, b.logger)
		if err != nil {
			return nil, ferr.NewConfigError(fmt.Sprintf("cannot connect to '%s'", key), err).
				WithKeys("target").
				WithSolution("check the target address, user and credentials")
		}
		r = &remoteRunner{transport: transport, scriptDir: b.remoteScriptDir()}
	}
	b.runners[key] = r
	return r, nil
}

func (b *batch) localScriptDir() string {
	if b.req.Env != nil {
		return b.req.Env.Path("scripts")
	}
	return filepath.Join(os.TempDir(), "freckles-"+b.req.RunID)
}

func (b *batch) remoteScriptDir() string {
	base := defaultRemoteScriptDir
	if v := stringOf(b.req.Config[configRemoteScriptDir]); v != "" {
		base = v
	}
	return path.Join(base, "freckles-"+b.req.RunID)
}

// envVars exports the task vars. Scalars are passed as strings, lists and
// dicts as JSON.
func envVars(t *engine.Task) map[string]string {
	env := make(map[string]string, len(t.Vars)+1)
	for k, v := range t.Vars {
		env[k] = scalarString(v)
	}
	env["FRECKLES_TASK_ID"] = fmt.Sprint(t.ID)
	return env
}

// quotedVars prepares vars for a command line template.
func quotedVars(vars map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		out[k] = quote(scalarString(v))
	}
	return out
}

func scalarString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}

func quote(s string) string {
	return tmpl.ShellQuote(s)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
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
