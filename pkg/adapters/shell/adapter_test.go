package shell

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/frecklet"
	"github.com/freckles-io/freckles/pkg/transports/ssh"
)

func newRequest(t *testing.T, tasks ...*engine.Task) (*engine.RunRequest, *callback.Task) {
	t.Helper()
	mgr := callback.NewManager(callback.NewRedactor("s3cret"))
	root := mgr.NewRoot("batch", callback.CategoryBatch)
	return &engine.RunRequest{
		RunID:     "run-1",
		Tasks:     tasks,
		RunConfig: engine.DefaultRunConfig(),
		Secrets:   map[string]interface{}{},
		Env:       &engine.RunEnv{RunID: "run-1", Dir: t.TempDir()},
		Parent:    root,
		Resources: map[string][]string{},
		Logger:    zerolog.Nop(),
	}, root
}

func shellTask(id int, typ, command string, vars map[string]interface{}) *engine.Task {
	return &engine.Task{
		ID:       id,
		Path:     "test/" + command,
		Frecklet: map[string]interface{}{frecklet.KeyName: command, frecklet.KeyType: typ},
		Task:     map[string]interface{}{frecklet.KeyCommand: command},
		Vars:     vars,
	}
}

func resultOf(t *testing.T, node *callback.Task) map[string]interface{} {
	t.Helper()
	res, ok := node.Result().(map[string]interface{})
	if !ok {
		t.Fatalf("Expected a result map, got: %T", node.Result())
	}
	return res
}

func TestRunShellCommandQuotesVars(t *testing.T) {
	task := shellTask(1, TypeShellCommand, "echo {{ msg }}", map[string]interface{}{
		"msg": "hello; world",
	})
	req, root := newRequest(t, task)

	res, err := New().Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got: %d", res.ExitCode)
	}

	nodes := root.Children()
	if len(nodes) != 1 {
		t.Fatalf("Expected 1 task node, got: %d", len(nodes))
	}
	if !nodes[0].Success() || !nodes[0].Changed() {
		t.Errorf("Expected successful changed node, got success=%v changed=%v", nodes[0].Success(), nodes[0].Changed())
	}
	if out := resultOf(t, nodes[0])["stdout"]; out != "hello; world" {
		t.Errorf("Expected quoted message, got: %q", out)
	}
	if id, _ := nodes[0].Meta(callback.MetaTaskID); id != 1 {
		t.Errorf("Expected task id 1 on node, got: %v", id)
	}
}

func TestRunRawCommandAndEnv(t *testing.T) {
	task := shellTask(2, TypeShellCommand, `echo "$GREETING" | tr a-z A-Z`, map[string]interface{}{
		"GREETING": "hi",
	})
	task.Task[KeyRaw] = true
	req, root := newRequest(t, task)

	if _, err := New().Run(context.Background(), req); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if out := resultOf(t, root.Children()[0])["stdout"]; out != "HI" {
		t.Errorf("Expected HI, got: %q", out)
	}
}

func TestRunCreatesSkipsExistingPath(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "done")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	task := shellTask(1, TypeShellCommand, "false", nil)
	task.Task[KeyCreates] = marker
	req, root := newRequest(t, task)

	if _, err := New().Run(context.Background(), req); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	node := root.Children()[0]
	if !node.Success() {
		t.Error("Expected success")
	}
	if node.Changed() {
		t.Error("Expected unchanged node when the path exists")
	}
}

func TestRunFailure(t *testing.T) {
	tests := []struct {
		name         string
		ignoreErrors bool
		wantErr      bool
		wantNodes    int
	}{
		{name: "stops batch", wantErr: true, wantNodes: 1},
		{name: "ignored", ignoreErrors: true, wantNodes: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failing := shellTask(1, TypeShellCommand, "echo s3cret >&2; exit 3", nil)
			failing.Frecklet[frecklet.KeyName] = "fail"
			failing.Task[KeyRaw] = true
			if tt.ignoreErrors {
				failing.Frecklet[frecklet.KeyIgnoreErrors] = true
			}
			next := shellTask(2, TypeShellCommand, "true", nil)
			req, root := newRequest(t, failing, next)

			res, err := New().Run(context.Background(), req)
			if tt.wantErr {
				if !ferr.IsAdapterFailure(err) {
					t.Fatalf("Expected adapter failure, got: %v", err)
				}
				if ferr.ExitCode(err) != 3 || res.ExitCode != 3 {
					t.Errorf("Expected exit code 3, got: %d/%d", ferr.ExitCode(err), res.ExitCode)
				}
				if strings.Contains(ferr.Format(err), "s3cret") {
					t.Errorf("Expected redacted reason, got: %s", ferr.Format(err))
				}
			} else if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			nodes := root.Children()
			if len(nodes) != tt.wantNodes {
				t.Fatalf("Expected %d nodes, got: %d", tt.wantNodes, len(nodes))
			}
			if nodes[0].Success() {
				t.Error("Expected the failing node to fail")
			}
			if rc := resultOf(t, nodes[0])["rc"]; rc != 3 {
				t.Errorf("Expected rc 3, got: %v", rc)
			}
		})
	}
}

func TestRunScriptlings(t *testing.T) {
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scriptlings")
	if err := os.MkdirAll(scripts, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(scripts, "greet.sh"),
		[]byte("#!/bin/sh\necho \"hello $NAME\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(scripts, "template.sh"),
		[]byte("#!/bin/sh\necho '{{ name }}' {{ items|length }}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		typ     string
		command string
		want    string
	}{
		{name: "env", typ: TypeScriptling, command: "greet", want: "hello tester"},
		{name: "template", typ: TypeScriptlingTemplate, command: "template.sh", want: "tester 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := shellTask(4, tt.typ, tt.command, map[string]interface{}{
				"NAME":  "tester",
				"name":  "tester",
				"items": []interface{}{"a", "b"},
			})
			req, root := newRequest(t, task)
			req.Resources[resourceScriptlings] = []string{scripts}

			if _, err := New().Run(context.Background(), req); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if out := resultOf(t, root.Children()[0])["stdout"]; out != tt.want {
				t.Errorf("Expected %q, got: %q", tt.want, out)
			}
			if _, err := os.Stat(req.Env.Path("scripts")); err != nil {
				t.Errorf("Expected scripts in the run directory, got: %v", err)
			}
		})
	}
}

func TestRunMissingScriptling(t *testing.T) {
	req, root := newRequest(t, shellTask(1, TypeScriptling, "nope", nil))

	_, err := New().Run(context.Background(), req)
	if !ferr.IsAdapterFailure(err) {
		t.Fatalf("Expected adapter failure, got: %v", err)
	}
	if !strings.Contains(root.Children()[0].ErrorMessages()[0], "scriptling 'nope' not found") {
		t.Errorf("Expected missing scriptling message, got: %v", root.Children()[0].ErrorMessages())
	}
}

// fakeTransport records commands instead of connecting anywhere.
type fakeTransport struct {
	mu       sync.Mutex
	commands []*ssh.Command
	uploads  map[string]string
	removed  []string
	closed   bool
	exitCode int
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTransport) Run(_ context.Context, cmd *ssh.Command) (*ssh.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return &ssh.ExecResult{Stdout: "remote\n", ExitCode: f.exitCode}, nil
}

func (f *fakeTransport) Upload(_ context.Context, content io.Reader, remotePath string, _ os.FileMode) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.uploads[remotePath] = string(data)
	return nil
}

func (f *fakeTransport) Remove(_ context.Context, remotePath string) error {
	f.removed = append(f.removed, remotePath)
	return nil
}

func TestRunRemoteTarget(t *testing.T) {
	fake := &fakeTransport{uploads: map[string]string{}}
	var dialed *ssh.Config
	adapter := NewWithDialer(func(_ context.Context, cfg *ssh.Config, _ zerolog.Logger) (ssh.Transport, error) {
		dialed = cfg
		return fake, nil
	})

	scripts := filepath.Join(t.TempDir(), "scriptlings")
	if err := os.MkdirAll(scripts, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(scripts, "setup.sh"), []byte("echo setup\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	first := shellTask(1, TypeShellCommand, "whoami", nil)
	first.Target = "admin@web.example.com:2222"
	first.Become = true
	second := shellTask(2, TypeScriptling, "setup", nil)
	second.Target = "admin@web.example.com:2222"

	req, _ := newRequest(t, first, second)
	req.Resources[resourceScriptlings] = []string{scripts}
	req.Secrets["ssh_pass"] = "pw"
	req.Secrets["become_pass"] = "sudo-pw"
	req.Config = map[string]interface{}{configRemoteScriptDir: "/var/tmp"}

	if _, err := adapter.Run(context.Background(), req); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if dialed == nil || dialed.Host != "web.example.com" || dialed.Port != 2222 || dialed.User != "admin" {
		t.Fatalf("Expected dial to admin@web.example.com:2222, got: %+v", dialed)
	}
	if dialed.AuthMethod != ssh.AuthMethodPassword {
		t.Errorf("Expected password auth, got: %s", dialed.AuthMethod)
	}
	if len(fake.commands) != 2 {
		t.Fatalf("Expected a single connection for both tasks, got %d commands", len(fake.commands))
	}
	if !fake.commands[0].Sudo || fake.commands[0].SudoPassword != "sudo-pw" {
		t.Errorf("Expected sudo with password, got: %+v", fake.commands[0])
	}

	wantScript := "/var/tmp/freckles-run-1/2_setup.sh"
	if fake.uploads[wantScript] != "echo setup\n" {
		t.Errorf("Expected script uploaded to %s, got: %v", wantScript, fake.uploads)
	}
	if fake.commands[1].Line != "'"+wantScript+"'" && fake.commands[1].Line != wantScript {
		t.Errorf("Expected the uploaded script to run, got: %s", fake.commands[1].Line)
	}
	if !fake.closed || len(fake.removed) != 1 || fake.removed[0] != "/var/tmp/freckles-run-1" {
		t.Errorf("Expected cleanup of the script dir and connection, got removed=%v closed=%v", fake.removed, fake.closed)
	}
}

func TestRunDialError(t *testing.T) {
	adapter := NewWithDialer(func(context.Context, *ssh.Config, zerolog.Logger) (ssh.Transport, error) {
		return nil, errors.New("connection refused")
	})
	task := shellTask(1, TypeShellCommand, "true", nil)
	task.Target = "root@10.0.0.1"
	req, _ := newRequest(t, task)
	req.Secrets["ssh_pass"] = "pw"

	_, err := adapter.Run(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "could not be run") {
		t.Fatalf("Expected run error, got: %v", err)
	}
	if !ferr.IsAdapterFailure(err) {
		t.Errorf("Expected adapter failure kind, got: %v", err)
	}
}

func TestExtraFreckletsParse(t *testing.T) {
	extra, err := New().ExtraFrecklets(nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for _, name := range []string{"echo", "execute-shell"} {
		doc, ok := extra[name]
		if !ok {
			t.Fatalf("Expected virtual frecklet %s", name)
		}
		f, err := frecklet.FromMap(name, doc)
		if err != nil {
			t.Fatalf("Expected %s to parse, got: %v", name, err)
		}
		if len(f.Entries) != 1 || f.Entries[0].Type() != TypeShellCommand {
			t.Errorf("Expected one shell-command entry in %s, got: %+v", name, f.Entries)
		}
	}

	echo, err := frecklet.FromMap("echo", extra["echo"])
	if err != nil {
		t.Fatalf("Expected echo to parse, got: %v", err)
	}
	if _, ok := echo.Arg("message"); !ok {
		t.Error("Expected echo to declare the message arg")
	}
	if _, ok := echo.Arg("msg"); ok {
		t.Error("Expected no msg arg on echo")
	}
}

func TestSupportedTypes(t *testing.T) {
	a := New()
	if a.Name() != "shell" {
		t.Errorf("Expected name shell, got: %s", a.Name())
	}
	types := a.SupportedTaskTypes()
	if len(types) != 3 || types[0] != TypeShellCommand {
		t.Errorf("Expected 3 task types, got: %v", types)
	}
	arg, ok := a.ConfigSchema().Get(configRemoteScriptDir)
	if !ok || arg.Default != defaultRemoteScriptDir {
		t.Errorf("Expected remote_script_dir default, got: %+v", arg)
	}
}
