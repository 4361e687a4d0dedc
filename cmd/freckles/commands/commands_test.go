package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/freckles-io/freckles/pkg/ferr"
)

const greetFrecklet = `
doc:
  short_help: Greet someone.
  help: |
    Prints a greeting on the target.
meta:
  tags:
    - demo
args:
  name:
    type: string
    doc:
      short_help: who to greet
frecklets:
  - frecklet:
      name: echo
    vars:
      message: "hello {{:: name ::}}"
`

const twiceFrecklet = `
frecklets:
  - greet:
      vars:
        name: "{{:: first ::}}"
  - execute-shell:
      vars:
        command: "true"
`

const tokenFrecklet = `
args:
  token:
    type: password
    required: true
  code:
    type: integer
    default: 0
    required: false
frecklets:
  - frecklet:
      name: use-token
      type: shell-command
      register: out
    task:
      command: "echo {{:: token ::}}; echo {{:: token ::}} >&2; exit {{:: code ::}}"
      raw: true
`

// setupEnv points the XDG directories to a temp dir and writes a local
// frecklet repository.
func setupEnv(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(root, "data"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(root, "cache"))

	repoDir := filepath.Join(root, "frecklets")
	files := map[string]string{
		"greet.frecklet":      greetFrecklet,
		"demo/twice.frecklet": twiceFrecklet,
		"broken/bad.frecklet": "frecklets: [unclosed",
		"token.frecklet":      tokenFrecklet,
	}
	for name, content := range files {
		path := filepath.Join(repoDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	return repoDir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestListCommand(t *testing.T) {
	repoDir := setupEnv(t)

	tests := []struct {
		name       string
		args       []string
		contains   []string
		notContain []string
	}{
		{
			name:     "all",
			args:     []string{"-r", repoDir, "list"},
			contains: []string{"greet", "Greet someone.", "twice", "echo", "execute-shell"},
		},
		{
			name:       "by tag",
			args:       []string{"-r", repoDir, "list", "--tag", "demo"},
			contains:   []string{"greet"},
			notContain: []string{"twice", "execute-shell"},
		},
		{
			name:       "by filter",
			args:       []string{"-r", repoDir, "list", "tw"},
			contains:   []string{"twice"},
			notContain: []string{"greet"},
		},
		{
			name:     "no match",
			args:     []string{"-r", repoDir, "list", "--tag", "nothing"},
			contains: []string{"No frecklets found."},
		},
		{
			name:     "invalid",
			args:     []string{"-r", repoDir, "list", "--invalid"},
			contains: []string{"bad"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, errOut, err := execute(t, tt.args...)
			if err != nil {
				t.Fatalf("Expected no error, got: %v\n%s", err, errOut)
			}
			for _, want := range tt.contains {
				if !strings.Contains(out, want) {
					t.Errorf("Expected %q in output, got:\n%s", want, out)
				}
			}
			for _, unwanted := range tt.notContain {
				if strings.Contains(out, unwanted) {
					t.Errorf("Expected no %q in output, got:\n%s", unwanted, out)
				}
			}
		})
	}
}

func TestDescribeCommand(t *testing.T) {
	repoDir := setupEnv(t)

	out, errOut, err := execute(t, "-r", repoDir, "describe", "twice")
	if err != nil {
		t.Fatalf("Expected no error, got: %v\n%s", err, errOut)
	}
	for _, want := range []string{"Arguments:", "first", "Task tree:", "greet", "echo (shell-command)", "execute-shell (shell-command)"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output, got:\n%s", want, out)
		}
	}

	out, _, err = execute(t, "-r", repoDir, "describe", "greet", "--dot")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.HasPrefix(out, "digraph TaskTree {") {
		t.Errorf("Expected DOT output, got:\n%s", out)
	}
}

func TestDescribeUnknownFrecklet(t *testing.T) {
	repoDir := setupEnv(t)

	_, _, err := execute(t, "-r", repoDir, "describe", "does-not-exist")
	if err == nil {
		t.Fatal("Expected error for unknown frecklet, got nil")
	}
	if ferr.ExitCode(err) != 1 {
		t.Errorf("Expected exit code 1, got: %d", ferr.ExitCode(err))
	}
}

func TestExplodeCommand(t *testing.T) {
	repoDir := setupEnv(t)

	out, errOut, err := execute(t, "-r", repoDir, "explode", "twice")
	if err != nil {
		t.Fatalf("Expected no error, got: %v\n%s", err, errOut)
	}
	for _, want := range []string{"frecklets:", "name: greet", "name: execute-shell"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestFrecklecuteNoRun(t *testing.T) {
	repoDir := setupEnv(t)

	out, errOut, err := execute(t, "frecklecute", "-r", repoDir, "--no-run", "-o", "silent", "twice", "--first", "World")
	if err != nil {
		t.Fatalf("Expected no error, got: %v\n%s", err, errOut)
	}
	for _, want := range []string{"batch 1: shell (2 tasks, not_run)", "echo (shell-command)", "executing 'true'"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output, got:\n%s", want, out)
		}
	}

	entries, err := os.ReadDir(filepath.Join(os.Getenv("XDG_DATA_HOME"), "freckles", "runs", "archive"))
	if err == nil && len(entries) > 0 {
		t.Errorf("Expected no run directory for a no-run, got: %d entries", len(entries))
	}
}

func TestFrecklecuteHelp(t *testing.T) {
	repoDir := setupEnv(t)

	out, errOut, err := execute(t, "frecklecute", "-r", repoDir, "greet", "--help")
	if err != nil {
		t.Fatalf("Expected no error, got: %v\n%s", err, errOut)
	}
	for _, want := range []string{"Usage: frecklecute [global flags] greet", "Greet someone.", "--name", "who to greet"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestFrecklecuteErrors(t *testing.T) {
	repoDir := setupEnv(t)

	tests := []struct {
		name string
		args []string
		kind func(error) bool
	}{
		{
			name: "no frecklet",
			args: []string{"frecklecute", "-r", repoDir},
			kind: ferr.IsConfig,
		},
		{
			name: "missing required argument",
			args: []string{"frecklecute", "-r", repoDir, "--no-run", "greet"},
			kind: ferr.IsVarValidation,
		},
		{
			name: "unknown frecklet flag",
			args: []string{"frecklecute", "-r", repoDir, "--no-run", "greet", "--nme", "x"},
			kind: ferr.IsVarValidation,
		},
		{
			name: "bad output profile",
			args: []string{"frecklecute", "-r", repoDir, "-o", "fancy", "greet", "--name", "x"},
			kind: ferr.IsConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			if !tt.kind(err) {
				t.Errorf("Expected a different error kind, got: %v", err)
			}
			if ferr.ExitCode(err) != 1 {
				t.Errorf("Expected exit code 1, got: %d", ferr.ExitCode(err))
			}
		})
	}
}

func TestContextCommands(t *testing.T) {
	setupEnv(t)

	out, errOut, err := execute(t, "context", "show")
	if err != nil {
		t.Fatalf("Expected no error, got: %v\n%s", err, errOut)
	}
	if !strings.Contains(out, "Context: default (locked)") {
		t.Errorf("Expected locked default context, got:\n%s", out)
	}

	out, _, err = execute(t, "-c", "callback=[json]", "context", "show", "--format", "yaml", "--changed")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out, "key: callback") || strings.Contains(out, "key: repos") {
		t.Errorf("Expected only the changed callback key, got:\n%s", out)
	}

	_, _, err = execute(t, "context", "unlock")
	if !ferr.IsUnlockRequired(err) {
		t.Errorf("Expected unlock to require --yes without a terminal, got: %v", err)
	}

	out, _, err = execute(t, "context", "unlock", "--yes")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out, "Context unlocked.") {
		t.Errorf("Expected unlock message, got:\n%s", out)
	}

	out, _, err = execute(t, "context", "show")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out, "Context: default (unlocked)") {
		t.Errorf("Expected unlocked context, got:\n%s", out)
	}
}

func TestRunsCommands(t *testing.T) {
	setupEnv(t)

	out, errOut, err := execute(t, "runs")
	if err != nil {
		t.Fatalf("Expected no error, got: %v\n%s", err, errOut)
	}
	if !strings.Contains(out, "No runs recorded.") {
		t.Errorf("Expected empty history, got:\n%s", out)
	}

	if _, _, err := execute(t, "runs", "show", "nope"); !ferr.IsConfig(err) {
		t.Errorf("Expected config error for unknown run, got: %v", err)
	}

	if _, _, err := execute(t, "runs", "--status", "weird"); !ferr.IsConfig(err) {
		t.Errorf("Expected config error for unknown status, got: %v", err)
	}

	out, _, err = execute(t, "runs", "log")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out, "No runs logged.") {
		t.Errorf("Expected empty runs.log, got:\n%s", out)
	}

	_, _, err = execute(t, "-c", "store_run_history=false", "runs")
	if !ferr.IsConfig(err) {
		t.Errorf("Expected config error with history disabled, got: %v", err)
	}
}

// runLogs returns the contents of every run_log.json written below the
// default run folder.
func runLogs(t *testing.T) string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(os.Getenv("XDG_DATA_HOME"), "freckles", "runs", "archive", "*", "run_log.json"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(paths) == 0 {
		t.Fatal("Expected a run_log.json in the run folder")
	}
	var b strings.Builder
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		b.Write(data)
	}
	return b.String()
}

func TestFrecklecuteRun(t *testing.T) {
	repoDir := setupEnv(t)

	out, errOut, err := execute(t, "frecklecute", "-r", repoDir, "execute-shell", "--command", "true")
	if err != nil {
		t.Fatalf("Expected no error, got: %v\n%s", err, errOut)
	}
	if !strings.Contains(out, "executing 'true'") {
		t.Errorf("Expected the task in the output, got:\n%s", out)
	}
	if log := runLogs(t); !strings.Contains(log, `"success":true`) {
		t.Errorf("Expected a successful task in the run log, got:\n%s", log)
	}

	out, _, err = execute(t, "runs", "log")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out, "finished") {
		t.Errorf("Expected a finished row in runs.log, got:\n%s", out)
	}
}

func TestFrecklecuteRunFailure(t *testing.T) {
	repoDir := setupEnv(t)

	_, _, err := execute(t, "frecklecute", "-r", repoDir, "execute-shell", "--command", "exit 3")
	if err == nil {
		t.Fatal("Expected an error for a failing command")
	}
	if !ferr.IsAdapterFailure(err) {
		t.Errorf("Expected an adapter failure, got: %v", err)
	}
	if ferr.ExitCode(err) != 3 {
		t.Errorf("Expected exit code 3, got: %d", ferr.ExitCode(err))
	}
	if log := runLogs(t); !strings.Contains(log, "exit code 3") {
		t.Errorf("Expected the failure in the run log, got:\n%s", log)
	}
}

func TestFrecklecuteRedactsPasswords(t *testing.T) {
	const secret = "s3cret-t0ken"

	tests := []struct {
		name     string
		args     []string
		wantCode int
		contains string
	}{
		{
			name:     "success",
			args:     []string{"--token", secret},
			contains: "stdout: __secret__",
		},
		{
			name:     "failure",
			args:     []string{"--token", secret, "--code", "4"},
			wantCode: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repoDir := setupEnv(t)

			args := append([]string{"frecklecute", "-r", repoDir, "token"}, tt.args...)
			out, errOut, err := execute(t, args...)
			if tt.wantCode == 0 && err != nil {
				t.Fatalf("Expected no error, got: %v\n%s", err, errOut)
			}
			if tt.wantCode != 0 {
				if ferr.ExitCode(err) != tt.wantCode {
					t.Fatalf("Expected exit code %d, got: %d (%v)", tt.wantCode, ferr.ExitCode(err), err)
				}
				errOut += ferr.Format(err)
			}
			if tt.contains != "" && !strings.Contains(out, tt.contains) {
				t.Errorf("Expected %q in output, got:\n%s", tt.contains, out)
			}

			sources := map[string]string{
				"stdout":  out,
				"stderr":  errOut,
				"run log": runLogs(t),
			}
			for name, text := range sources {
				if strings.Contains(text, secret) {
					t.Errorf("Expected no secret in %s, got:\n%s", name, text)
				}
			}
		})
	}
}
