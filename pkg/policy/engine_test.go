package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return e
}

func TestNewEngine(t *testing.T) {
	e := newTestEngine(t)
	policies := e.ListPolicies()
	if len(policies) != len(BuiltinPolicies()) {
		t.Errorf("Expected %d built-in policies, got: %d", len(BuiltinPolicies()), len(policies))
	}
}

func TestLockedContext(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		locked  bool
		safe    bool
		value   interface{}
		allowed bool
	}{
		{"unlocked unsafe changed", false, false, true, true},
		{"locked safe changed", true, true, true, true},
		{"locked unsafe default", true, false, false, true},
		{"locked unsafe changed", true, false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Evaluate(ctx, &Input{
				Operation: OperationGetKey,
				Context:   ContextInput{Name: "default", Locked: tt.locked},
				Key:       &KeyInput{Name: "allow_remote", Safe: tt.safe, Value: tt.value, Default: false},
			})
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if d.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got: %v (%v)", tt.allowed, d.Allowed, d.Violations)
			}
			if !tt.allowed && (len(d.Errors()) != 1 || d.Errors()[0].Subject != "allow_remote") {
				t.Errorf("Expected one violation for allow_remote, got: %v", d.Violations)
			}
		})
	}
}

func TestRemoteRepo(t *testing.T) {
	e := newTestEngine(t)
	input := &Input{
		Operation: OperationOpenRepo,
		Repo:      &RepoInput{URL: "https://github.com/freckles-io/frecklets.git", Remote: true},
	}

	d, err := e.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if d.Allowed {
		t.Error("Expected remote repo to be denied without allow_remote")
	}

	input.Context.AllowRemote = true
	d, err = e.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !d.Allowed {
		t.Errorf("Expected remote repo to be allowed, got: %v", d.Violations)
	}
}

func TestAdapterAllowlistWarns(t *testing.T) {
	e := newTestEngine(t)
	d, err := e.Evaluate(context.Background(), &Input{
		Operation: OperationDispatch,
		Adapter:   "ansible",
		Context:   ContextInput{Name: "dev", Adapters: []string{"shell"}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !d.Allowed {
		t.Error("Expected warnings not to block")
	}
	if len(d.Violations) != 1 || d.Violations[0].Severity != SeverityWarning {
		t.Errorf("Expected one warning, got: %v", d.Violations)
	}
}

func TestDisablePolicy(t *testing.T) {
	e := newTestEngine(t)
	if err := e.DisablePolicy("remote-repos"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	d, err := e.Evaluate(context.Background(), &Input{
		Operation: OperationOpenRepo,
		Repo:      &RepoInput{URL: "gh:x/y", Remote: true},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !d.Allowed {
		t.Error("Expected disabled policy not to deny")
	}
	if err := e.EnablePolicy("nope"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	src := `# Deny the ansible adapter.
package custom.noansible

import rego.v1

deny contains "ansible is forbidden here" if {
	input.operation == "dispatch"
	input.adapter == "ansible"
}
`
	if err := os.WriteFile(filepath.Join(dir, "noansible.rego"), []byte(src), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir, filepath.Join(dir, "missing")}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	d, err := e.Evaluate(context.Background(), &Input{Operation: OperationDispatch, Adapter: "ansible"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(d.Violations) != 1 || d.Violations[0].Message != "ansible is forbidden here" {
		t.Errorf("Expected custom violation, got: %v", d.Violations)
	}
	if d.Violations[0].Severity != SeverityWarning {
		t.Errorf("Expected default warning severity, got: %s", d.Violations[0].Severity)
	}
}

func TestExtractDescription(t *testing.T) {
	got := extractDescription("\n# first\n# second\npackage x\n# not this")
	if got != "first second" {
		t.Errorf("Expected 'first second', got: %q", got)
	}
}
