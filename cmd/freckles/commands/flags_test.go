package commands

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/schema"
)

func testSchema() *schema.Schema {
	return schema.NewSchema(
		&schema.Arg{Key: "user_name", Type: schema.TypeString, Required: true, Aliases: []string{"user"}},
		&schema.Arg{Key: "port", Type: schema.TypeInteger, Required: false, HasDefault: true, Default: 22},
		&schema.Arg{Key: "system", Type: schema.TypeBoolean, Required: false, HasDefault: true, Default: false},
		&schema.Arg{Key: "groups", Type: schema.TypeList, Required: false},
		&schema.Arg{Key: "labels", Type: schema.TypeDict, Required: false},
		&schema.Arg{Key: "password", Type: schema.TypePassword, Required: true, Secret: true},
		&schema.Arg{Key: "shell", Type: schema.TypeString, Required: false,
			CLI: map[string]interface{}{"param_decls": []interface{}{"--login-shell", "-s"}}},
		&schema.Arg{Key: "internal", Type: schema.TypeString, Required: false,
			CLI: map[string]interface{}{"enabled": false}},
	)
}

func TestArgFlagsValues(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		present  map[string]interface{}
		expected map[string]interface{}
	}{
		{
			name:     "nothing given asks for password",
			expected: map[string]interface{}{"password": engine.Ask},
		},
		{
			name:     "password bound elsewhere",
			present:  map[string]interface{}{"password": "secret"},
			expected: map[string]interface{}{},
		},
		{
			name: "typed values",
			args: []string{"--user-name", "deploy", "--port", "2222", "--system", "--password", "pw"},
			expected: map[string]interface{}{
				"user_name": "deploy",
				"port":      2222,
				"system":    true,
				"password":  "pw",
			},
		},
		{
			name:     "negated boolean",
			args:     []string{"--no-system", "--password", "pw"},
			expected: map[string]interface{}{"system": false, "password": "pw"},
		},
		{
			name:     "alias and underscore spelling",
			args:     []string{"--user", "a", "--password=pw"},
			expected: map[string]interface{}{"user_name": "a", "password": "pw"},
		},
		{
			name: "repeatable list",
			args: []string{"--groups", "wheel", "--groups", "docker", "--groups", "100", "--password", "pw"},
			expected: map[string]interface{}{
				"groups":   []interface{}{"wheel", "docker", 100},
				"password": "pw",
			},
		},
		{
			name: "dict as json",
			args: []string{"--labels", `{"team": "ops", "tier": 1}`, "--password", "pw"},
			expected: map[string]interface{}{
				"labels":   map[string]interface{}{"team": "ops", "tier": 1},
				"password": "pw",
			},
		},
		{
			name:     "param decls rename the flag",
			args:     []string{"-s", "/bin/zsh", "--password", "pw"},
			expected: map[string]interface{}{"shell": "/bin/zsh", "password": "pw"},
		},
		{
			name:     "string keeps yaml-looking value",
			args:     []string{"--user-name", "yes", "--password", "pw"},
			expected: map[string]interface{}{"user_name": "yes", "password": "pw"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := newArgFlags("test", testSchema())
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if err := f.Parse(tt.args); err != nil {
				t.Fatalf("Expected no parse error, got: %v", err)
			}
			values, err := f.Values(tt.present)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !reflect.DeepEqual(values, tt.expected) {
				t.Errorf("Expected %#v, got: %#v", tt.expected, values)
			}
		})
	}
}

func TestArgFlagsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown flag", args: []string{"--nope", "x"}},
		{name: "disabled flag", args: []string{"--internal", "x"}},
		{name: "positional leftover", args: []string{"extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := newArgFlags("test", testSchema())
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			err = f.Parse(tt.args)
			if !ferr.IsVarValidation(err) {
				t.Errorf("Expected var validation error, got: %v", err)
			}
		})
	}

	f, _ := newArgFlags("test", testSchema())
	if err := f.Parse([]string{"--system", "--no-system"}); err != nil {
		t.Fatalf("Expected no parse error, got: %v", err)
	}
	if _, err := f.Values(nil); !ferr.IsVarValidation(err) {
		t.Errorf("Expected error for --system with --no-system, got: %v", err)
	}

	f, _ = newArgFlags("test", testSchema())
	if err := f.Parse([]string{"--labels", "[1, 2]"}); err != nil {
		t.Fatalf("Expected no parse error, got: %v", err)
	}
	if _, err := f.Values(nil); !ferr.IsVarValidation(err) {
		t.Errorf("Expected error for a list passed as dict, got: %v", err)
	}
}

func TestArgFlagsConflictingName(t *testing.T) {
	s := schema.NewSchema(&schema.Arg{Key: "help", Type: schema.TypeString})
	if _, err := newArgFlags("test", s); !ferr.IsBuild(err) {
		t.Errorf("Expected build error for an argument named help, got: %v", err)
	}
}

func TestArgFlagsUsage(t *testing.T) {
	f, err := newArgFlags("test", testSchema())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	usage := f.Usage()
	for _, want := range []string{"--user-name", "--no-system", "--login-shell", "(repeatable)", "[required]"} {
		if !strings.Contains(usage, want) {
			t.Errorf("Expected %q in usage, got:\n%s", want, usage)
		}
	}
	if strings.Contains(usage, "--internal") {
		t.Errorf("Expected disabled argument to be hidden, got:\n%s", usage)
	}
}

func TestLoadVars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.yml")
	if err := os.WriteFile(path, []byte("name: file\nport: 80\n"), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	vars, err := loadVars([]string{"@" + path, `{"name": "inline", "extra": [1]}`})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	expected := map[string]interface{}{
		"name":  "inline",
		"port":  80,
		"extra": []interface{}{1},
	}
	if !reflect.DeepEqual(vars, expected) {
		t.Errorf("Expected %#v, got: %#v", expected, vars)
	}

	if _, err := loadVars([]string{"@" + filepath.Join(t.TempDir(), "missing.yml")}); !ferr.IsVarValidation(err) {
		t.Errorf("Expected var validation error for a missing file, got: %v", err)
	}
	if _, err := loadVars([]string{"- a list"}); !ferr.IsVarValidation(err) {
		t.Errorf("Expected var validation error for a list, got: %v", err)
	}
}

func TestRunConfigRaw(t *testing.T) {
	g := globalFlags{
		target:    "admin@host:2222",
		elevated:  true,
		noRun:     true,
		runConfig: []string{"timeout=30", "connection_type=ssh"},
	}
	raw, err := g.runConfigRaw(true)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	rc, err := engine.ParseRunConfig(raw, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if rc.Target != "admin@host:2222" || !rc.Become || !rc.NoRun || !rc.FailFast {
		t.Errorf("Expected flags in run config, got: %+v", rc)
	}
	if rc.Timeout != 30 || rc.ConnectionType != "ssh" {
		t.Errorf("Expected --run-config values, got: %+v", rc)
	}

	bad := []globalFlags{
		{elevated: true, notElevated: true},
		{runConfig: []string{"novalue"}},
	}
	for _, g := range bad {
		if _, err := g.runConfigRaw(false); !ferr.IsConfig(err) {
			t.Errorf("Expected config error for %+v, got: %v", g, err)
		}
	}
}
