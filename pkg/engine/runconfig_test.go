package engine

import (
	"context"
	"testing"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/ferr"
)

func TestParseRunConfig(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]interface{}
		vars    map[string]interface{}
		check   func(t *testing.T, c *RunConfig)
		wantErr bool
	}{
		{
			name: "defaults",
			raw:  nil,
			check: func(t *testing.T, c *RunConfig) {
				if c.Target != "localhost" || !c.FailFast || !c.HostKeyChecking {
					t.Errorf("Unexpected defaults: %+v", c)
				}
			},
		},
		{
			name: "templated target",
			raw:  map[string]interface{}{"target": "admin@{{ host }}", "timeout": 30},
			vars: map[string]interface{}{"host": "db1"},
			check: func(t *testing.T, c *RunConfig) {
				if c.Target != "admin@db1" {
					t.Errorf("Expected admin@db1, got: %s", c.Target)
				}
				if c.TimeoutDuration().Seconds() != 30 {
					t.Errorf("Expected 30s timeout, got: %v", c.TimeoutDuration())
				}
			},
		},
		{
			name: "extra keys kept",
			raw:  map[string]interface{}{"ansible_verbosity": 2},
			check: func(t *testing.T, c *RunConfig) {
				if c.Extra["ansible_verbosity"] != 2 {
					t.Errorf("Expected extra key, got: %v", c.Extra)
				}
			},
		},
		{
			name:    "port out of range",
			raw:     map[string]interface{}{"port": 70000},
			wantErr: true,
		},
		{
			name:    "unknown connection type",
			raw:     map[string]interface{}{"connection_type": "telnet"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseRunConfig(tt.raw, tt.vars)
			if tt.wantErr {
				if !ferr.IsConfig(err) {
					t.Errorf("Expected config error, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			tt.check(t, c)
		})
	}
}

func TestRunConfigStopOnFailure(t *testing.T) {
	c := DefaultRunConfig()
	if !c.StopOnFailure() {
		t.Error("Expected default config to stop on failure")
	}
	c.ContinueOnError = true
	if c.StopOnFailure() {
		t.Error("Expected continue_on_error to keep going")
	}
}

func TestRunConfigResolveTargetOverrides(t *testing.T) {
	c := DefaultRunConfig()
	c.User = "deploy"
	c.Port = 2222
	c.SSHKey = "/keys/id"

	tgt, err := c.ResolveTargetSpec(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if tgt.User != "deploy" || tgt.Port != 2222 || tgt.IdentityFile != "/keys/id" {
		t.Errorf("Expected overrides applied, got: %+v", tgt)
	}

	tgt, err = c.ResolveTargetSpec(context.Background(), "root@example.com:22")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if tgt.User != "root" || tgt.Port != 22 {
		t.Errorf("Expected explicit user and port to win, got: %+v", tgt)
	}
}

func TestRunConfigRedacted(t *testing.T) {
	c := DefaultRunConfig()
	c.BecomePass = "hunter2"
	c.SSHPass = Ask

	r := c.Redacted()
	if r.BecomePass != callback.SecretPlaceholder {
		t.Errorf("Expected masked become_pass, got: %s", r.BecomePass)
	}
	if r.SSHPass != Ask {
		t.Errorf("Expected ask sentinel to stay, got: %s", r.SSHPass)
	}
	if c.BecomePass != "hunter2" {
		t.Error("Expected the original config to be unchanged")
	}
	if s := c.secrets(); s["become_pass"] != "hunter2" || s["ssh_pass"] != nil {
		t.Errorf("Unexpected secrets: %v", s)
	}
}
