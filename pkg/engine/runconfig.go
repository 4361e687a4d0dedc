package engine

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/schema"
	"github.com/freckles-io/freckles/pkg/target"
	"github.com/freckles-io/freckles/pkg/tmpl"
)

// RunConfig holds connection, elevation and failure settings of a run.
type RunConfig struct {
	// Target is the host spec, see package target.
	Target string `yaml:"target" json:"target" validate:"required"`

	// User overrides the login user of the target.
	User string `yaml:"user,omitempty" json:"user,omitempty"`

	// Port overrides the connection port.
	Port int `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// ConnectionType overrides the connection type derived from the target.
	ConnectionType string `yaml:"connection_type,omitempty" json:"connection_type,omitempty" validate:"omitempty,oneof=local ssh lxd"`

	// Become runs every task with elevated permissions.
	Become bool `yaml:"become" json:"become"`

	// BecomePass is the sudo password, or "ask".
	BecomePass string `yaml:"become_pass,omitempty" json:"become_pass,omitempty"`

	// SSHPass is the ssh login password, or "ask".
	SSHPass string `yaml:"ssh_pass,omitempty" json:"ssh_pass,omitempty"`

	// SSHKey is a private key file used for ssh connections.
	SSHKey string `yaml:"ssh_key,omitempty" json:"ssh_key,omitempty"`

	// Timeout limits every adapter run, in seconds. 0 disables the limit.
	Timeout int `yaml:"timeout" json:"timeout" validate:"min=0"`

	// FailFast stops after the first failed batch.
	FailFast bool `yaml:"fail_fast" json:"fail_fast"`

	// ContinueOnError keeps dispatching batches after a failure.
	ContinueOnError bool `yaml:"continue_on_error" json:"continue_on_error"`

	// Force reuses an existing run directory.
	Force bool `yaml:"force" json:"force"`

	// NoRun compiles and plans without invoking adapters.
	NoRun bool `yaml:"no_run" json:"no_run"`

	// HostKeyChecking verifies ssh host keys against known_hosts.
	HostKeyChecking bool `yaml:"host_key_checking" json:"host_key_checking"`

	// Extra holds adapter specific keys.
	Extra map[string]interface{} `yaml:",inline" json:"extra,omitempty"`
}

// DefaultRunConfig returns a run config targeting localhost.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		Target:          "localhost",
		FailFast:        true,
		HostKeyChecking: true,
	}
}

// ParseRunConfig renders raw with the plain `{{ }}` dialect against vars
// and decodes it on top of the defaults.
func ParseRunConfig(raw map[string]interface{}, vars map[string]interface{}) (*RunConfig, error) {
	cfg := DefaultRunConfig()
	if len(raw) == 0 {
		return cfg, nil
	}

	rendered, err := tmpl.RenderRunConfig(raw, vars)
	if err != nil {
		return nil, ferr.NewConfigError("cannot render run config", err)
	}
	data, err := yaml.Marshal(rendered)
	if err != nil {
		return nil, ferr.NewConfigError("cannot encode run config", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, ferr.NewConfigError("invalid run config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of the config.
func (c *RunConfig) Validate() error {
	if err := schema.Validator().Struct(c); err != nil {
		return ferr.NewConfigError("invalid run config", err).
			WithReason("%v", err)
	}
	return nil
}

// TimeoutDuration returns the per-adapter timeout, 0 for none.
func (c *RunConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// StopOnFailure reports whether a failed batch ends the run.
func (c *RunConfig) StopOnFailure() bool {
	return c.FailFast && !c.ContinueOnError
}

// ResolveTarget parses the target spec and applies the overrides.
func (c *RunConfig) ResolveTarget(ctx context.Context) (*target.Target, error) {
	return c.ResolveTargetSpec(ctx, c.Target)
}

// ResolveTargetSpec parses spec, falling back to the config's target when
// spec is empty, and applies the user, port and key overrides.
func (c *RunConfig) ResolveTargetSpec(ctx context.Context, spec string) (*target.Target, error) {
	if spec == "" {
		spec = c.Target
	}
	t, err := target.Parse(ctx, spec)
	if err != nil {
		return nil, ferr.NewConfigError(fmt.Sprintf("invalid target '%s'", spec), err).
			WithKeys("target")
	}
	if c.User != "" && t.User == "" {
		t.User = c.User
	}
	if c.Port != 0 && t.Port == 0 {
		t.Port = c.Port
	}
	if c.ConnectionType != "" && !t.IsLocal() {
		t.ConnectionType = c.ConnectionType
	}
	if c.SSHKey != "" && t.IdentityFile == "" {
		t.IdentityFile = c.SSHKey
	}
	return t, nil
}

// Clone returns a copy of the config.
func (c *RunConfig) Clone() *RunConfig {
	out := *c
	if c.Extra != nil {
		out.Extra = make(map[string]interface{}, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// Redacted returns a copy with passwords masked.
func (c *RunConfig) Redacted() *RunConfig {
	out := c.Clone()
	if out.BecomePass != "" && !IsAsk(out.BecomePass) {
		out.BecomePass = callback.SecretPlaceholder
	}
	if out.SSHPass != "" && !IsAsk(out.SSHPass) {
		out.SSHPass = callback.SecretPlaceholder
	}
	return out
}

// secrets returns the passwords to hand to adapters outside the vars.
func (c *RunConfig) secrets() map[string]interface{} {
	out := map[string]interface{}{}
	if c.BecomePass != "" && !IsAsk(c.BecomePass) {
		out["become_pass"] = c.BecomePass
	}
	if c.SSHPass != "" && !IsAsk(c.SSHPass) {
		out["ssh_pass"] = c.SSHPass
	}
	return out
}
