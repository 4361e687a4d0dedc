// Package target parses host specifications of the form
// `[user@][proto://]host[:port]`, plus the special `localhost`,
// `vagrant[:host]` and `lxd://container` forms.
package target

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Connection types.
const (
	ConnectionLocal = "local"
	ConnectionSSH   = "ssh"
	ConnectionLXD   = "lxd"
)

// Target is a parsed host specification.
type Target struct {
	// Raw is the string the target was parsed from.
	Raw string `json:"raw"`

	// User is the login user, empty for the current user.
	User string `json:"user,omitempty"`

	// Host is the host name, address or container name.
	Host string `json:"host" validate:"required"`

	// Port is the connection port, 0 for the default.
	Port int `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// ConnectionType is one of local, ssh or lxd.
	ConnectionType string `json:"connection_type" validate:"required,oneof=local ssh lxd"`

	// IdentityFile is a private key path, set for vagrant targets.
	IdentityFile string `json:"identity_file,omitempty"`
}

// SSHConfigReader returns `vagrant ssh-config` output for a machine name.
type SSHConfigReader func(ctx context.Context, machine string) ([]byte, error)

// VagrantSSHConfig invokes the local vagrant binary.
func VagrantSSHConfig(ctx context.Context, machine string) ([]byte, error) {
	args := []string{"ssh-config"}
	if machine != "" {
		args = append(args, machine)
	}
	out, err := exec.CommandContext(ctx, "vagrant", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("vagrant ssh-config: %w", err)
	}
	return out, nil
}

// Localhost is the default target.
func Localhost() *Target {
	return &Target{Raw: "localhost", Host: "localhost", ConnectionType: ConnectionLocal}
}

// Parse parses spec using the local vagrant binary for vagrant targets.
func Parse(ctx context.Context, spec string) (*Target, error) {
	return ParseWith(ctx, spec, VagrantSSHConfig)
}

// ParseWith parses spec, resolving vagrant targets through reader.
func ParseWith(ctx context.Context, spec string, reader SSHConfigReader) (*Target, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "localhost" || spec == "127.0.0.1" || spec == "local" {
		t := Localhost()
		if spec != "" {
			t.Raw = spec
		}
		return t, nil
	}

	if spec == "vagrant" || strings.HasPrefix(spec, "vagrant:") {
		machine := strings.TrimPrefix(strings.TrimPrefix(spec, "vagrant"), ":")
		out, err := reader(ctx, machine)
		if err != nil {
			return nil, err
		}
		t, err := parseSSHConfig(out)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", spec, err)
		}
		t.Raw = spec
		return t, t.Validate()
	}

	t := &Target{Raw: spec, ConnectionType: ConnectionSSH}
	rest := spec

	if idx := strings.Index(rest, "://"); idx >= 0 {
		proto := rest[:idx]
		rest = rest[idx+3:]
		if at := strings.LastIndex(proto, "@"); at >= 0 {
			t.User = proto[:at]
			proto = proto[at+1:]
		}
		switch proto {
		case "ssh":
			t.ConnectionType = ConnectionSSH
		case "lxd":
			t.ConnectionType = ConnectionLXD
		case "local":
			t.ConnectionType = ConnectionLocal
		default:
			return nil, fmt.Errorf("target %q: unsupported protocol %q", spec, proto)
		}
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 && t.User == "" {
		t.User = rest[:at]
		rest = rest[at+1:]
	}

	host, port, err := splitHostPort(rest)
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", spec, err)
	}
	t.Host = host
	t.Port = port

	if t.Host == "localhost" && t.ConnectionType == ConnectionSSH && t.User == "" && t.Port == 0 {
		t.ConnectionType = ConnectionLocal
	}
	return t, t.Validate()
}

// Validate checks the parsed fields.
func (t *Target) Validate() error {
	if err := validator.New().Struct(t); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	return nil
}

// IsLocal reports whether the target bypasses remote connections.
func (t *Target) IsLocal() bool {
	return t.ConnectionType == ConnectionLocal
}

// String renders the target back into spec form.
func (t *Target) String() string {
	if t.IsLocal() {
		return "localhost"
	}
	var b strings.Builder
	if t.User != "" {
		b.WriteString(t.User)
		b.WriteString("@")
	}
	if t.ConnectionType == ConnectionLXD {
		b.WriteString("lxd://")
	}
	b.WriteString(t.Host)
	if t.Port != 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(t.Port))
	}
	return b.String()
}

func splitHostPort(s string) (string, int, error) {
	// bracketed ipv6: [::1]:22
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated ipv6 address")
		}
		host := s[1:end]
		rest := s[end+1:]
		if rest == "" {
			return host, 0, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, fmt.Errorf("unexpected %q after address", rest)
		}
		port, err := parsePort(rest[1:])
		return host, port, err
	}
	if strings.Count(s, ":") == 1 {
		idx := strings.Index(s, ":")
		port, err := parsePort(s[idx+1:])
		return s[:idx], port, err
	}
	return s, 0, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

func parseSSHConfig(data []byte) (*Target, error) {
	t := &Target{ConnectionType: ConnectionSSH}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value := strings.Trim(strings.Join(fields[1:], " "), `"`)
		switch strings.ToLower(fields[0]) {
		case "hostname":
			t.Host = value
		case "user":
			t.User = value
		case "port":
			port, err := parsePort(value)
			if err != nil {
				return nil, err
			}
			t.Port = port
		case "identityfile":
			if t.IdentityFile == "" {
				t.IdentityFile = value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if t.Host == "" {
		return nil, fmt.Errorf("no HostName in ssh-config output")
	}
	return t, nil
}
