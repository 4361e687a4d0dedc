package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/freckles-io/freckles/pkg/schema"
	"github.com/freckles-io/freckles/pkg/target"
)

// AuthMethod selects how a connection authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// Config describes one connection to a target host.
type Config struct {
	Host       string     `validate:"required"`
	Port       int        `validate:"min=1,max=65535"`
	User       string     `validate:"required"`
	AuthMethod AuthMethod `validate:"oneof=password key agent"`

	// Password is also the sudo password when a task needs elevation.
	Password string

	// PrivateKeyPath defaults to the first of ~/.ssh/id_{ed25519,rsa,ecdsa}.
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// Hosts missing from KnownHostsPath are rejected when
	// StrictHostKeyChecking is set.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration `validate:"gt=0"`

	// KeepAliveInterval of 0 disables keep-alives.
	KeepAliveInterval time.Duration
}

// DefaultConfig returns a key-authenticated config on port 22.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
	}
}

// ConfigFromTarget builds a config for a parsed target. A non-empty
// password selects password authentication, an identity file key
// authentication, otherwise the agent is used when available.
func ConfigFromTarget(t *target.Target, password string, hostKeyChecking bool) *Config {
	user := t.User
	if user == "" {
		user = os.Getenv("USER")
	}
	c := DefaultConfig(t.Host, user)
	if t.Port != 0 {
		c.Port = t.Port
	}
	c.StrictHostKeyChecking = hostKeyChecking

	switch {
	case password != "":
		c.AuthMethod = AuthMethodPassword
		c.Password = password
	case t.IdentityFile != "":
		c.AuthMethod = AuthMethodKey
		c.PrivateKeyPath = t.IdentityFile
	case os.Getenv("SSH_AUTH_SOCK") != "":
		c.AuthMethod = AuthMethodAgent
	}
	return c
}

// Validate checks the struct tags and that the chosen auth method has
// what it needs. A missing key path is filled with the default key.
func (c *Config) Validate() error {
	if err := schema.Validator().Struct(c); err != nil {
		return fmt.Errorf("invalid ssh config: %w", err)
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("ssh password authentication without a password")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath()
		}
		if c.PrivateKeyPath == "" {
			return errors.New("no private key given and none found in ~/.ssh")
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("cannot use private key: %w", err)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return errors.New("agent authentication requires SSH_AUTH_SOCK")
		}
	}
	return nil
}

func defaultKeyPath() string {
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// BuildSSHClientConfig turns the config into an ssh.ClientConfig.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// many servers only offer keyboard-interactive for passwords
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("cannot reach ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil

	default:
		pem, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase == "" {
			signer, err = ssh.ParsePrivateKey(pem)
		} else {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
		}
		if err != nil {
			return nil, fmt.Errorf("cannot parse private key %s: %w", c.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load %s: %w", c.KnownHostsPath, err)
	}
	return cb, nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
