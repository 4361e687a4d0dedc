package ssh

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/freckles-io/freckles/pkg/tmpl"
)

// Client implements Transport over a single SSH connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

var _ Transport = (*Client)(nil)

// NewClient creates a client for config. The connection is established by
// Connect.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Address()).Logger(),
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Msg("Establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		// a late connection must not leak
		go func() {
			select {
			case client := <-connChan:
				_ = client.Close()
			case <-errChan:
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: !strings.Contains(err.Error(), "unable to authenticate"),
			IsAuthError: strings.Contains(err.Error(), "unable to authenticate"),
		}
	case client := <-connChan:
		c.client = client
		c.connectedAt = time.Now()
		if c.config.KeepAliveInterval > 0 {
			c.stopKeep = make(chan struct{})
			go c.keepAlive(client, c.stopKeep)
		}
		c.logger.Debug().Msg("SSH connection established")
		return nil
	}
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client == nil {
		return nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether the client holds a connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn().Err(err).Msg("Keep-alive failed")
				return
			}
		}
	}
}

func (c *Client) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

// Run executes cmd on the remote host.
func (c *Client) Run(ctx context.Context, cmd *Command) (*ExecResult, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if cmd.Sudo && cmd.SudoPassword != "" {
		session.Stdin = strings.NewReader(cmd.SudoPassword + "\n")
	}

	line := BuildCommandLine(cmd)
	c.logger.Debug().Bool("sudo", cmd.Sudo).Msg("Executing remote command")

	result := &ExecResult{StartedAt: time.Now()}
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		<-done
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	c.logger.Debug().
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("Remote command completed")

	if execErr != nil {
		if exitErr, ok := execErr.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, &TransportError{Op: "exec", Err: execErr, IsTemporary: true}
	}
	return result, nil
}

// BuildCommandLine renders cmd as a single line for the remote shell.
// Environment values are quoted; the sudo password is not part of the line.
func BuildCommandLine(cmd *Command) string {
	var b strings.Builder

	if cmd.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(tmpl.ShellQuote(cmd.Dir))
		b.WriteString(" && ")
	}

	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var env []string
	for _, k := range keys {
		env = append(env, k+"="+tmpl.ShellQuote(cmd.Env[k]))
	}

	if cmd.Sudo {
		b.WriteString("sudo ")
		if cmd.SudoPassword != "" {
			b.WriteString("-S -p '' ")
		} else {
			b.WriteString("-n ")
		}
	}
	if len(env) > 0 {
		b.WriteString("env ")
		b.WriteString(strings.Join(env, " "))
		b.WriteString(" ")
	}
	b.WriteString("sh -c ")
	b.WriteString(tmpl.ShellQuote(cmd.Line))
	return b.String()
}
