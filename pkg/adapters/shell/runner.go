package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/freckles-io/freckles/pkg/transports/ssh"
)

// runner executes commands on one target.
type runner interface {
	Run(ctx context.Context, cmd *ssh.Command) (*ssh.ExecResult, error)
	Upload(ctx context.Context, content io.Reader, path string, mode os.FileMode) error
	Exists(ctx context.Context, path string) (bool, error)

	// ScriptDir is where scripts of the batch are written.
	ScriptDir() string

	Close() error
}

// localRunner runs commands with os/exec. A non-empty prefix wraps every
// command, e.g. `lxc exec <container> --`.
type localRunner struct {
	prefix    []string
	scriptDir string
}

func (r *localRunner) Run(ctx context.Context, c *ssh.Command) (*ssh.ExecResult, error) {
	// sudo and containers drop the caller's environment, so env is
	// inlined there and passed through the process environment otherwise
	inline := c.Sudo || len(r.prefix) > 0
	built := c
	if !inline {
		built = &ssh.Command{Line: c.Line, Dir: c.Dir}
	}

	args := append(append([]string(nil), r.prefix...), "sh", "-c", ssh.BuildCommandLine(built))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if !inline {
		cmd.Env = append(os.Environ(), envList(c.Env)...)
	}
	if c.Sudo && c.SudoPassword != "" {
		cmd.Stdin = bytes.NewBufferString(c.SudoPassword + "\n")
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := &ssh.ExecResult{StartedAt: time.Now()}
	err := cmd.Run()
	res.Duration = time.Since(res.StartedAt)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to execute command: %w", err)
	}
	return res, nil
}

func (r *localRunner) Upload(ctx context.Context, content io.Reader, path string, mode os.FileMode) error {
	if len(r.prefix) == 0 {
		return writeLocal(content, path, mode)
	}

	// containers get the file pushed from a local copy
	tmp, err := os.CreateTemp("", "freckles-script-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	container := r.prefix[2]
	out, err := exec.CommandContext(ctx, "lxc", "file", "push", "--create-dirs",
		fmt.Sprintf("--mode=%04o", mode.Perm()), tmp.Name(), container+path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("lxc file push: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

func (r *localRunner) Exists(ctx context.Context, path string) (bool, error) {
	if len(r.prefix) == 0 {
		_, err := os.Stat(path)
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	res, err := r.Run(ctx, &ssh.Command{Line: "test -e " + quote(path)})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (r *localRunner) ScriptDir() string { return r.scriptDir }

func (r *localRunner) Close() error { return nil }

// remoteRunner runs commands over an SSH transport.
type remoteRunner struct {
	transport ssh.Transport
	scriptDir string
}

func (r *remoteRunner) Run(ctx context.Context, c *ssh.Command) (*ssh.ExecResult, error) {
	return r.transport.Run(ctx, c)
}

func (r *remoteRunner) Upload(ctx context.Context, content io.Reader, path string, mode os.FileMode) error {
	return r.transport.Upload(ctx, content, path, mode)
}

func (r *remoteRunner) Exists(ctx context.Context, path string) (bool, error) {
	res, err := r.transport.Run(ctx, &ssh.Command{Line: "test -e " + quote(path)})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (r *remoteRunner) ScriptDir() string { return r.scriptDir }

func (r *remoteRunner) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rmErr := r.transport.Remove(ctx, r.scriptDir)
	if err := r.transport.Close(); err != nil {
		return err
	}
	return rmErr
}

func writeLocal(content io.Reader, path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
