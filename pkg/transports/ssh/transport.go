// Package ssh runs commands and copies files on remote targets.
package ssh

import (
	"context"
	"io"
	"os"
	"time"
)

// Transport is a connection to one remote host.
type Transport interface {
	// Connect establishes the connection. Calling it on a live connection
	// is a no-op.
	Connect(ctx context.Context) error

	// Close releases the connection.
	Close() error

	// Run executes cmd. A non-zero exit status is reported in the result,
	// the error is reserved for transport failures.
	Run(ctx context.Context, cmd *Command) (*ExecResult, error)

	// Upload writes content to remotePath, creating parent directories.
	Upload(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error

	// Remove deletes remotePath recursively.
	Remove(ctx context.Context, remotePath string) error
}

// Command is a shell command line to run remotely.
type Command struct {
	// Line is passed to `sh -c`.
	Line string

	// Env is exported before Line runs.
	Env map[string]string

	// Dir is the working directory, empty for the login directory.
	Dir string

	// Sudo runs the command through sudo.
	Sudo bool

	// SudoPassword is written to sudo's stdin, never to the command line.
	SudoPassword string
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// StartedAt is when the command started executing
	StartedAt time.Time

	// Duration is the total execution time
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
