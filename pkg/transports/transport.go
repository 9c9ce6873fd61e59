// Package transports defines how the engine reaches a target host.
//
// A Transport runs shell commands and moves file content. Implementations
// live in sub-packages: local (the machine running froyo-play) and ssh
// (remote hosts over SSH and SFTP).
package transports

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// Transport is a connection to one target host.
type Transport interface {
	// Connect establishes the connection. It is safe to call on an
	// already connected transport.
	Connect(ctx context.Context) error

	// Close releases the connection.
	Close() error

	// Name returns a short identifier such as "local" or "ssh".
	Name() string

	// Exec runs cmd through the host's shell. A non-zero exit code is
	// reported in the result, not as an error. The error is reserved for
	// failures to run the command at all.
	Exec(ctx context.Context, cmd string) (*ExecResult, error)

	// Stat returns file information. Missing paths yield an error
	// satisfying errors.Is(err, fs.ErrNotExist).
	Stat(ctx context.Context, path string) (fs.FileInfo, error)

	// ReadFile returns the full content of path.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces path with data and applies mode.
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error

	// Remove deletes path. Removing a missing path is not an error.
	Remove(ctx context.Context, path string) error

	// MkdirAll creates path and any missing parents.
	MkdirAll(ctx context.Context, path string, mode fs.FileMode) error

	// Chmod sets the permission bits of path.
	Chmod(ctx context.Context, path string, mode fs.FileMode) error
}

// ExecResult is the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// Success reports whether the command exited with status zero.
func (r *ExecResult) Success() bool {
	return r != nil && r.ExitCode == 0
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

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsConnectionError reports whether err came from establishing or using the
// connection itself rather than from the remote command.
func IsConnectionError(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Op == "connect" || te.Op == "session" || te.IsAuthError
}
