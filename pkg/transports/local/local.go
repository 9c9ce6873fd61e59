// Package local implements a transport that acts on the machine running
// froyo-play.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/transports"
)

// Config configures the local transport.
type Config struct {
	// Shell is the interpreter used for Exec. Defaults to /bin/sh.
	Shell string

	// Become runs commands through sudo.
	Become bool
}

// Transport runs commands with os/exec and touches files directly.
type Transport struct {
	config Config
	logger zerolog.Logger
}

// New creates a local transport.
func New(config Config, logger zerolog.Logger) *Transport {
	if config.Shell == "" {
		config.Shell = "/bin/sh"
	}
	return &Transport{
		config: config,
		logger: logger.With().Str("component", "local_transport").Logger(),
	}
}

// Connect is a no-op for the local machine.
func (t *Transport) Connect(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op for the local machine.
func (t *Transport) Close() error {
	return nil
}

// Name returns "local".
func (t *Transport) Name() string {
	return "local"
}

// Exec runs cmd with the configured shell.
func (t *Transport) Exec(ctx context.Context, cmd string) (*transports.ExecResult, error) {
	args := []string{t.config.Shell, "-c", cmd}
	if t.config.Become {
		args = append([]string{"sudo", "-n"}, args...)
	}

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	result := &transports.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			t.logger.Debug().Str("cmd", cmd).Int("exit_code", result.ExitCode).Msg("Command exited non-zero")
			return result, nil
		}
		return nil, &transports.TransportError{Op: "exec", Err: err}
	}

	t.logger.Debug().Str("cmd", cmd).Dur("duration", result.Duration).Msg("Command completed")
	return result, nil
}

// Stat returns file information for path.
func (t *Transport) Stat(ctx context.Context, path string) (fs.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info, nil
}

// ReadFile reads path.
func (t *Transport) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile writes data to a temporary sibling and renames it over path.
func (t *Transport) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".froyo-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move file into %s: %w", path, err)
	}
	return nil
}

// Remove deletes path and anything below it.
func (t *Transport) Remove(ctx context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// MkdirAll creates path and its parents.
func (t *Transport) MkdirAll(ctx context.Context, path string, mode fs.FileMode) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// Chmod sets the permission bits of path.
func (t *Transport) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	return nil
}

var _ transports.Transport = (*Transport)(nil)
