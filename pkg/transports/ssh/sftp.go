package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/openfroyo/froyo-play/pkg/transports"
)

// sftpClient returns the shared SFTP client, opening it on first use.
func (t *Transport) sftpClient() (*sftp.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil, &transports.TransportError{Op: "session", Err: errors.New("not connected")}
	}
	if t.sftp != nil {
		return t.sftp, nil
	}

	client, err := sftp.NewClient(t.client)
	if err != nil {
		return nil, &transports.TransportError{Op: "sftp", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	t.sftp = client
	return client, nil
}

// Stat returns file information for path. Under Become the path is
// inspected with sudo stat so that root-only directories can be seen
// into.
func (t *Transport) Stat(ctx context.Context, p string) (fs.FileInfo, error) {
	if t.config.Become {
		return execStat(ctx, t.Exec, p)
	}

	client, err := t.sftpClient()
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
		}
		return nil, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return info, nil
}

// missingExit is the status execStat's command exits with when the path
// does not exist.
const missingExit = 3

type execFunc func(ctx context.Context, cmd string) (*transports.ExecResult, error)

// execStat stats p with a shell command and maps a missing path to
// fs.ErrNotExist.
func execStat(ctx context.Context, exec execFunc, p string) (fs.FileInfo, error) {
	q := transports.ShellQuote(p)
	cmd := fmt.Sprintf("test -e %s || exit %d; stat -L -c '%%f %%s %%Y' -- %s", q, missingExit, q)
	res, err := exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode == missingExit {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	if !res.Success() {
		return nil, fmt.Errorf("failed to stat %s: exit %d: %s", p, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseStat(p, res.Stdout)
}

// parseStat reads "stat -c '%f %s %Y'" output: raw mode in hex, size and
// modification time in seconds.
func parseStat(p, out string) (fs.FileInfo, error) {
	fields := strings.Fields(out)
	if len(fields) != 3 {
		return nil, fmt.Errorf("failed to stat %s: unexpected output %q", p, out)
	}
	raw, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: bad mode %q", p, fields[0])
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: bad size %q", p, fields[1])
	}
	mtime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: bad mtime %q", p, fields[2])
	}

	mode := fs.FileMode(raw & 0o777)
	switch raw & 0o170000 {
	case 0o040000:
		mode |= fs.ModeDir
	case 0o120000:
		mode |= fs.ModeSymlink
	}
	return &statInfo{name: path.Base(p), size: size, mode: mode, modTime: time.Unix(mtime, 0)}, nil
}

type statInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func (i *statInfo) Name() string       { return i.name }
func (i *statInfo) Size() int64        { return i.size }
func (i *statInfo) Mode() fs.FileMode  { return i.mode }
func (i *statInfo) ModTime() time.Time { return i.modTime }
func (i *statInfo) IsDir() bool        { return i.mode.IsDir() }
func (i *statInfo) Sys() any           { return nil }

// ReadFile returns the content of path. Under Become the file is read
// with sudo cat.
func (t *Transport) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if t.config.Become {
		res, err := t.Exec(ctx, "cat "+transports.ShellQuote(p))
		if err != nil {
			return nil, err
		}
		if !res.Success() {
			return nil, fmt.Errorf("failed to read %s: %s", p, res.Stderr)
		}
		return []byte(res.Stdout), nil
	}

	client, err := t.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := client.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// WriteFile uploads data to a temporary file and moves it over path.
// Under Become the move runs through sudo so that root-owned targets
// can be replaced.
func (t *Transport) WriteFile(ctx context.Context, p string, data []byte, mode fs.FileMode) error {
	client, err := t.sftpClient()
	if err != nil {
		return err
	}

	tmpDir := path.Dir(p)
	if t.config.Become {
		tmpDir = "/tmp"
	}
	tmp := path.Join(tmpDir, ".froyo-"+uuid.New().String())

	f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = client.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if t.config.Become {
		cmd := fmt.Sprintf("chmod %o %s && mv -f %s %s",
			mode.Perm(), transports.ShellQuote(tmp), transports.ShellQuote(tmp), transports.ShellQuote(p))
		res, err := t.Exec(ctx, cmd)
		if err != nil {
			return err
		}
		if !res.Success() {
			_ = client.Remove(tmp)
			return fmt.Errorf("failed to move file into %s: %s", p, res.Stderr)
		}
		return nil
	}

	if err := client.Chmod(tmp, mode.Perm()); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("failed to set mode on %s: %w", p, err)
	}
	if err := client.PosixRename(tmp, p); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("failed to move file into %s: %w", p, err)
	}
	return nil
}

// Remove deletes path recursively.
func (t *Transport) Remove(ctx context.Context, p string) error {
	return t.runFileCommand(ctx, "rm -rf "+transports.ShellQuote(p), func(c *sftp.Client) error {
		if _, err := c.Stat(p); os.IsNotExist(err) {
			return nil
		}
		return c.RemoveAll(p)
	})
}

// MkdirAll creates path and its parents.
func (t *Transport) MkdirAll(ctx context.Context, p string, mode fs.FileMode) error {
	cmd := fmt.Sprintf("mkdir -p -m %o %s", mode.Perm(), transports.ShellQuote(p))
	return t.runFileCommand(ctx, cmd, func(c *sftp.Client) error {
		if err := c.MkdirAll(p); err != nil {
			return err
		}
		return c.Chmod(p, mode.Perm())
	})
}

// Chmod sets the permission bits of path.
func (t *Transport) Chmod(ctx context.Context, p string, mode fs.FileMode) error {
	cmd := fmt.Sprintf("chmod %o %s", mode.Perm(), transports.ShellQuote(p))
	return t.runFileCommand(ctx, cmd, func(c *sftp.Client) error {
		return c.Chmod(p, mode.Perm())
	})
}

// runFileCommand performs a metadata change through sudo under Become and
// through SFTP otherwise.
func (t *Transport) runFileCommand(ctx context.Context, cmd string, viaSFTP func(*sftp.Client) error) error {
	if t.config.Become {
		res, err := t.Exec(ctx, cmd)
		if err != nil {
			return err
		}
		if !res.Success() {
			return fmt.Errorf("%s: exit %d: %s", cmd, res.ExitCode, res.Stderr)
		}
		return nil
	}

	client, err := t.sftpClient()
	if err != nil {
		return err
	}
	if err := viaSFTP(client); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}
