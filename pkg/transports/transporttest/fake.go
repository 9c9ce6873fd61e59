// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/froyo-play/pkg/transports"
)

// File is an entry of the fake filesystem.
type File struct {
	Data  []byte
	Mode  fs.FileMode
	IsDir bool
}

type handler struct {
	match string
	fn    func(cmd string) (*transports.ExecResult, error)
}

// Fake is a scripted transport. Commands are matched against registered
// substrings in registration order; unmatched commands succeed with no
// output. Files live in memory.
type Fake struct {
	mu       sync.Mutex
	name     string
	files    map[string]*File
	handlers []handler
	commands []string

	// ConnectErr is returned by Connect when set.
	ConnectErr error

	// StatErr maps paths to errors returned by Stat.
	StatErr map[string]error
}

// NewFake creates an empty fake transport.
func NewFake() *Fake {
	return &Fake{
		name:    "fake",
		files:   make(map[string]*File),
		StatErr: make(map[string]error),
	}
}

// On registers fn for commands containing match.
func (f *Fake) On(match string, fn func(cmd string) (*transports.ExecResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler{match: match, fn: fn})
}

// OnResult registers a fixed response for commands containing match.
func (f *Fake) OnResult(match, stdout string, exitCode int) {
	f.On(match, func(string) (*transports.ExecResult, error) {
		return &transports.ExecResult{Stdout: stdout, ExitCode: exitCode}, nil
	})
}

// Commands returns every command passed to Exec so far.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// CountCommands returns how many executed commands contain match.
func (f *Fake) CountCommands(match string) int {
	n := 0
	for _, c := range f.Commands() {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}

// PutFile seeds the filesystem.
func (f *Fake) PutFile(p string, data []byte, mode fs.FileMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path.Clean(p)] = &File{Data: append([]byte(nil), data...), Mode: mode}
}

// GetFile returns a copy of the entry at p.
func (f *Fake) GetFile(p string) (File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path.Clean(p)]
	if !ok {
		return File{}, false
	}
	return File{Data: append([]byte(nil), file.Data...), Mode: file.Mode, IsDir: file.IsDir}, true
}

// Paths returns all known paths in sorted order.
func (f *Fake) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.files))
	for p := range f.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (f *Fake) Connect(ctx context.Context) error {
	if f.ConnectErr != nil {
		return &transports.TransportError{Op: "connect", Err: f.ConnectErr}
	}
	return nil
}

func (f *Fake) Close() error { return nil }

func (f *Fake) Name() string { return f.name }

func (f *Fake) Exec(ctx context.Context, cmd string) (*transports.ExecResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	handlers := append([]handler(nil), f.handlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		if strings.Contains(cmd, h.match) {
			res, err := h.fn(cmd)
			if res != nil && res.Duration == 0 {
				res.Duration = time.Millisecond
			}
			return res, err
		}
	}
	return &transports.ExecResult{Duration: time.Millisecond}, nil
}

func (f *Fake) Stat(ctx context.Context, p string) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	if err, ok := f.StatErr[p]; ok {
		return nil, err
	}
	file, ok := f.files[p]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	return fileInfo{name: path.Base(p), file: *file}, nil
}

func (f *Fake) ReadFile(ctx context.Context, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path.Clean(p)]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
	}
	if file.IsDir {
		return nil, fmt.Errorf("read %s: is a directory", p)
	}
	return append([]byte(nil), file.Data...), nil
}

func (f *Fake) WriteFile(ctx context.Context, p string, data []byte, mode fs.FileMode) error {
	f.PutFile(p, data, mode)
	return nil
}

func (f *Fake) Remove(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	for k := range f.files {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(f.files, k)
		}
	}
	return nil
}

func (f *Fake) MkdirAll(ctx context.Context, p string, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for dir := path.Clean(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		if _, ok := f.files[dir]; !ok {
			f.files[dir] = &File{Mode: mode, IsDir: true}
		}
	}
	return nil
}

func (f *Fake) Chmod(ctx context.Context, p string, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path.Clean(p)]
	if !ok {
		return &fs.PathError{Op: "chmod", Path: p, Err: fs.ErrNotExist}
	}
	file.Mode = mode
	return nil
}

type fileInfo struct {
	name string
	file File
}

func (i fileInfo) Name() string { return i.name }
func (i fileInfo) Size() int64  { return int64(len(i.file.Data)) }
func (i fileInfo) Mode() fs.FileMode {
	if i.file.IsDir {
		return i.file.Mode | fs.ModeDir
	}
	return i.file.Mode
}
func (i fileInfo) ModTime() time.Time { return time.Time{} }
func (i fileInfo) IsDir() bool        { return i.file.IsDir }
func (i fileInfo) Sys() any           { return nil }

var _ transports.Transport = (*Fake)(nil)
