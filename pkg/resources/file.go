package resources

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/transports"
)

// FileParams is the desired state of a file or directory.
type FileParams struct {
	Path    string   `json:"path" validate:"required,startswith=/"`
	Content *string  `json:"content,omitempty"`
	Mode    FileMode `json:"mode,omitempty"`
	State   string   `json:"state,omitempty" validate:"omitempty,oneof=present absent directory"`
}

func (p *FileParams) state() string {
	if p.State == "" {
		return "present"
	}
	return p.State
}

// File manages file content, mode and existence.
type File struct{}

// SupportsDrift reports true: every attribute is observable.
func (File) SupportsDrift() bool { return true }

// Check compares the file on the host with params.
func (File) Check(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ResourceState, error) {
	var p FileParams
	if err := decodeParams("file", params, &p); err != nil {
		return nil, err
	}

	info, err := t.Stat(ctx, p.Path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", p.Path, err)
	}

	state := &engine.ResourceState{Current: map[string]any{"exists": exists}}
	want := p.state()

	if !exists {
		if want == "absent" {
			state.Matches = true
			return state, nil
		}
		state.Diff = append(state.Diff, engine.Change{Field: "state", Current: "absent", Desired: want})
		if p.Content != nil {
			state.Diff = append(state.Diff, engine.Change{Field: "content", Current: "", Desired: checksum([]byte(*p.Content))})
		}
		return state, nil
	}

	current := "present"
	if info.IsDir() {
		current = "directory"
	}
	state.Current["state"] = current
	state.Current["mode"] = fmt.Sprintf("%04o", info.Mode().Perm())

	if want == "absent" {
		state.Diff = append(state.Diff, engine.Change{Field: "state", Current: current, Desired: "absent"})
		return state, nil
	}
	if current != want {
		state.Diff = append(state.Diff, engine.Change{Field: "state", Current: current, Desired: want})
		return state, nil
	}

	if p.Mode.Set && info.Mode().Perm() != p.Mode.Mode.Perm() {
		state.Diff = append(state.Diff, engine.Change{Field: "mode", Current: fmt.Sprintf("%04o", info.Mode().Perm()), Desired: p.Mode.String()})
	}

	if want == "present" && p.Content != nil {
		data, err := t.ReadFile(ctx, p.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p.Path, err)
		}
		have, desired := checksum(data), checksum([]byte(*p.Content))
		state.Current["checksum"] = have
		if have != desired {
			state.Diff = append(state.Diff, engine.Change{Field: "content", Current: have, Desired: desired})
		}
	}

	state.Matches = len(state.Diff) == 0
	return state, nil
}

// Apply writes, creates or removes the file.
func (File) Apply(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ActionResult, error) {
	var p FileParams
	if err := decodeParams("file", params, &p); err != nil {
		return nil, err
	}

	switch p.state() {
	case "absent":
		if err := t.Remove(ctx, p.Path); err != nil {
			return nil, fmt.Errorf("remove %s: %w", p.Path, err)
		}
		return &engine.ActionResult{Message: "removed " + p.Path}, nil

	case "directory":
		if info, err := t.Stat(ctx, p.Path); err == nil && !info.IsDir() {
			if err := t.Remove(ctx, p.Path); err != nil {
				return nil, fmt.Errorf("replace %s: %w", p.Path, err)
			}
		}
		if err := t.MkdirAll(ctx, p.Path, p.Mode.Or(0o755)); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", p.Path, err)
		}
		if p.Mode.Set {
			if err := t.Chmod(ctx, p.Path, p.Mode.Mode); err != nil {
				return nil, fmt.Errorf("chmod %s: %w", p.Path, err)
			}
		}
		return &engine.ActionResult{Message: "directory " + p.Path}, nil
	}

	info, statErr := t.Stat(ctx, p.Path)
	exists := statErr == nil
	if exists && info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", p.Path)
	}

	if p.Content == nil && exists {
		if p.Mode.Set {
			if err := t.Chmod(ctx, p.Path, p.Mode.Mode); err != nil {
				return nil, fmt.Errorf("chmod %s: %w", p.Path, err)
			}
		}
		return &engine.ActionResult{Message: "mode " + p.Mode.String()}, nil
	}

	if err := t.MkdirAll(ctx, path.Dir(p.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", path.Dir(p.Path), err)
	}

	var content []byte
	if p.Content != nil {
		content = []byte(*p.Content)
	}
	mode := fs.FileMode(0o644)
	if exists {
		mode = info.Mode().Perm()
	}
	mode = p.Mode.Or(mode)

	if err := t.WriteFile(ctx, p.Path, content, mode); err != nil {
		return nil, fmt.Errorf("write %s: %w", p.Path, err)
	}
	return &engine.ActionResult{Message: fmt.Sprintf("wrote %d bytes to %s", len(content), p.Path)}, nil
}

func checksum(data []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(data))
}
