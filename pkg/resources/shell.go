package resources

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/transports"
)

// ShellParams describes a command with optional idempotence guards.
type ShellParams struct {
	Cmd     string            `json:"cmd" validate:"required"`
	Creates string            `json:"creates,omitempty" validate:"omitempty,startswith=/"`
	Removes string            `json:"removes,omitempty" validate:"omitempty,startswith=/"`
	Chdir   string            `json:"chdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Shell runs arbitrary commands. It has no observable state beyond the
// creates and removes paths.
type Shell struct{}

// SupportsDrift reports false: a command cannot be previewed.
func (Shell) SupportsDrift() bool { return false }

// Check is satisfied when creates exists or removes is absent.
func (Shell) Check(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ResourceState, error) {
	var p ShellParams
	if err := decodeParams("shell", params, &p); err != nil {
		return nil, err
	}

	if p.Creates != "" {
		exists, err := pathExists(ctx, t, p.Creates)
		if err != nil {
			return nil, err
		}
		if exists {
			return &engine.ResourceState{Skip: "creates path exists: " + p.Creates}, nil
		}
	}
	if p.Removes != "" {
		exists, err := pathExists(ctx, t, p.Removes)
		if err != nil {
			return nil, err
		}
		if !exists {
			return &engine.ResourceState{Skip: "removes path absent: " + p.Removes}, nil
		}
	}

	return &engine.ResourceState{
		Diff: []engine.Change{{Field: "command", Current: "", Desired: p.Cmd}},
	}, nil
}

// Apply runs the command. A non-zero exit is a failure.
func (Shell) Apply(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ActionResult, error) {
	var p ShellParams
	if err := decodeParams("shell", params, &p); err != nil {
		return nil, err
	}

	result, err := run(ctx, t, shellCommand(&p))
	if err != nil {
		return result, err
	}
	result.Message = "ran " + firstLine(p.Cmd)
	return result, nil
}

func shellCommand(p *ShellParams) string {
	var b strings.Builder
	if p.Chdir != "" {
		b.WriteString("cd " + transports.ShellQuote(p.Chdir) + " && ")
	}
	if len(p.Env) > 0 {
		keys := make([]string, 0, len(p.Env))
		for k := range p.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("env")
		for _, k := range keys {
			b.WriteString(" " + transports.ShellQuote(k+"="+p.Env[k]))
		}
		b.WriteString(" sh -c " + transports.ShellQuote(p.Cmd))
		return b.String()
	}
	b.WriteString(p.Cmd)
	return b.String()
}

func pathExists(ctx context.Context, t transports.Transport, path string) (bool, error) {
	_, err := t.Stat(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
