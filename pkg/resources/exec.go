package resources

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/transports"
)

// run executes cmd and turns a non-zero exit into an error carrying the
// command's output.
func run(ctx context.Context, t transports.Transport, cmd string) (*engine.ActionResult, error) {
	res, err := t.Exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	result := &engine.ActionResult{
		Stdout: strings.TrimRight(res.Stdout, "\n"),
		Stderr: strings.TrimRight(res.Stderr, "\n"),
		RC:     res.ExitCode,
	}
	if !res.Success() {
		return result, fmt.Errorf("command exited with status %d", res.ExitCode)
	}
	return result, nil
}

// output executes a read-only query and returns trimmed stdout and the
// exit code. Only transport failures are errors.
func output(ctx context.Context, t transports.Transport, cmd string) (string, int, error) {
	res, err := t.Exec(ctx, cmd)
	if err != nil {
		return "", 0, err
	}
	return strings.TrimSpace(res.Stdout), res.ExitCode, nil
}

// commandNotFound is the shell's exit status for a missing program.
const commandNotFound = 127
