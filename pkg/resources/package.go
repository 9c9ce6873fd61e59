package resources

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/transports"
)

// PackageParams is the desired state of an OS package.
type PackageParams struct {
	Name    string `json:"name" validate:"required"`
	State   string `json:"state,omitempty" validate:"omitempty,oneof=present absent"`
	Manager string `json:"manager,omitempty" validate:"omitempty,oneof=apt dnf yum"`
}

func (p *PackageParams) state() string {
	if p.State == "" {
		return "present"
	}
	return p.State
}

const detectManagerCmd = `if command -v dpkg-query >/dev/null 2>&1; then echo apt; ` +
	`elif command -v dnf >/dev/null 2>&1; then echo dnf; ` +
	`elif command -v yum >/dev/null 2>&1; then echo yum; fi`

// Package installs or removes packages with apt, dnf or yum.
type Package struct{}

// SupportsDrift reports true: installation state is queried.
func (Package) SupportsDrift() bool { return true }

// Check queries the package database.
func (Package) Check(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ResourceState, error) {
	var p PackageParams
	if err := decodeParams("package", params, &p); err != nil {
		return nil, err
	}
	manager, err := packageManager(ctx, t, p.Manager)
	if err != nil {
		return nil, err
	}

	installed, version, err := packageInstalled(ctx, t, manager, p.Name)
	if err != nil {
		return nil, err
	}

	current := "absent"
	if installed {
		current = "present"
	}
	state := &engine.ResourceState{
		Current: map[string]any{"state": current, "version": version, "manager": manager},
		Matches: current == p.state(),
	}
	if !state.Matches {
		state.Diff = []engine.Change{{Field: "state", Current: current, Desired: p.state()}}
	}
	return state, nil
}

// Apply installs or removes the package.
func (Package) Apply(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ActionResult, error) {
	var p PackageParams
	if err := decodeParams("package", params, &p); err != nil {
		return nil, err
	}
	manager, err := packageManager(ctx, t, p.Manager)
	if err != nil {
		return nil, err
	}

	verb := "install"
	if p.state() == "absent" {
		verb = "remove"
	}
	name := transports.ShellQuote(p.Name)

	var cmd string
	switch manager {
	case "apt":
		cmd = fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get %s -y -q %s", verb, name)
	default:
		cmd = fmt.Sprintf("%s %s -y -q %s", manager, verb, name)
	}

	result, err := run(ctx, t, cmd)
	if err != nil {
		return result, fmt.Errorf("%s %s: %w", verb, p.Name, err)
	}
	result.Message = fmt.Sprintf("%sed %s", strings.TrimSuffix(verb, "e"), p.Name)
	return result, nil
}

func packageManager(ctx context.Context, t transports.Transport, declared string) (string, error) {
	if declared != "" {
		return declared, nil
	}
	out, _, err := output(ctx, t, detectManagerCmd)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("no supported package manager found")
	}
	return out, nil
}

func packageInstalled(ctx context.Context, t transports.Transport, manager, name string) (bool, string, error) {
	quoted := transports.ShellQuote(name)
	switch manager {
	case "apt":
		out, code, err := output(ctx, t, fmt.Sprintf(`dpkg-query -W -f='${Status} ${Version}' %s 2>/dev/null`, quoted))
		if err != nil {
			return false, "", err
		}
		if code != 0 || !strings.HasPrefix(out, "install ok installed") {
			return false, "", nil
		}
		return true, strings.TrimSpace(strings.TrimPrefix(out, "install ok installed")), nil
	case "dnf", "yum":
		out, code, err := output(ctx, t, fmt.Sprintf(`rpm -q --queryformat '%%{VERSION}-%%{RELEASE}' %s`, quoted))
		if err != nil {
			return false, "", err
		}
		if code != 0 {
			return false, "", nil
		}
		return true, out, nil
	default:
		return false, "", fmt.Errorf("unsupported package manager: %s", manager)
	}
}
