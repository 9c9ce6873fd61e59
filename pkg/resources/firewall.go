package resources

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/transports"
)

// FirewallParams is a ufw rule.
type FirewallParams struct {
	Port  int    `json:"port" validate:"required,min=1,max=65535"`
	Proto string `json:"proto,omitempty" validate:"omitempty,oneof=tcp udp"`
	Rule  string `json:"rule,omitempty" validate:"omitempty,oneof=allow deny"`
	State string `json:"state,omitempty" validate:"omitempty,oneof=present absent"`
}

func (p *FirewallParams) spec() string {
	proto := p.Proto
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d/%s", p.Port, proto)
}

func (p *FirewallParams) rule() string {
	if p.Rule == "" {
		return "allow"
	}
	return p.Rule
}

func (p *FirewallParams) present() bool {
	return p.State != "absent"
}

// Firewall manages ufw rules.
type Firewall struct{}

// SupportsDrift reports true: added rules are listed by ufw show added.
func (Firewall) SupportsDrift() bool { return true }

// Check looks for the rule among the added user rules. Those are listed
// whether or not ufw is active.
func (Firewall) Check(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ResourceState, error) {
	var p FirewallParams
	if err := decodeParams("firewall", params, &p); err != nil {
		return nil, err
	}

	out, code, err := output(ctx, t, "ufw show added")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("ufw show added exited with status %d", code)
	}

	found := hasUFWRule(out, p.spec(), p.rule())
	current, desired := "absent", "absent"
	if found {
		current = "present"
	}
	if p.present() {
		desired = "present"
	}

	state := &engine.ResourceState{
		Current: map[string]any{"rule": p.rule() + " " + p.spec(), "state": current},
		Matches: current == desired,
	}
	if !state.Matches {
		state.Diff = []engine.Change{{Field: p.rule() + " " + p.spec(), Current: current, Desired: desired}}
	}
	return state, nil
}

// Apply adds or deletes the rule.
func (Firewall) Apply(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ActionResult, error) {
	var p FirewallParams
	if err := decodeParams("firewall", params, &p); err != nil {
		return nil, err
	}

	cmd := fmt.Sprintf("ufw %s %s", p.rule(), p.spec())
	if !p.present() {
		cmd = fmt.Sprintf("ufw delete %s %s", p.rule(), p.spec())
	}
	result, err := run(ctx, t, cmd)
	if err != nil {
		return result, fmt.Errorf("%s: %w", cmd, err)
	}
	result.Message = cmd
	return result, nil
}

// hasUFWRule scans "ufw show added" lines such as "ufw allow 22/tcp".
// Rules with extra qualifiers (from, to, comment) are different rules.
func hasUFWRule(added, spec, rule string) bool {
	for _, line := range strings.Split(added, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "ufw" {
			continue
		}
		if fields[1] == rule && fields[2] == spec {
			return true
		}
	}
	return false
}
