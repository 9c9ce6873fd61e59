package resources

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/transports"
)

// ServiceParams is the desired state of a systemd unit.
type ServiceParams struct {
	Name    string `json:"name" validate:"required"`
	State   string `json:"state,omitempty" validate:"omitempty,oneof=started stopped"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func decodeService(params map[string]any) (*ServiceParams, error) {
	var p ServiceParams
	if err := decodeParams("service", params, &p); err != nil {
		return nil, err
	}
	if p.State == "" && p.Enabled == nil {
		return nil, engine.NewPlanInvalidError("service params: one of state or enabled is required", nil)
	}
	return &p, nil
}

// Service starts, stops, enables and disables systemd units.
type Service struct{}

// SupportsDrift reports true: unit state is queried.
func (Service) SupportsDrift() bool { return true }

type unitStatus struct {
	active  bool
	enabled bool
}

func queryUnit(ctx context.Context, t transports.Transport, name string) (unitStatus, error) {
	quoted := transports.ShellQuote(name)
	active, code, err := output(ctx, t, "systemctl is-active "+quoted)
	if err != nil {
		return unitStatus{}, err
	}
	if code == commandNotFound {
		return unitStatus{}, fmt.Errorf("systemctl not available")
	}
	enabled, _, err := output(ctx, t, "systemctl is-enabled "+quoted)
	if err != nil {
		return unitStatus{}, err
	}
	return unitStatus{active: active == "active", enabled: enabled == "enabled"}, nil
}

// Check compares the unit's active and enabled state with params.
func (Service) Check(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ResourceState, error) {
	p, err := decodeService(params)
	if err != nil {
		return nil, err
	}
	status, err := queryUnit(ctx, t, p.Name)
	if err != nil {
		return nil, err
	}

	state := &engine.ResourceState{Current: map[string]any{"active": status.active, "enabled": status.enabled}}
	if p.State != "" {
		current := "stopped"
		if status.active {
			current = "started"
		}
		if current != p.State {
			state.Diff = append(state.Diff, engine.Change{Field: "state", Current: current, Desired: p.State})
		}
	}
	if p.Enabled != nil && *p.Enabled != status.enabled {
		state.Diff = append(state.Diff, engine.Change{
			Field:   "enabled",
			Current: strconv.FormatBool(status.enabled),
			Desired: strconv.FormatBool(*p.Enabled),
		})
	}
	state.Matches = len(state.Diff) == 0
	return state, nil
}

// Apply runs the systemctl verbs needed to reach the desired state.
func (Service) Apply(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ActionResult, error) {
	p, err := decodeService(params)
	if err != nil {
		return nil, err
	}
	status, err := queryUnit(ctx, t, p.Name)
	if err != nil {
		return nil, err
	}

	var verbs []string
	if p.Enabled != nil && *p.Enabled != status.enabled {
		if *p.Enabled {
			verbs = append(verbs, "enable")
		} else {
			verbs = append(verbs, "disable")
		}
	}
	switch {
	case p.State == "started" && !status.active:
		verbs = append(verbs, "start")
	case p.State == "stopped" && status.active:
		verbs = append(verbs, "stop")
	}

	result := &engine.ActionResult{}
	for _, verb := range verbs {
		res, err := run(ctx, t, fmt.Sprintf("systemctl %s %s", verb, transports.ShellQuote(p.Name)))
		if err != nil {
			return res, fmt.Errorf("systemctl %s %s: %w", verb, p.Name, err)
		}
		result.RC = res.RC
		result.Stdout = res.Stdout
	}
	result.Message = strings.Join(verbs, ", ")
	return result, nil
}
