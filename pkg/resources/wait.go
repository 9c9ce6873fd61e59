package resources

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/transports"
)

// WaitParams describes a TCP endpoint to wait for, as seen from the
// target host.
type WaitParams struct {
	Host     string          `json:"host,omitempty"`
	Port     int             `json:"port" validate:"required,min=1,max=65535"`
	State    string          `json:"state,omitempty" validate:"omitempty,oneof=started stopped"`
	Timeout  engine.Duration `json:"timeout,omitempty"`
	Interval engine.Duration `json:"interval,omitempty"`
}

func (p *WaitParams) host() string {
	if p.Host == "" {
		return "127.0.0.1"
	}
	return p.Host
}

func (p *WaitParams) wantOpen() bool {
	return p.State != "stopped"
}

// Wait blocks until a port opens or closes. It dials from the target
// with bash's /dev/tcp so no extra tools are needed there.
type Wait struct{}

// SupportsDrift reports false: waiting has no effect to preview.
func (Wait) SupportsDrift() bool { return false }

func portOpen(ctx context.Context, t transports.Transport, p *WaitParams) (bool, error) {
	cmd := fmt.Sprintf("timeout 2 bash -c %s",
		transports.ShellQuote(fmt.Sprintf("exec 3<>/dev/tcp/%s/%d", p.host(), p.Port)))
	_, code, err := output(ctx, t, cmd)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// Check dials the endpoint once.
func (Wait) Check(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ResourceState, error) {
	var p WaitParams
	if err := decodeParams("wait", params, &p); err != nil {
		return nil, err
	}
	open, err := portOpen(ctx, t, &p)
	if err != nil {
		return nil, err
	}
	if open == p.wantOpen() {
		return &engine.ResourceState{Matches: true, Current: map[string]any{"open": open}}, nil
	}
	return &engine.ResourceState{
		Current: map[string]any{"open": open},
		Diff:    []engine.Change{{Field: fmt.Sprintf("%s:%d", p.host(), p.Port), Current: portState(open), Desired: portState(p.wantOpen())}},
	}, nil
}

// Apply polls until the endpoint reaches the desired state or the
// timeout passes.
func (Wait) Apply(ctx context.Context, t transports.Transport, params map[string]any) (*engine.ActionResult, error) {
	var p WaitParams
	if err := decodeParams("wait", params, &p); err != nil {
		return nil, err
	}

	timeout := p.Timeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interval := p.Interval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	attempts := int(timeout / interval)
	if attempts < 1 {
		attempts = 1
	}

	var dialErr error
	start := time.Now()
	ok := engine.Poll(ctx, func(ctx context.Context, attempt int) bool {
		open, err := portOpen(ctx, t, &p)
		if err != nil {
			dialErr = err
			return true
		}
		return open == p.wantOpen()
	}, attempts, interval)
	if dialErr != nil {
		return nil, dialErr
	}

	endpoint := fmt.Sprintf("%s:%d", p.host(), p.Port)
	if !ok {
		return nil, fmt.Errorf("timed out after %s waiting for %s to be %s", timeout, endpoint, portState(p.wantOpen()))
	}
	return &engine.ActionResult{Message: fmt.Sprintf("%s %s after %s", endpoint, portState(p.wantOpen()), time.Since(start).Round(time.Millisecond))}, nil
}

func portState(open bool) string {
	if open {
		return "open"
	}
	return "closed"
}
