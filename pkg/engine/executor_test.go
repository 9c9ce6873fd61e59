package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/transports"
	"github.com/openfroyo/froyo-play/pkg/transports/transporttest"
)

// mockChecker records calls and returns scripted results.
type mockChecker struct {
	mu      sync.Mutex
	check   func(params map[string]any) (*ResourceState, error)
	apply   func(attempt int, params map[string]any) (*ActionResult, error)
	drift   bool
	checks  int
	applies int
	params  map[string]any
}

func (m *mockChecker) Check(ctx context.Context, t transports.Transport, params map[string]any) (*ResourceState, error) {
	m.mu.Lock()
	m.checks++
	m.params = params
	m.mu.Unlock()
	if m.check == nil {
		return &ResourceState{Diff: []Change{{Field: "state", Current: "absent", Desired: "present"}}}, nil
	}
	return m.check(params)
}

func (m *mockChecker) Apply(ctx context.Context, t transports.Transport, params map[string]any) (*ActionResult, error) {
	m.mu.Lock()
	m.applies++
	n := m.applies
	m.mu.Unlock()
	if m.apply == nil {
		return &ActionResult{Message: "done"}, nil
	}
	return m.apply(n, params)
}

func (m *mockChecker) SupportsDrift() bool { return m.drift }

func (m *mockChecker) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks, m.applies
}

func newTestExecutor(t *testing.T, checkMode bool, kinds map[string]Checker, secrets ...string) *Executor {
	t.Helper()
	reg := NewCheckerRegistry()
	for kind, c := range kinds {
		if err := reg.Register(kind, c); err != nil {
			t.Fatalf("Register(%s) error = %v", kind, err)
		}
	}
	return NewExecutor(reg, NewRedactor(secrets...), checkMode, zerolog.Nop())
}

func compiledTask(t *testing.T, task Task, extra ...string) *Task {
	t.Helper()
	plan := &Plan{Name: "p", Plays: []Play{{Name: "play", Hosts: []string{"all"}, Tasks: []Task{task}}}}
	if err := CompilePlan(plan, CompileOptions{ExtraNames: extra}); err != nil {
		t.Fatalf("CompilePlan() error = %v", err)
	}
	return &plan.Plays[0].Tasks[0]
}

func execute(e *Executor, task *Task, scope *Scope, facts *Facts, prior []Outcome) Outcome {
	target := Target{Host: "web1", Transport: transporttest.NewFake()}
	return e.Execute(context.Background(), target, "play", task, scope, facts, prior)
}

func TestExecutor_GuardFalseSkipsWithoutCheck(t *testing.T) {
	checker := &mockChecker{drift: true}
	e := newTestExecutor(t, false, map[string]Checker{"file": checker})
	task := compiledTask(t, Task{Name: "debian only", Kind: "file", When: `os_family == "Debian"`})
	facts := NewFacts("web1", map[string]FactValue{"os_family": StringFact("RedHat")})

	o := execute(e, task, NewScope(nil), facts, nil)

	if o.Status != OutcomeSkipped {
		t.Errorf("Status = %s, want skipped", o.Status)
	}
	if checks, applies := checker.counts(); checks != 0 || applies != 0 {
		t.Errorf("checker called %d/%d times, want 0/0", checks, applies)
	}
}

func TestExecutor_DeclaredButAbsentFactIsNil(t *testing.T) {
	checker := &mockChecker{drift: true}
	e := newTestExecutor(t, false, map[string]Checker{"file": checker})
	task := compiledTask(t, Task{Name: "t", Kind: "file", When: `os_family == "Debian"`})

	o := execute(e, task, NewScope(nil), NewFacts("web1", nil), nil)

	if o.Status != OutcomeSkipped {
		t.Errorf("Status = %s (%s), want skipped", o.Status, o.Message)
	}
}

func TestExecutor_UnverifiedGuardWithUndefinedName(t *testing.T) {
	checker := &mockChecker{drift: true}
	e := newTestExecutor(t, false, map[string]Checker{"file": checker})
	task := &Task{Name: "t", Kind: "file", When: "mystery", FailurePolicy: FailurePolicyIgnore}

	o := execute(e, task, NewScope(nil), nil, nil)

	if o.Status != OutcomeFailed || o.ErrorKind != ErrorKindGuardEvaluation {
		t.Fatalf("outcome = %s/%s, want failed/guard_evaluation_error", o.Status, o.ErrorKind)
	}
	if !o.Fatal() {
		t.Error("guard errors must be fatal regardless of failure policy")
	}
}

func TestExecutor_GuardSeesRegisteredOutcome(t *testing.T) {
	checker := &mockChecker{drift: true}
	e := newTestExecutor(t, false, map[string]Checker{"service": checker})
	plan := &Plan{Name: "p", Plays: []Play{{Name: "play", Hosts: []string{"all"}, Tasks: []Task{
		{Name: "install", Kind: "service", Register: "pkg"},
		{Name: "restart", Kind: "service", When: "pkg.changed"},
	}}}}
	if err := CompilePlan(plan, CompileOptions{}); err != nil {
		t.Fatalf("CompilePlan() error = %v", err)
	}
	restart := &plan.Plays[0].Tasks[1]

	prior := []Outcome{{TaskName: "install", Register: "pkg", Status: OutcomeUnchanged}}
	if o := execute(e, restart, NewScope(nil), nil, prior); o.Status != OutcomeSkipped {
		t.Errorf("with unchanged prior: Status = %s, want skipped", o.Status)
	}

	prior[0].Status = OutcomeChanged
	if o := execute(e, restart, NewScope(nil), nil, prior); o.Status != OutcomeChanged {
		t.Errorf("with changed prior: Status = %s, want changed", o.Status)
	}
}

func TestExecutor_CheckAndApply(t *testing.T) {
	tests := []struct {
		name        string
		checkMode   bool
		drift       bool
		state       *ResourceState
		wantStatus  OutcomeStatus
		wantApplies int
	}{
		{"in sync", false, true, &ResourceState{Matches: true}, OutcomeUnchanged, 0},
		{"drift applied", false, true, &ResourceState{Diff: []Change{{Field: "mode", Current: "0600", Desired: "0644"}}}, OutcomeChanged, 1},
		{"creates guard", false, false, &ResourceState{Skip: "creates path exists"}, OutcomeSkipped, 0},
		{"check mode drift", true, true, &ResourceState{Diff: []Change{{Field: "mode"}}}, OutcomeChanged, 0},
		{"check mode without drift support", true, false, &ResourceState{}, OutcomeSkipped, 0},
		{"check mode in sync", true, true, &ResourceState{Matches: true}, OutcomeUnchanged, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := tt.state
			checker := &mockChecker{drift: tt.drift, check: func(map[string]any) (*ResourceState, error) { return state, nil }}
			e := newTestExecutor(t, tt.checkMode, map[string]Checker{"file": checker})

			o := execute(e, &Task{Name: "t", Kind: "file"}, NewScope(nil), nil, nil)

			if o.Status != tt.wantStatus {
				t.Errorf("Status = %s (%s), want %s", o.Status, o.Message, tt.wantStatus)
			}
			if _, applies := checker.counts(); applies != tt.wantApplies {
				t.Errorf("applies = %d, want %d", applies, tt.wantApplies)
			}
			if o.Attempts != 1 {
				t.Errorf("Attempts = %d, want 1", o.Attempts)
			}
			if tt.wantStatus == OutcomeChanged && len(o.Diff) == 0 {
				t.Error("changed outcome should carry the diff")
			}
		})
	}
}

func TestExecutor_CheckFailureIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind ErrorKind
	}{
		{"permission denied", errors.New("permission denied"), ErrorKindCheckFailed},
		{"connection lost", &transports.TransportError{Op: "session", Err: errors.New("EOF")}, ErrorKindHostUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkErr := tt.err
			checker := &mockChecker{drift: true, check: func(map[string]any) (*ResourceState, error) { return nil, checkErr }}
			e := newTestExecutor(t, false, map[string]Checker{"file": checker})
			task := &Task{Name: "t", Kind: "file", FailurePolicy: FailurePolicyIgnore, Retry: &RetryPolicy{MaxAttempts: 3}}

			o := execute(e, task, NewScope(nil), nil, nil)

			if o.Status != OutcomeFailed || o.ErrorKind != tt.wantKind {
				t.Fatalf("outcome = %s/%s, want failed/%s", o.Status, o.ErrorKind, tt.wantKind)
			}
			if o.Ignored || !o.Fatal() {
				t.Error("check failures ignore the failure policy")
			}
			if checks, applies := checker.counts(); checks != 1 || applies != 0 {
				t.Errorf("checker called %d/%d times, want 1/0", checks, applies)
			}
		})
	}
}

func TestExecutor_RetryExhaustion(t *testing.T) {
	checker := &mockChecker{
		drift: true,
		apply: func(int, map[string]any) (*ActionResult, error) {
			return &ActionResult{RC: 7, Stderr: "port busy"}, errors.New("exit status 7")
		},
	}
	e := newTestExecutor(t, false, map[string]Checker{"shell": checker})
	task := &Task{Name: "start", Kind: "shell", Retry: &RetryPolicy{MaxAttempts: 3, Delay: Duration(time.Millisecond)}}

	o := execute(e, task, NewScope(nil), nil, nil)

	if _, applies := checker.counts(); applies != 3 {
		t.Errorf("applies = %d, want exactly 3", applies)
	}
	if o.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", o.Attempts)
	}
	if o.Status != OutcomeFailed || o.ErrorKind != ErrorKindActionFailed {
		t.Errorf("outcome = %s/%s, want failed/action_failed", o.Status, o.ErrorKind)
	}
	if o.RC != 7 || !strings.Contains(o.Message, "port busy") {
		t.Errorf("RC = %d, Message = %q", o.RC, o.Message)
	}
	if !o.Fatal() {
		t.Error("action failure under fatal policy should be fatal")
	}
}

func TestExecutor_RetryRecovers(t *testing.T) {
	checker := &mockChecker{
		drift: true,
		apply: func(n int, _ map[string]any) (*ActionResult, error) {
			if n < 2 {
				return nil, errors.New("not yet")
			}
			return &ActionResult{Message: "ready"}, nil
		},
	}
	e := newTestExecutor(t, false, map[string]Checker{"wait": checker})
	task := &Task{Name: "wait", Kind: "wait", Retry: &RetryPolicy{MaxAttempts: 5}}

	o := execute(e, task, NewScope(nil), nil, nil)

	if o.Status != OutcomeChanged || o.Attempts != 2 {
		t.Errorf("outcome = %s after %d attempts, want changed after 2", o.Status, o.Attempts)
	}
	if o.Message != "ready" {
		t.Errorf("Message = %q, want ready", o.Message)
	}
}

func TestExecutor_IgnorePolicy(t *testing.T) {
	checker := &mockChecker{
		drift: true,
		apply: func(int, map[string]any) (*ActionResult, error) { return nil, errors.New("boom") },
	}
	e := newTestExecutor(t, false, map[string]Checker{"shell": checker})

	o := execute(e, &Task{Name: "t", Kind: "shell", FailurePolicy: FailurePolicyIgnore}, NewScope(nil), nil, nil)

	if o.Status != OutcomeFailed || !o.Ignored {
		t.Errorf("outcome = %s ignored=%v, want failed ignored=true", o.Status, o.Ignored)
	}
	if o.Fatal() {
		t.Error("ignored failure must not be fatal")
	}
}

func TestExecutor_Redaction(t *testing.T) {
	checker := &mockChecker{
		drift: true,
		check: func(params map[string]any) (*ResourceState, error) {
			return &ResourceState{Diff: []Change{{Field: "content", Current: "", Desired: params["content"].(string)}}}, nil
		},
		apply: func(_ int, params map[string]any) (*ActionResult, error) {
			return &ActionResult{Stdout: "wrote " + params["content"].(string), Stderr: "login hunter2 rejected"}, errors.New("failed using hunter2")
		},
	}
	e := newTestExecutor(t, false, map[string]Checker{"file": checker}, "hunter2")
	task := &Task{Name: "t", Kind: "file", Params: map[string]any{"content": "password={{ .vault.db }}"}}
	scope := NewScope(map[string]any{"vault": map[string]any{"db": "hunter2"}})

	o := execute(e, task, scope, nil, nil)

	if checker.params["content"] != "password=hunter2" {
		t.Errorf("checker should receive the real secret, got %v", checker.params["content"])
	}
	for _, s := range []string{o.Message, o.Stdout, o.Diff[0].Desired} {
		if strings.Contains(s, "hunter2") {
			t.Errorf("secret leaked into outcome: %q", s)
		}
	}
	if !strings.Contains(o.Stdout, RedactedPlaceholder) {
		t.Errorf("Stdout = %q, want placeholder", o.Stdout)
	}
}

func TestExecutor_UnknownKindAndBadTemplate(t *testing.T) {
	e := newTestExecutor(t, false, map[string]Checker{"file": &mockChecker{}})

	o := execute(e, &Task{Name: "t", Kind: "teleport"}, NewScope(nil), nil, nil)
	if o.ErrorKind != ErrorKindPlanInvalid {
		t.Errorf("unknown kind: ErrorKind = %s, want plan_invalid", o.ErrorKind)
	}

	o = execute(e, &Task{Name: "t", Kind: "file", Params: map[string]any{"path": "{{ .nope }}"}}, NewScope(nil), nil, nil)
	if o.ErrorKind != ErrorKindPlanInvalid {
		t.Errorf("bad template: ErrorKind = %s, want plan_invalid", o.ErrorKind)
	}
}
