package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/stores"
	"github.com/openfroyo/froyo-play/pkg/transports"
	"github.com/openfroyo/froyo-play/pkg/transports/transporttest"
)

// fakeConnector hands out one fake transport per host.
type fakeConnector struct {
	mu    sync.Mutex
	hosts map[string]*transporttest.Fake
	fail  map[string]error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{hosts: make(map[string]*transporttest.Fake), fail: make(map[string]error)}
}

func (c *fakeConnector) Open(ctx context.Context, host Host) (transports.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[host.Name]; err != nil {
		return nil, err
	}
	f, ok := c.hosts[host.Name]
	if !ok {
		f = transporttest.NewFake()
		c.hosts[host.Name] = f
	}
	return f, nil
}

// convergingChecker keeps desired state per host: the first apply
// converges it, later checks match.
type convergingChecker struct {
	mu        sync.Mutex
	converged map[string]bool
	failOn    map[string]bool
	applied   []string
}

func newConvergingChecker() *convergingChecker {
	return &convergingChecker{converged: make(map[string]bool), failOn: make(map[string]bool)}
}

func key(params map[string]any) string {
	return fmt.Sprintf("%v/%v", params["host"], params["name"])
}

func (c *convergingChecker) Check(ctx context.Context, t transports.Transport, params map[string]any) (*ResourceState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.converged[key(params)] {
		return &ResourceState{Matches: true}, nil
	}
	return &ResourceState{Diff: []Change{{Field: "state", Current: "absent", Desired: "present"}}}, nil
}

func (c *convergingChecker) Apply(ctx context.Context, t transports.Transport, params map[string]any) (*ActionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(params)
	c.applied = append(c.applied, k)
	if c.failOn[k] {
		return nil, errors.New("apply failed")
	}
	c.converged[k] = true
	return &ActionResult{Message: "converged"}, nil
}

func (c *convergingChecker) SupportsDrift() bool { return true }

func (c *convergingChecker) appliedCount(k string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.applied {
		if a == k {
			n++
		}
	}
	return n
}

func testInventory() *Inventory {
	return &Inventory{
		Hosts: []Host{
			{Name: "web1", Labels: map[string]string{"role": "web"}, Vars: map[string]any{"role": "web"}},
			{Name: "web2", Labels: map[string]string{"role": "web"}, Vars: map[string]any{"role": "web"}},
			{Name: "db1", Labels: map[string]string{"role": "db"}, Vars: map[string]any{"role": "db"}},
		},
		Groups: map[string][]string{"webservers": {"web1", "web2"}},
	}
}

func res(name string) map[string]any {
	return map[string]any{"host": "{{ .inventory_hostname }}", "name": name}
}

func noFacts() *bool {
	b := false
	return &b
}

func newTestRunner(t *testing.T, config RunnerConfig, checker Checker, conn Connector, opts ...RunnerOption) *Runner {
	t.Helper()
	reg := NewCheckerRegistry()
	if err := reg.Register("res", checker); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	return NewRunner(config, reg, conn, zerolog.Nop(), opts...)
}

func TestRunner_Idempotence(t *testing.T) {
	checker := newConvergingChecker()
	runner := newTestRunner(t, RunnerConfig{}, checker, newFakeConnector())
	newPlan := func() *Plan {
		return &Plan{Name: "converge", Plays: []Play{{
			Name: "web", Hosts: []string{"webservers"}, GatherFacts: noFacts(),
			Tasks: []Task{
				{Name: "a", Kind: "res", Params: res("a")},
				{Name: "b", Kind: "res", Params: res("b")},
			},
		}}}
	}

	first, err := runner.Run(context.Background(), newPlan(), testInventory())
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if s := first.Summary(); s.Changed != 4 || s.Unchanged != 0 {
		t.Errorf("first run summary = %+v, want 4 changed", s)
	}

	second, err := runner.Run(context.Background(), newPlan(), testInventory())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if s := second.Summary(); s.Changed != 0 || s.Unchanged != 4 {
		t.Errorf("second run summary = %+v, want 4 unchanged", s)
	}
	if second.Status() != RunStatusSucceeded || second.ExitCode() != 0 {
		t.Errorf("second run status = %s exit=%d", second.Status(), second.ExitCode())
	}
}

func TestRunner_FatalFailureIsolatedToHost(t *testing.T) {
	checker := newConvergingChecker()
	checker.failOn["web1/a"] = true
	runner := newTestRunner(t, RunnerConfig{MaxParallel: 2}, checker, newFakeConnector())

	plan := &Plan{Name: "isolation", Plays: []Play{
		{
			Name: "first", Hosts: []string{"webservers"}, GatherFacts: noFacts(),
			Tasks: []Task{
				{Name: "a", Kind: "res", Params: res("a")},
				{Name: "b", Kind: "res", Params: res("b")},
			},
		},
		{
			Name: "second", Hosts: []string{"all"}, GatherFacts: noFacts(),
			Tasks: []Task{{Name: "c", Kind: "res", Params: res("c")}},
		},
	}}

	report, err := runner.Run(context.Background(), plan, testInventory())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	web1, _ := report.Host("web1")
	if !web1.Aborted || len(web1.Outcomes) != 1 {
		t.Errorf("web1: aborted=%v outcomes=%d, want aborted with 1 outcome", web1.Aborted, len(web1.Outcomes))
	}
	if checker.appliedCount("web1/b") != 0 || checker.appliedCount("web1/c") != 0 {
		t.Error("aborted host must not run later tasks or plays")
	}

	web2, _ := report.Host("web2")
	if web2.Aborted || len(web2.Outcomes) != 3 {
		t.Errorf("web2: aborted=%v outcomes=%d, want 3 outcomes", web2.Aborted, len(web2.Outcomes))
	}
	db1, _ := report.Host("db1")
	if db1.Aborted || len(db1.Outcomes) != 1 {
		t.Errorf("db1: aborted=%v outcomes=%d, want 1 outcome", db1.Aborted, len(db1.Outcomes))
	}

	if report.Status() != RunStatusFailed || report.ExitCode() != 1 {
		t.Errorf("status = %s exit = %d, want failed/1", report.Status(), report.ExitCode())
	}
	hosts := report.Hosts()
	if hosts[0].Host != "web1" || hosts[1].Host != "web2" || hosts[2].Host != "db1" {
		t.Errorf("host order = %s,%s,%s", hosts[0].Host, hosts[1].Host, hosts[2].Host)
	}
}

func TestRunner_IgnoredFailureContinues(t *testing.T) {
	checker := newConvergingChecker()
	checker.failOn["db1/a"] = true
	runner := newTestRunner(t, RunnerConfig{}, checker, newFakeConnector())

	plan := &Plan{Name: "ignore", Plays: []Play{{
		Name: "db", Hosts: []string{"role=db"}, GatherFacts: noFacts(),
		Tasks: []Task{
			{Name: "a", Kind: "res", Params: res("a"), FailurePolicy: FailurePolicyIgnore},
			{Name: "b", Kind: "res", Params: res("b")},
		},
	}}}

	report, err := runner.Run(context.Background(), plan, testInventory())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	s := report.Summary()
	if s.Ignored != 1 || s.Changed != 1 || s.Failed != 0 {
		t.Errorf("summary = %+v, want 1 ignored and 1 changed", s)
	}
	if !report.Success() {
		t.Error("ignored failures must not fail the run")
	}
}

func TestRunner_UnreachableHost(t *testing.T) {
	conn := newFakeConnector()
	conn.fail["web2"] = &transports.TransportError{Op: "connect", Err: errors.New("no route to host")}
	checker := newConvergingChecker()
	obs := &recordingObserver{}
	runner := newTestRunner(t, RunnerConfig{}, checker, conn, WithObservers(obs))

	plan := &Plan{Name: "reach", Plays: []Play{{
		Name: "all", Hosts: []string{"webservers"}, GatherFacts: noFacts(),
		Tasks: []Task{{Name: "a", Kind: "res", Params: res("a")}},
	}}}

	report, err := runner.Run(context.Background(), plan, testInventory())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	web2, _ := report.Host("web2")
	if !web2.Aborted || !web2.Unreachable {
		t.Errorf("web2 = %+v, want aborted and unreachable", web2)
	}
	if web1, _ := report.Host("web1"); len(web1.Outcomes) != 1 || web1.Aborted {
		t.Errorf("web1 should be unaffected: %+v", web1)
	}
	if obs.aborted["web2"] == nil || !IsKind(obs.aborted["web2"], ErrorKindHostUnreachable) {
		t.Errorf("observer abort = %v, want host_unreachable", obs.aborted["web2"])
	}
	if obs.started != 1 || obs.finished != 1 || len(obs.outcomes) != 1 {
		t.Errorf("observer calls: started=%d finished=%d outcomes=%d", obs.started, obs.finished, len(obs.outcomes))
	}
}

func TestRunner_GatherFailureAbortsHost(t *testing.T) {
	conn := newFakeConnector()
	broken := transporttest.NewFake()
	broken.On("", func(string) (*transports.ExecResult, error) {
		return nil, &transports.TransportError{Op: "session", Err: errors.New("EOF")}
	})
	conn.hosts["db1"] = broken
	runner := newTestRunner(t, RunnerConfig{}, newConvergingChecker(), conn)

	plan := &Plan{Name: "facts", Plays: []Play{{
		Name: "all", Hosts: []string{"all"},
		Tasks: []Task{{Name: "a", Kind: "res", Params: res("a")}},
	}}}

	report, err := runner.Run(context.Background(), plan, testInventory())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	db1, _ := report.Host("db1")
	if !db1.Aborted || !db1.Unreachable || len(db1.Outcomes) != 0 {
		t.Errorf("db1 = %+v, want unreachable with no outcomes", db1)
	}
	if s := report.Summary(); s.Changed != 2 || s.Aborted != 1 {
		t.Errorf("summary = %+v, want 2 changed and 1 aborted host", s)
	}
}

func TestRunner_TagsAndLimit(t *testing.T) {
	checker := newConvergingChecker()
	runner := newTestRunner(t, RunnerConfig{Tags: []string{"config"}, Limit: []string{"web2"}}, checker, newFakeConnector())

	plan := &Plan{Name: "filters", Plays: []Play{{
		Name: "web", Hosts: []string{"webservers"}, GatherFacts: noFacts(),
		Tasks: []Task{
			{Name: "pkg", Kind: "res", Params: res("pkg"), Tags: []string{"packages"}},
			{Name: "cfg", Kind: "res", Params: res("cfg"), Tags: []string{"config"}},
		},
	}}}

	report, err := runner.Run(context.Background(), plan, testInventory())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	hosts := report.Hosts()
	if len(hosts) != 1 || hosts[0].Host != "web2" {
		t.Fatalf("hosts = %+v, want only web2", hosts)
	}
	if len(hosts[0].Outcomes) != 1 || hosts[0].Outcomes[0].TaskName != "cfg" {
		t.Errorf("outcomes = %+v, want only cfg", hosts[0].Outcomes)
	}
}

func TestRunner_Cancelled(t *testing.T) {
	checker := newConvergingChecker()
	runner := newTestRunner(t, RunnerConfig{}, checker, newFakeConnector())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := &Plan{Name: "cancel", Plays: []Play{{
		Name: "web", Hosts: []string{"all"}, GatherFacts: noFacts(),
		Tasks: []Task{{Name: "a", Kind: "res", Params: res("a")}},
	}}}

	report, err := runner.Run(ctx, plan, testInventory())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Status() != RunStatusCancelled {
		t.Errorf("status = %s, want cancelled", report.Status())
	}
	if s := report.Summary(); s.Changed != 0 {
		t.Errorf("no task should run after cancellation, got %+v", s)
	}
}

func TestRunner_InvalidPlan(t *testing.T) {
	runner := newTestRunner(t, RunnerConfig{}, newConvergingChecker(), newFakeConnector())

	plan := &Plan{Name: "bad", Plays: []Play{{
		Name: "web", Hosts: []string{"nosuchgroup"},
		Tasks: []Task{{Name: "a", Kind: "res"}},
	}}}
	if _, err := runner.Run(context.Background(), plan, testInventory()); !IsKind(err, ErrorKindPlanInvalid) {
		t.Errorf("unknown selector: error = %v, want plan_invalid", err)
	}

	plan.Plays[0].Hosts = []string{"all"}
	plan.Plays[0].Tasks[0].Kind = "nope"
	if _, err := runner.Run(context.Background(), plan, testInventory()); !IsKind(err, ErrorKindPlanInvalid) {
		t.Errorf("unknown kind: error = %v, want plan_invalid", err)
	}
}

type staticVars map[string]any

func (s staticVars) Evaluate(ctx context.Context, script string, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	out["seen_role"] = vars["role"]
	return out, nil
}

func TestRunner_VarsScriptAndHostVars(t *testing.T) {
	checker := newConvergingChecker()
	runner := newTestRunner(t, RunnerConfig{}, checker, newFakeConnector(), WithVarsEvaluator(staticVars{"enable_cache": true}))

	plan := &Plan{Name: "vars", Plays: []Play{{
		Name: "all", Hosts: []string{"all"}, GatherFacts: noFacts(),
		VarsScript: "enable_cache = True",
		Tasks: []Task{
			{Name: "web only", Kind: "res", Params: res("w"), When: `role == "web" && enable_cache && seen_role == role`},
		},
	}}}

	report, err := runner.Run(context.Background(), plan, testInventory())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	s := report.Summary()
	if s.Changed != 2 || s.Skipped != 1 {
		t.Errorf("summary = %+v, want 2 changed (web) and 1 skipped (db)", s)
	}
}

func TestRunner_VarsScriptWithoutEvaluator(t *testing.T) {
	runner := newTestRunner(t, RunnerConfig{}, newConvergingChecker(), newFakeConnector())
	plan := &Plan{Name: "vars", Plays: []Play{{
		Name: "all", Hosts: []string{"db1"}, GatherFacts: noFacts(), VarsScript: "x = 1",
		Tasks: []Task{{Name: "a", Kind: "res", Params: res("a")}},
	}}}

	report, err := runner.Run(context.Background(), plan, testInventory())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if db1, _ := report.Host("db1"); !db1.Aborted {
		t.Error("host should abort when vars_script cannot be evaluated")
	}
}

func TestRunner_SecretsRedacted(t *testing.T) {
	checker := &mockChecker{
		drift: true,
		apply: func(_ int, params map[string]any) (*ActionResult, error) {
			return nil, fmt.Errorf("auth with %v refused", params["token"])
		},
	}
	reg := NewCheckerRegistry()
	if err := reg.Register("api", checker); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	runner := NewRunner(RunnerConfig{Secrets: map[string]string{"api_token": "tok-123"}}, reg, newFakeConnector(), zerolog.Nop())

	plan := &Plan{Name: "secrets", Plays: []Play{{
		Name: "db", Hosts: []string{"db1"}, GatherFacts: noFacts(),
		Tasks: []Task{{Name: "call", Kind: "api", Params: map[string]any{"token": "{{ .vault.api_token }}"}}},
	}}}

	report, err := runner.Run(context.Background(), plan, testInventory())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	db1, _ := report.Host("db1")
	if got := db1.Outcomes[0].Message; got == "" || strings.Contains(got, "tok-123") {
		t.Errorf("Message = %q, secret must be redacted", got)
	}
	if db1.Error == "" || strings.Contains(db1.Error, "tok-123") {
		t.Errorf("host error = %q, secret must be redacted", db1.Error)
	}
}

func TestRunner_StoreRecorder(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	checker := newConvergingChecker()
	checker.failOn["db1/a"] = true
	recorder := NewStoreRecorder(store, "site.yml", zerolog.Nop())
	runner := newTestRunner(t, RunnerConfig{}, checker, newFakeConnector(), WithObservers(recorder))

	plan := &Plan{Name: "recorded", Plays: []Play{{
		Name: "all", Hosts: []string{"all"}, GatherFacts: noFacts(),
		Tasks: []Task{{Name: "a", Kind: "res", Params: res("a")}},
	}}}
	report, err := runner.Run(ctx, plan, testInventory())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	run, err := store.GetRun(ctx, report.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != stores.RunStatusFailed || run.PlanPath != "site.yml" || run.CompletedAt == nil {
		t.Errorf("run = %+v", run)
	}

	outcomes, err := store.ListOutcomes(ctx, report.RunID, nil)
	if err != nil {
		t.Fatalf("ListOutcomes() error = %v", err)
	}
	if len(outcomes) != 3 {
		t.Errorf("outcomes = %d, want 3", len(outcomes))
	}

	runID := report.RunID
	events, err := store.GetEvents(ctx, &runID, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].Host == nil || *events[0].Host != "db1" {
		t.Errorf("events = %+v, want one abort event for db1", events)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	finished int
	outcomes []Outcome
	aborted  map[string]error
}

func (r *recordingObserver) RunStarted(ctx context.Context, report *RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingObserver) OutcomeRecorded(ctx context.Context, report *RunReport, seq int, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingObserver) HostAborted(ctx context.Context, report *RunReport, host string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted == nil {
		r.aborted = make(map[string]error)
	}
	r.aborted[host] = err
}

func (r *recordingObserver) RunFinished(ctx context.Context, report *RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

// failingVars fails the way a script does when it reports a variable in
// its error message.
type failingVars struct{}

func (failingVars) Evaluate(ctx context.Context, script string, vars map[string]any) (map[string]any, error) {
	vault, _ := vars["vault"].(map[string]any)
	return nil, fmt.Errorf("vars_script failed: fail: bad password %v", vault["admin_password"])
}

func TestRunner_VarsScriptErrorRedacted(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	const secret = "hunter2-admin-pw"
	observer := &recordingObserver{}
	runner := newTestRunner(t,
		RunnerConfig{Secrets: map[string]string{"admin_password": secret}},
		newConvergingChecker(), newFakeConnector(),
		WithVarsEvaluator(failingVars{}),
		WithObservers(NewStoreRecorder(store, "site.yml", zerolog.Nop()), observer),
	)

	plan := &Plan{Name: "vars", Plays: []Play{{
		Name: "web", Hosts: []string{"web1"}, GatherFacts: noFacts(),
		VarsScript: `fail("bad password " + vault["admin_password"])`,
		Tasks:      []Task{{Name: "a", Kind: "res", Params: res("a")}},
	}}}

	report, err := runner.Run(ctx, plan, testInventory())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	web1, _ := report.Host("web1")
	if !web1.Aborted || !strings.Contains(web1.Error, RedactedPlaceholder) {
		t.Errorf("host = %+v, want an aborted host with a redacted error", web1)
	}

	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), secret) {
		t.Errorf("secret in report JSON: %s", data)
	}

	abortErr := observer.aborted["web1"]
	if abortErr == nil || strings.Contains(abortErr.Error(), secret) {
		t.Errorf("observer error = %v", abortErr)
	}
	if !IsKind(abortErr, ErrorKindPlanInvalid) {
		t.Errorf("observer error kind = %q, want plan_invalid", KindOf(abortErr))
	}

	runID := report.RunID
	events, err := store.GetEvents(ctx, &runID, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if strings.Contains(events[0].Message, secret) {
		t.Errorf("secret in run log event: %s", events[0].Message)
	}
}
