package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/froyo-play/pkg/transports"
)

// Connector opens a connected transport to an inventory host.
type Connector interface {
	Open(ctx context.Context, host Host) (transports.Transport, error)
}

// VarsEvaluator computes play variables from a script. vars holds the
// variables already in scope.
type VarsEvaluator interface {
	Evaluate(ctx context.Context, script string, vars map[string]any) (map[string]any, error)
}

// Observer receives run progress. Calls for one host arrive in order;
// calls for different hosts may be concurrent.
type Observer interface {
	RunStarted(ctx context.Context, report *RunReport)
	OutcomeRecorded(ctx context.Context, report *RunReport, seq int, outcome Outcome)
	HostAborted(ctx context.Context, report *RunReport, host string, err error)
	RunFinished(ctx context.Context, report *RunReport)
}

// RunnerConfig holds per-run options.
type RunnerConfig struct {
	// MaxParallel bounds the number of hosts worked on at once.
	MaxParallel int

	// Tags restricts the run to tasks carrying one of them.
	Tags []string

	// Limit restricts the run to these inventory hosts.
	Limit []string

	// CheckMode reports drift without applying changes.
	CheckMode bool

	// Secrets are exposed as vault.<name> and scrubbed from every
	// diagnostic.
	Secrets map[string]string
}

// RunnerOption configures optional collaborators.
type RunnerOption func(*Runner)

// WithFactStore shares a fact store between runs.
func WithFactStore(facts *FactStore) RunnerOption {
	return func(r *Runner) { r.facts = facts }
}

// WithVarsEvaluator enables vars_script in plays.
func WithVarsEvaluator(v VarsEvaluator) RunnerOption {
	return func(r *Runner) { r.vars = v }
}

// WithObservers adds progress observers.
func WithObservers(observers ...Observer) RunnerOption {
	return func(r *Runner) { r.observers = append(r.observers, observers...) }
}

// WithRedactor shares a redactor with other components, such as a vars
// evaluator that logs script output. The runner registers its secrets
// with it.
func WithRedactor(red *Redactor) RunnerOption {
	return func(r *Runner) { r.redactor = red }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// Runner drives a plan across an inventory. Hosts run in parallel; plays
// and tasks for one host run strictly in order.
type Runner struct {
	config    RunnerConfig
	checkers  *CheckerRegistry
	connector Connector
	facts     *FactStore
	vars      VarsEvaluator
	observers []Observer
	redactor  *Redactor
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(config RunnerConfig, checkers *CheckerRegistry, connector Connector, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	if config.MaxParallel <= 0 {
		config.MaxParallel = 10
	}
	r := &Runner{
		config:    config,
		checkers:  checkers,
		connector: connector,
		tracer:    otel.Tracer("github.com/openfroyo/froyo-play/pkg/engine"),
		logger:    logger.With().Str("component", "runner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.facts == nil {
		r.facts = NewFactStore(nil, logger)
	}
	if r.redactor == nil {
		r.redactor = NewRedactor()
	}
	for _, value := range config.Secrets {
		r.redactor.Add(value)
	}
	return r
}

// hostWork is the ordered list of plays one host takes part in.
type hostWork struct {
	host  Host
	plays []*Play
}

// Run compiles plan against inv and executes it. The returned error is
// non-nil only when the run could not start; task failures are reported
// in the RunReport.
func (r *Runner) Run(ctx context.Context, plan *Plan, inv *Inventory) (*RunReport, error) {
	if err := CompilePlan(plan, r.CompileOptions(inv)); err != nil {
		return nil, err
	}

	work, err := r.schedule(plan, inv)
	if err != nil {
		return nil, err
	}

	report := NewRunReport(plan.Name, r.config.CheckMode)
	for _, w := range work {
		report.AddHost(w.host.Name)
	}

	ctx, span := r.tracer.Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", report.RunID),
			attribute.String("plan.name", plan.Name),
			attribute.Bool("run.check_mode", r.config.CheckMode),
			attribute.Int("run.hosts", len(work)),
		))
	defer span.End()

	logger := r.logger.With().Str("run_id", report.RunID).Str("plan", plan.Name).Logger()
	logger.Info().Int("hosts", len(work)).Bool("check_mode", r.config.CheckMode).Msg("Run started")

	for _, o := range r.observers {
		o.RunStarted(ctx, report)
	}

	vault := make(map[string]any, len(r.config.Secrets))
	for name, value := range r.config.Secrets {
		vault[name] = value
	}
	root := NewScope(plan.Vars).With(map[string]any{"vault": vault})
	executor := NewExecutor(r.checkers, r.redactor, r.config.CheckMode, r.logger)

	var g errgroup.Group
	g.SetLimit(r.config.MaxParallel)
	for _, w := range work {
		g.Go(func() error {
			r.runHost(ctx, report, executor, root, inv, w)
			return nil
		})
	}
	_ = g.Wait()

	status := RunStatusSucceeded
	switch {
	case ctx.Err() != nil:
		status = RunStatusCancelled
	case !report.Success():
		status = RunStatusFailed
	}
	report.Finish(status)

	summary := report.Summary()
	span.SetAttributes(attribute.String("run.status", string(status)))
	if status != RunStatusSucceeded {
		span.SetStatus(codes.Error, string(status))
	}
	logger.Info().
		Str("status", string(status)).
		Int("changed", summary.Changed).
		Int("unchanged", summary.Unchanged).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int("ignored", summary.Ignored).
		Int("aborted_hosts", summary.Aborted).
		Msg("Run finished")

	for _, o := range r.observers {
		o.RunFinished(ctx, report)
	}

	return report, nil
}

// CompileOptions returns the options Run compiles plans with, so that
// validation without running sees the same declared names.
func (r *Runner) CompileOptions(inv *Inventory) CompileOptions {
	return CompileOptionsFor(r.checkers, inv)
}

// CompileOptionsFor declares every inventory host variable plus the
// names the runner always defines.
func CompileOptionsFor(checkers *CheckerRegistry, inv *Inventory) CompileOptions {
	seen := map[string]bool{"vault": true, "inventory_hostname": true, "group_names": true}
	if inv != nil {
		for _, h := range inv.Hosts {
			for k := range h.Vars {
				seen[k] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)

	opts := CompileOptions{ExtraNames: names}
	if checkers != nil {
		opts.KnownKind = func(kind string) bool {
			_, ok := checkers.Get(kind)
			return ok
		}
	}
	return opts
}

// schedule resolves every play's selector and groups plays by host,
// keeping hosts in first-seen order and plays in declared order.
func (r *Runner) schedule(plan *Plan, inv *Inventory) ([]*hostWork, error) {
	var order []*hostWork
	byHost := make(map[string]*hostWork)

	for i := range plan.Plays {
		play := &plan.Plays[i]
		hosts, err := inv.Select(play.Hosts, r.config.Limit)
		if err != nil {
			return nil, NewPlanInvalidError(fmt.Sprintf("play %q", play.Name), err)
		}
		if len(hosts) == 0 {
			r.logger.Warn().Str("play", play.Name).Strs("hosts", play.Hosts).Msg("Play matched no hosts")
		}
		for _, h := range hosts {
			w, ok := byHost[h.Name]
			if !ok {
				w = &hostWork{host: h}
				byHost[h.Name] = w
				order = append(order, w)
			}
			w.plays = append(w.plays, play)
		}
	}

	return order, nil
}

// runHost works through one host's plays. It stops at the first fatal
// outcome and leaves other hosts alone.
func (r *Runner) runHost(ctx context.Context, report *RunReport, executor *Executor, root *Scope, inv *Inventory, w *hostWork) {
	host := w.host
	ctx, span := r.tracer.Start(ctx, "host", trace.WithAttributes(attribute.String("host.name", host.Name)))
	defer span.End()

	logger := r.logger.With().Str("run_id", report.RunID).Str("host", host.Name).Logger()

	abort := func(err error, unreachable bool) {
		err = r.redactor.RedactError(err)
		report.AbortHost(host.Name, err, unreachable)
		span.RecordError(err)
		span.SetStatus(codes.Error, "host aborted")
		logger.Error().Err(err).Msg("Host aborted")
		for _, o := range r.observers {
			o.HostAborted(ctx, report, host.Name, err)
		}
	}

	if ctx.Err() != nil {
		return
	}

	t, err := r.connector.Open(ctx, host)
	if err != nil {
		abort(NewHostUnreachableError(host.Name, err), true)
		return
	}
	defer func() {
		if err := t.Close(); err != nil {
			logger.Debug().Err(err).Msg("Closing transport")
		}
	}()
	target := Target{Host: host.Name, Transport: t}

	hostScope := root.With(host.Vars).With(map[string]any{
		"inventory_hostname": host.Name,
		"group_names":        inv.GroupsOf(host.Name),
	})

	var prior []Outcome
	for _, play := range w.plays {
		playScope := hostScope.With(play.Vars)
		if play.VarsScript != "" {
			computed, err := r.evaluateVars(ctx, play, playScope)
			if err != nil {
				abort(err, false)
				return
			}
			playScope = playScope.With(computed)
		}

		var facts *Facts
		if play.ShouldGatherFacts() {
			facts, err = r.facts.Gather(ctx, host.Name, t)
			if err != nil {
				abort(err, IsKind(err, ErrorKindHostUnreachable))
				return
			}
		} else {
			facts, _ = r.facts.Cached(host.Name)
		}

		for i := range play.Tasks {
			task := &play.Tasks[i]
			if !task.HasTag(r.config.Tags) {
				continue
			}
			if ctx.Err() != nil {
				logger.Warn().Str("play", play.Name).Msg("Run cancelled, stopping host")
				return
			}

			outcome := r.runTask(ctx, executor, target, play, task, playScope, facts, prior)
			prior = append(prior, outcome)
			seq := report.Append(outcome)
			for _, o := range r.observers {
				o.OutcomeRecorded(ctx, report, seq, outcome)
			}

			if outcome.Fatal() {
				err := NewExecError(outcome.ErrorKind, outcome.Message, nil).WithTask(task.Name).WithHost(host.Name)
				abort(err, outcome.ErrorKind == ErrorKindHostUnreachable)
				return
			}
		}
	}
}

func (r *Runner) runTask(ctx context.Context, executor *Executor, target Target, play *Play, task *Task, scope *Scope, facts *Facts, prior []Outcome) Outcome {
	ctx, span := r.tracer.Start(ctx, "task", trace.WithAttributes(
		attribute.String("host.name", target.Host),
		attribute.String("play.name", play.Name),
		attribute.String("task.name", task.Name),
		attribute.String("task.kind", task.Kind),
	))
	defer span.End()

	outcome := executor.Execute(ctx, target, play.Name, task, scope.With(task.Vars), facts, prior)

	span.SetAttributes(
		attribute.String("task.status", string(outcome.Status)),
		attribute.Int("task.attempts", outcome.Attempts),
	)
	if outcome.Status == OutcomeFailed {
		span.SetStatus(codes.Error, outcome.Message)
	}
	return outcome
}

func (r *Runner) evaluateVars(ctx context.Context, play *Play, scope *Scope) (map[string]any, error) {
	if r.vars == nil {
		return nil, NewPlanInvalidError(fmt.Sprintf("play %q has vars_script but no evaluator is configured", play.Name), nil)
	}
	computed, err := r.vars.Evaluate(ctx, play.VarsScript, scope.Flatten())
	if err != nil {
		var execErr *ExecError
		if errors.As(err, &execErr) {
			return nil, err
		}
		return nil, NewPlanInvalidError(fmt.Sprintf("play %q vars_script", play.Name), err)
	}
	return computed, nil
}
