package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/transports"
)

// Target is a host together with an open transport to it.
type Target struct {
	Host      string
	Transport transports.Transport
}

// Executor runs a single task against a single host.
type Executor struct {
	checkers  *CheckerRegistry
	redactor  *Redactor
	checkMode bool
	logger    zerolog.Logger
}

// NewExecutor creates an executor. In check mode corrective actions are
// never applied; drift is reported as a change instead.
func NewExecutor(checkers *CheckerRegistry, redactor *Redactor, checkMode bool, logger zerolog.Logger) *Executor {
	if redactor == nil {
		redactor = NewRedactor()
	}
	return &Executor{
		checkers:  checkers,
		redactor:  redactor,
		checkMode: checkMode,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// attemptResult is the result of one check/action attempt.
type attemptResult struct {
	status  OutcomeStatus
	message string
	diff    []Change
	err     *ExecError
	rc      int
	stdout  string
}

// retryable reports whether another attempt may change the result.
func (r *attemptResult) retryable() bool {
	return r.status == OutcomeFailed && r.err != nil && r.err.Kind == ErrorKindActionFailed
}

// Execute evaluates the task's guard, checks the resource and applies
// the corrective action when needed. prior holds the outcomes already
// recorded for this host; later outcomes are never visible. The returned
// outcome is redacted.
func (e *Executor) Execute(ctx context.Context, target Target, play string, task *Task, scope *Scope, facts *Facts, prior []Outcome) Outcome {
	start := time.Now()
	logger := e.logger.With().Str("host", target.Host).Str("task", task.Name).Logger()

	outcome := Outcome{
		TaskName: task.Name,
		Play:     play,
		Host:     target.Host,
		Kind:     task.Kind,
		Register: task.Register,
	}
	finish := func(o Outcome) Outcome {
		o.Duration = time.Since(start)
		o.Timestamp = time.Now()
		return e.redactor.RedactOutcome(o)
	}
	fail := func(o Outcome, err *ExecError) Outcome {
		o.Status = OutcomeFailed
		o.ErrorKind = err.Kind
		o.Message = err.Error()
		o.Ignored = err.Kind == ErrorKindActionFailed && task.FailurePolicy.Ignores()
		return finish(o)
	}

	env := BuildEnv(scope, facts, prior)

	run, err := e.evalGuard(task, env)
	if err != nil {
		logger.Warn().Err(err).Msg("Guard evaluation failed")
		var execErr *ExecError
		if !errors.As(err, &execErr) {
			execErr = NewGuardError("cannot evaluate guard", err)
		}
		return fail(outcome, execErr)
	}
	if !run {
		outcome.Status = OutcomeSkipped
		outcome.Message = fmt.Sprintf("guard %q is false", task.When)
		logger.Debug().Msg("Task skipped by guard")
		return finish(outcome)
	}

	checker, ok := e.checkers.Get(task.Kind)
	if !ok {
		return fail(outcome, NewPlanInvalidError(fmt.Sprintf("unknown kind %q", task.Kind), nil))
	}

	params, err := RenderParams(task.Params, env)
	if err != nil {
		return fail(outcome, NewPlanInvalidError("rendering params", err))
	}

	var last attemptResult
	Poll(ctx, func(ctx context.Context, attempt int) bool {
		outcome.Attempts = attempt
		last = e.attempt(ctx, target, checker, params)
		if last.retryable() && attempt < task.Retry.Attempts() {
			logger.Debug().Int("attempt", attempt).Str("error", e.redactor.Redact(last.message)).Msg("Attempt failed, retrying")
		}
		return !last.retryable()
	}, task.Retry.Attempts(), retryDelay(task))

	outcome.Diff = last.diff
	outcome.RC = last.rc
	outcome.Stdout = last.stdout
	if last.err != nil {
		return fail(outcome, last.err)
	}

	outcome.Status = last.status
	outcome.Message = last.message
	logger.Debug().Str("status", string(outcome.Status)).Int("attempts", outcome.Attempts).Msg("Task finished")
	return finish(outcome)
}

// attempt runs one check and, when needed, one action. The host work is
// shielded from cancellation so an in-flight action runs to completion.
func (e *Executor) attempt(ctx context.Context, target Target, checker Checker, params map[string]any) attemptResult {
	ctx = context.WithoutCancel(ctx)

	state, err := checker.Check(ctx, target.Transport, params)
	if err != nil {
		var execErr *ExecError
		switch {
		case errors.As(err, &execErr):
		case transports.IsConnectionError(err):
			execErr = NewHostUnreachableError(target.Host, err)
		default:
			execErr = NewCheckFailedError("cannot inspect resource", err)
		}
		return attemptResult{status: OutcomeFailed, err: execErr}
	}

	switch {
	case state.Skip != "":
		return attemptResult{status: OutcomeSkipped, message: state.Skip}
	case state.Matches:
		return attemptResult{status: OutcomeUnchanged}
	}

	if e.checkMode {
		if !checker.SupportsDrift() {
			return attemptResult{status: OutcomeSkipped, message: "check mode: state cannot be previewed"}
		}
		return attemptResult{status: OutcomeChanged, message: "check mode: would change", diff: state.Diff}
	}

	result, err := checker.Apply(ctx, target.Transport, params)
	res := attemptResult{diff: state.Diff}
	if result != nil {
		res.rc = result.RC
		res.stdout = result.Stdout
		res.message = result.Message
	}
	if err != nil {
		if transports.IsConnectionError(err) {
			res.status = OutcomeFailed
			res.err = NewHostUnreachableError(target.Host, err)
			return res
		}
		msg := err.Error()
		if result != nil && strings.TrimSpace(result.Stderr) != "" {
			msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(result.Stderr))
		}
		res.status = OutcomeFailed
		res.message = msg
		res.err = NewActionFailedError(msg, nil)
		return res
	}

	res.status = OutcomeChanged
	if res.message == "" {
		res.message = "applied"
	}
	return res
}

// evalGuard decides whether the task runs. A guard verified at plan load
// may read declared names that are absent on this host; those evaluate
// as nil. An unverified guard must find every name it reads.
func (e *Executor) evalGuard(task *Task, env map[string]any) (bool, error) {
	guard := task.guard
	verified := task.guardVerified
	if guard == nil {
		if task.When == "" {
			return true, nil
		}
		g, err := NewGuard(task.When)
		if err != nil {
			return false, err
		}
		guard = g
		verified = false
	}

	for _, ref := range guard.Refs() {
		if _, ok := env[ref]; ok {
			continue
		}
		if !verified {
			return false, NewGuardError(fmt.Sprintf("guard %q references undefined name %q", guard.Source(), ref), nil)
		}
		env[ref] = nil
	}

	return guard.Eval(env)
}

func retryDelay(task *Task) time.Duration {
	if task.Retry == nil {
		return 0
	}
	return task.Retry.Delay.Std()
}
