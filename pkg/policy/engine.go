package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

// Engine evaluates built-in and loaded Rego policies against plans.
type Engine struct {
	mu       sync.RWMutex
	builtin  map[string]*compiledPolicy
	loaded   map[string]*compiledPolicy
	logger   zerolog.Logger
	disabled map[string]bool
}

type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		builtin:  make(map[string]*compiledPolicy),
		loaded:   make(map[string]*compiledPolicy),
		disabled: make(map[string]bool),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		cp, err := compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.builtin[p.Name] = cp
	}

	e.logger.Debug().Int("count", len(e.builtin)).Msg("Built-in policies loaded")
	return e, nil
}

// compile parses the module and prepares a query for its deny set.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	query := module.Package.Path.String() + ".deny"

	prepared, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return &compiledPolicy{policy: p, query: prepared, compiled: time.Now()}, nil
}

// SetPolicies replaces every loaded policy. Built-ins are kept. Nothing
// changes when any policy fails to compile.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if _, clash := e.builtin[p.Name]; clash {
			return fmt.Errorf("policy %s: name is taken by a built-in policy", p.Name)
		}
		if _, dup := next[p.Name]; dup {
			return fmt.Errorf("policy %s: defined more than once", p.Name)
		}
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		next[p.Name] = cp
	}

	e.mu.Lock()
	e.loaded = next
	e.mu.Unlock()

	e.logger.Info().Int("count", len(next)).Msg("Policies loaded")
	return nil
}

// LoadPolicies reads .rego and .json policies from paths and installs
// them with SetPolicies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetEnabled turns a policy on or off by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.builtin[name] == nil && e.loaded[name] == nil {
		return fmt.Errorf("policy not found: %s", name)
	}
	if enabled {
		delete(e.disabled, name)
	} else {
		e.disabled[name] = true
	}
	return nil
}

// ListPolicies returns every known policy sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Policy
	for _, cp := range e.activeLocked(true) {
		p := cp.policy
		p.Enabled = p.Enabled && !e.disabled[p.Name]
		out = append(out, p)
	}
	return out
}

func (e *Engine) activeLocked(includeDisabled bool) []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.builtin)+len(e.loaded))
	for _, set := range []map[string]*compiledPolicy{e.builtin, e.loaded} {
		for name, cp := range set {
			if !includeDisabled && (!cp.policy.Enabled || e.disabled[name]) {
				continue
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// EvaluatePlan runs every enabled policy against plan. A policy that
// fails to evaluate is reported in Result.Errors and does not deny.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, checkMode bool) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	active := e.activeLocked(false)
	e.mu.RUnlock()

	input := Input{Plan: plan, CheckMode: checkMode, Operation: "run"}
	if checkMode {
		input.Operation = "check"
	}

	result := &Result{Allowed: true}
	for _, cp := range active {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := evaluate(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", cp.policy.Name, err))
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result.Duration = time.Since(start)
	e.logger.Debug().
		Str("plan", plan.Name).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")
	return result, nil
}

func evaluate(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			entries, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, entry := range entries {
				out = append(out, toViolation(cp.policy, entry))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Play != out[j].Play {
			return out[i].Play < out[j].Play
		}
		if out[i].Task != out[j].Task {
			return out[i].Task < out[j].Task
		}
		return out[i].Message < out[j].Message
	})
	return out, nil
}

// toViolation accepts either a message string or an object with
// message, severity, play and task keys.
func toViolation(p Policy, entry any) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch val := entry.(type) {
	case string:
		v.Message = val
	case map[string]any:
		v.Message, _ = val["message"].(string)
		v.Play, _ = val["play"].(string)
		v.Task, _ = val["task"].(string)
		if sev, ok := val["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprint(val)
	}
	return v
}
