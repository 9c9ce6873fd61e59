package engine

import (
	"errors"
	"fmt"
	"regexp"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CompileOptions supplies what plan compilation cannot see in the plan
// itself.
type CompileOptions struct {
	// KnownKind reports whether a resource kind has a checker. Nil skips
	// the check.
	KnownKind func(kind string) bool

	// ExtraNames are additional declared variables, such as inventory
	// host vars and "vault".
	ExtraNames []string
}

// CompilePlan validates plan structure and compiles every guard. Guards
// that read a name which is neither a fact, a variable in scope, nor a
// register of an earlier task are rejected. Plays with a vars_script
// defer that check to run time, since their variables are computed.
func CompilePlan(plan *Plan, opts CompileOptions) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, NewPlanInvalidError(fmt.Sprintf(format, args...), nil))
	}

	if plan.Name == "" {
		fail("plan name is required")
	}
	if len(plan.Plays) == 0 {
		fail("plan %q has no plays", plan.Name)
	}

	declared := make(map[string]bool)
	for _, k := range KnownFactKeys {
		declared[k] = true
	}
	for _, k := range reservedNames {
		declared[k] = true
	}
	for _, k := range opts.ExtraNames {
		declared[k] = true
	}
	for k := range plan.Vars {
		declared[k] = true
	}

	// Registers accumulate across plays; a host keeps its outcomes for the
	// whole run.
	registers := make(map[string]bool)

	for pi := range plan.Plays {
		play := &plan.Plays[pi]
		if play.Name == "" {
			fail("play %d has no name", pi+1)
		}
		if len(play.Hosts) == 0 {
			fail("play %q has no host selector", play.Name)
		}

		for ti := range play.Tasks {
			task := &play.Tasks[ti]
			where := fmt.Sprintf("play %q task %d", play.Name, ti+1)
			if task.Name != "" {
				where = fmt.Sprintf("play %q task %q", play.Name, task.Name)
			}

			if task.Name == "" {
				fail("%s: name is required", where)
			}
			if task.Kind == "" {
				fail("%s: kind is required", where)
			} else if opts.KnownKind != nil && !opts.KnownKind(task.Kind) {
				fail("%s: unknown kind %q", where, task.Kind)
			}
			if err := task.FailurePolicy.Validate(); err != nil {
				fail("%s: %v", where, err)
			}
			if task.Retry != nil && task.Retry.MaxAttempts < 1 {
				fail("%s: retry.max_attempts must be at least 1", where)
			}
			if task.Register != "" {
				if !identifierPattern.MatchString(task.Register) {
					fail("%s: register %q is not an identifier", where, task.Register)
				}
				for _, r := range reservedNames {
					if task.Register == r {
						fail("%s: register %q is reserved", where, task.Register)
					}
				}
			}

			task.guard = nil
			task.guardVerified = false
			if task.When != "" {
				guard, err := NewGuard(task.When)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", where, err))
				} else {
					missing := guard.Undeclared(func(name string) bool {
						return declared[name] || registers[name] || hasKey(play.Vars, name) || hasKey(task.Vars, name)
					})
					switch {
					case len(missing) == 0:
						task.guard = guard
						task.guardVerified = true
					case play.VarsScript != "":
						task.guard = guard
					default:
						errs = append(errs, fmt.Errorf("%s: %w", where,
							NewGuardError(fmt.Sprintf("guard %q references undeclared names %v", task.When, missing), nil)))
					}
				}
			}

			if task.Register != "" {
				registers[task.Register] = true
			}
		}
	}

	return errors.Join(errs...)
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
