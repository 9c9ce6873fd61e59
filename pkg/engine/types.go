package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Plan is an ordered sequence of plays plus global variables.
type Plan struct {
	// Name identifies the plan in reports and the run log.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Vars are global variables visible to every play.
	Vars map[string]any `yaml:"vars,omitempty" json:"vars,omitempty"`

	// Plays run in declared order.
	Plays []Play `yaml:"plays" json:"plays" validate:"required,min=1,dive"`
}

// Play applies an ordered task list to every host matched by its selector.
type Play struct {
	// Name is the human-readable play name.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Hosts selects target hosts: host names, group names, label
	// selectors (key=value) or "all".
	Hosts []string `yaml:"hosts" json:"hosts" validate:"required,min=1"`

	// Vars shadow global variables for this play's tasks.
	Vars map[string]any `yaml:"vars,omitempty" json:"vars,omitempty"`

	// VarsScript is an optional Starlark program whose top-level globals
	// become play variables.
	VarsScript string `yaml:"vars_script,omitempty" json:"vars_script,omitempty"`

	// GatherFacts disables fact gathering when explicitly false.
	GatherFacts *bool `yaml:"gather_facts,omitempty" json:"gather_facts,omitempty"`

	// Tasks run sequentially per host.
	Tasks []Task `yaml:"tasks" json:"tasks" validate:"dive"`
}

// ShouldGatherFacts reports whether facts are gathered before the play.
func (p *Play) ShouldGatherFacts() bool {
	return p.GatherFacts == nil || *p.GatherFacts
}

// Task is one declared unit of desired state.
type Task struct {
	// Name identifies the task within its play.
	Name string `yaml:"name" json:"name" validate:"required"`

	// When is an optional guard expression. The task is skipped when it
	// evaluates to false.
	When string `yaml:"when,omitempty" json:"when,omitempty"`

	// Kind selects the resource checker (file, package, service,
	// firewall, shell, wait).
	Kind string `yaml:"kind" json:"kind" validate:"required"`

	// Params is the kind-specific desired state.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// FailurePolicy decides whether a failure halts the play. Empty means
	// fatal.
	FailurePolicy FailurePolicy `yaml:"failure_policy,omitempty" json:"failure_policy,omitempty" validate:"omitempty,oneof=fatal ignore"`

	// Retry repeats check and action until success or exhaustion.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Tags allow selecting a subset of tasks at run time.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Register exposes this task's outcome to later guards under the
	// given name.
	Register string `yaml:"register,omitempty" json:"register,omitempty" validate:"omitempty,identifier"`

	// Vars are task-local variables, innermost in the scope.
	Vars map[string]any `yaml:"vars,omitempty" json:"vars,omitempty"`

	// guard is compiled at plan load. guardVerified records that every
	// name it reads was declared at load time.
	guard         *Guard
	guardVerified bool
}

// Guard returns the compiled guard, or nil when the task has none or the
// plan was not compiled.
func (t *Task) Guard() *Guard {
	return t.guard
}

// HasTag reports whether the task carries any of tags. An empty filter
// matches every task.
func (t *Task) HasTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range t.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// RetryPolicy bounds repeated attempts of a task.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"min=1,max=100"`

	// Delay is the wait between attempts.
	Delay Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// Attempts returns the number of attempts permitted by p. A nil policy
// means exactly one.
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Change describes one field of drift.
type Change struct {
	// Field is the attribute that differs (content, mode, state, ...).
	Field string `json:"field"`

	// Current is the observed value.
	Current string `json:"current"`

	// Desired is the declared value.
	Desired string `json:"desired"`
}

// String renders the change as "field: current -> desired".
func (c Change) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Field, c.Current, c.Desired)
}

// Outcome is the recorded result of one task on one host.
type Outcome struct {
	// TaskName is the task's declared name.
	TaskName string `json:"task"`

	// Play is the enclosing play's name.
	Play string `json:"play"`

	// Host is the target host's inventory name.
	Host string `json:"host"`

	// Kind is the task's resource kind.
	Kind string `json:"kind"`

	// Register is the name under which later guards see this outcome.
	Register string `json:"register,omitempty"`

	// Status is the task result.
	Status OutcomeStatus `json:"status"`

	// Message is a redacted diagnostic.
	Message string `json:"message,omitempty"`

	// Diff lists the drift found, redacted.
	Diff []Change `json:"diff,omitempty"`

	// Attempts is the number of check/action attempts made.
	Attempts int `json:"attempts"`

	// Ignored is set when a failure was swallowed by policy.
	Ignored bool `json:"ignored,omitempty"`

	// ErrorKind classifies failed outcomes.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// RC is the exit code of the corrective action, when it ran a command.
	RC int `json:"rc,omitempty"`

	// Stdout is the redacted output of the corrective action.
	Stdout string `json:"stdout,omitempty"`

	// Timestamp is when the outcome was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Duration is the wall time spent on the task.
	Duration time.Duration `json:"duration"`
}

// Fatal reports whether the outcome halts the play for its host.
func (o *Outcome) Fatal() bool {
	return o.Status == OutcomeFailed && !o.Ignored
}

// Duration is a time.Duration that decodes from either an integer number
// of seconds or a Go duration string such as "1m30s".
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String renders the duration in Go syntax.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// ParseDuration parses seconds ("5") or a Go duration ("5s").
func ParseDuration(s string) (Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration: %s", s)
		}
		return Duration(time.Duration(n) * time.Second), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration: %s", s)
	}
	return Duration(d), nil
}

// UnmarshalYAML accepts an integer or a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalJSON accepts a number of seconds or a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		parsed, err := ParseDuration(n.String())
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a number or string: %w", err)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
