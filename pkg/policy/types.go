package policy

import (
	"fmt"
	"time"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether the severity denies the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set lists violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source.
	Rego string `json:"rego"`

	// Severity applies to violations that do not set their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Source is the file the policy came from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny entry produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Play     string   `json:"play,omitempty"`
	Task     string   `json:"task,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against a plan.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Err returns a policy_denied error summarizing blocking violations, or
// nil when the plan is allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	msg := r.Violations[0].Message
	if n := len(r.Violations); n > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, n-1)
	}
	return engine.NewPolicyDeniedError(msg, nil)
}

// Input is the document policies see as input.
type Input struct {
	Plan      *engine.Plan `json:"plan"`
	CheckMode bool         `json:"check_mode"`
	Operation string       `json:"operation"`
}
