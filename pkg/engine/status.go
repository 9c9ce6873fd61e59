package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a plan run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every host finished without an
	// un-ignored failure.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one host failed or was aborted.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was aborted between tasks.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// OutcomeStatus is the result of executing one task on one host.
type OutcomeStatus string

const (
	// OutcomeChanged indicates drift was found and corrected.
	OutcomeChanged OutcomeStatus = "changed"

	// OutcomeUnchanged indicates the resource already matched.
	OutcomeUnchanged OutcomeStatus = "unchanged"

	// OutcomeSkipped indicates the guard was false or an idempotence
	// guard marked the task satisfied.
	OutcomeSkipped OutcomeStatus = "skipped"

	// OutcomeFailed indicates the task could not reach its desired state.
	OutcomeFailed OutcomeStatus = "failed"
)

// Validate checks if the outcome status is valid.
func (s OutcomeStatus) Validate() error {
	switch s {
	case OutcomeChanged, OutcomeUnchanged, OutcomeSkipped, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid outcome status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s OutcomeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OutcomeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = OutcomeStatus(str)
	return s.Validate()
}

// FailurePolicy decides whether a failed task halts its play.
type FailurePolicy string

const (
	// FailurePolicyFatal halts the enclosing play for the host.
	FailurePolicyFatal FailurePolicy = "fatal"

	// FailurePolicyIgnore records the failure and continues.
	FailurePolicyIgnore FailurePolicy = "ignore"
)

// Validate checks if the failure policy is valid. The empty policy means
// fatal.
func (p FailurePolicy) Validate() error {
	switch p {
	case "", FailurePolicyFatal, FailurePolicyIgnore:
		return nil
	default:
		return fmt.Errorf("invalid failure policy: %s", p)
	}
}

// Ignores reports whether failures are swallowed.
func (p FailurePolicy) Ignores() bool {
	return p == FailurePolicyIgnore
}
